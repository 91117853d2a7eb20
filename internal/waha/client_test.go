package waha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"convocore/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(config.WAHAConfig{BaseURL: ts.URL, Timeout: 2 * time.Second})
}

func TestSendTextPostsSessionChatAndText(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sendText" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})
	if err := c.SendText(context.Background(), "s1", "c1", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody["session"] != "s1" || gotBody["chatId"] != "c1" || gotBody["text"] != "hello" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestSendTextNon2xxReturnsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	})
	if err := c.SendText(context.Background(), "s1", "c1", "hi"); err == nil {
		t.Fatal("expected error on 5xx response")
	}
}

func TestEnsureVersionAcceptsNewerVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/server/version" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(versionInfo{Version: "2024.9.2"})
	})
	if err := c.EnsureVersion(context.Background(), "2024.6.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureVersionRejectsOlderVersion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(versionInfo{Version: "2023.1.0"})
	})
	if err := c.EnsureVersion(context.Background(), "2024.6.0"); err == nil {
		t.Fatal("expected error for version below minimum")
	}
}

func TestCompareVersionsIgnoresBuildSuffix(t *testing.T) {
	cmp, err := compareVersions("2024.9.2-amd64", "2024.9.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmp != 0 {
		t.Fatalf("expected equal, got %d", cmp)
	}
}

func TestCompareVersionsShorterSatisfiesZeroPatch(t *testing.T) {
	cmp, err := compareVersions("2024.9", "2024.9.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmp != 0 {
		t.Fatalf("expected equal, got %d", cmp)
	}
}
