// Package waha implements the outbound HTTP client for the WAHA gateway:
// session lifecycle calls plus the typing/send primitives C5 drives.
package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"convocore/internal/config"
	"convocore/internal/observability"
)

// Client wraps one WAHA deployment's REST API.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

func NewClient(cfg config.WAHAConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, timeout: timeout, http: observability.NewHTTPClient(&http.Client{Timeout: timeout})}
}

// SessionInfo mirrors WAHA's GET /api/sessions/{session} response shape.
type SessionInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (c *Client) CreateSession(ctx context.Context, sessionID, webhookURL string) error {
	body := map[string]any{
		"name": sessionID,
		"config": map[string]any{
			"webhooks": []map[string]any{{"url": webhookURL, "events": []string{"message", "session.status", "message.ack"}}},
		},
	}
	_, err := c.do(ctx, http.MethodPost, "/api/sessions", body, nil)
	return err
}

func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (SessionInfo, error) {
	var out SessionInfo
	_, err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &out)
	return out, err
}

func (c *Client) RestartSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/restart", nil, nil)
	return err
}

// QRCode returns the raw PNG bytes of the session's pairing QR code.
func (c *Client) QRCode(ctx context.Context, sessionID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/"+sessionID+"/auth/qr", nil, nil)
}

// StartTyping and StopTyping drive the per-segment typing indicator C5 shows
// while a segment's simulated typingDuration elapses.
func (c *Client) StartTyping(ctx context.Context, sessionID, chatID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/startTyping", map[string]any{"session": sessionID, "chatId": chatID}, nil)
	return err
}

func (c *Client) StopTyping(ctx context.Context, sessionID, chatID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/stopTyping", map[string]any{"session": sessionID, "chatId": chatID}, nil)
	return err
}

// SendText sends one text segment. The caller (C5) owns retry/backoff.
func (c *Client) SendText(ctx context.Context, sessionID, chatID, text string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/sendText", map[string]any{"session": sessionID, "chatId": chatID, "text": text}, nil)
	return err
}

// versionInfo mirrors WAHA's GET /api/server/version response shape.
type versionInfo struct {
	Version string `json:"version"`
}

// EnsureVersion confirms the connected WAHA deployment is at least minVersion
// (a dotted numeric version such as "2024.9.2"), so session/typing/send calls
// aren't issued against a gateway too old to support them. A build-tag suffix
// on the reported version (e.g. "2024.9.2-amd64") is ignored for comparison.
func (c *Client) EnsureVersion(ctx context.Context, minVersion string) error {
	var out versionInfo
	if _, err := c.do(ctx, http.MethodGet, "/api/server/version", nil, &out); err != nil {
		return fmt.Errorf("waha ensure version: %w", err)
	}
	cmp, err := compareVersions(out.Version, minVersion)
	if err != nil {
		return fmt.Errorf("waha ensure version: %w", err)
	}
	if cmp < 0 {
		return fmt.Errorf("waha version %q is below required minimum %q", out.Version, minVersion)
	}
	return nil
}

// compareVersions compares dotted numeric version strings component by
// component, returning -1, 0, or 1 as got is less than, equal to, or greater
// than want. Missing trailing components compare as 0 (so "2024.9" satisfies
// a "2024.9.0" minimum). Non-numeric build-tag suffixes on the final
// component (e.g. "2-amd64") are stripped before parsing.
func compareVersions(got, want string) (int, error) {
	gotParts, err := splitVersion(got)
	if err != nil {
		return 0, fmt.Errorf("parse reported version %q: %w", got, err)
	}
	wantParts, err := splitVersion(want)
	if err != nil {
		return 0, fmt.Errorf("parse minimum version %q: %w", want, err)
	}
	for i := 0; i < len(gotParts) || i < len(wantParts); i++ {
		var g, w int
		if i < len(gotParts) {
			g = gotParts[i]
		}
		if i < len(wantParts) {
			w = wantParts[i]
		}
		if g != w {
			if g < w {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

func splitVersion(v string) ([]int, error) {
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	fields := strings.Split(v, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(cctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("waha %s %s: %s: %s", method, path, resp.Status, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("decode waha response: %w", err)
		}
	}
	return respBody, nil
}
