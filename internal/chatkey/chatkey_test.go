package chatkey

import "testing"

func TestParseRoundTrip(t *testing.T) {
	k, err := New("u1", "wa1", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.String() != "u1:wa1:c1" {
		t.Fatalf("unexpected key: %s", k)
	}
	parsed, err := Parse(k.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.UserID() != "u1" || parsed.WAAccountID() != "wa1" || parsed.WhatsAppChatID() != "c1" {
		t.Fatalf("unexpected parts: %+v", parsed)
	}
}

func TestParseRejectsWrongShape(t *testing.T) {
	cases := []string{"", "u1", "u1:wa1", "u1:wa1:c1:extra", "u1::c1"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("expected error for %q, got nil", c)
		}
	}
}

func TestValid(t *testing.T) {
	if (Key("u1:wa1:c1")).Valid() != true {
		t.Fatal("expected valid key to report Valid() == true")
	}
	if (Key("bad")).Valid() != false {
		t.Fatal("expected malformed key to report Valid() == false")
	}
}
