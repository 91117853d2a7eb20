// Package chatkey implements the canonical ChatKey identifier used to route
// and serialize all per-chat work: "userId:waAccountId:whatsappChatId".
package chatkey

import (
	"fmt"
	"strings"
)

// Key is an immutable, canonical chat identifier. The zero value is invalid;
// construct one with Parse or New.
type Key string

// New builds a Key from its three parts, validating none are empty.
func New(userID, waAccountID, whatsappChatID string) (Key, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(waAccountID) == "" || strings.TrimSpace(whatsappChatID) == "" {
		return "", fmt.Errorf("chatkey: userId, waAccountId and whatsappChatId are all required")
	}
	if strings.ContainsAny(userID, ":") || strings.ContainsAny(waAccountID, ":") || strings.ContainsAny(whatsappChatID, ":") {
		return "", fmt.Errorf("chatkey: parts must not contain ':'")
	}
	return Key(userID + ":" + waAccountID + ":" + whatsappChatID), nil
}

// Parse validates and wraps a raw "userId:waAccountId:whatsappChatId" string.
func Parse(raw string) (Key, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("chatkey: expected 3 ':'-separated parts, got %d", len(parts))
	}
	return New(parts[0], parts[1], parts[2])
}

// UserID returns the first component.
func (k Key) UserID() string { return k.parts()[0] }

// WAAccountID returns the second component.
func (k Key) WAAccountID() string { return k.parts()[1] }

// WhatsAppChatID returns the third component.
func (k Key) WhatsAppChatID() string { return k.parts()[2] }

func (k Key) parts() [3]string {
	var out [3]string
	p := strings.SplitN(string(k), ":", 3)
	for i := 0; i < 3 && i < len(p); i++ {
		out[i] = p[i]
	}
	return out
}

func (k Key) String() string { return string(k) }

// Valid reports whether k parses as a well-formed ChatKey.
func (k Key) Valid() bool {
	_, err := Parse(string(k))
	return err == nil
}
