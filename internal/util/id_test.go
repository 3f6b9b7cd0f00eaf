package util

import (
	"encoding/base64"
	"testing"
)

func TestNewSecretTokenLengthAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, err := NewSecretToken(32)
		if err != nil {
			t.Fatalf("new token: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(tok)
		if err != nil || len(raw) != 32 {
			t.Fatalf("expected 32 decoded bytes, got %d err=%v", len(raw), err)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = struct{}{}
	}
}
