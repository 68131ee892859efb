package token

import (
	"strings"
	"testing"
)

const urlSafeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

func TestGenerateLengthAndAlphabet(t *testing.T) {
	tok, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(tok) != 32 {
		t.Fatalf("Generate: expected 32 chars, got %d (%q)", len(tok), tok)
	}
	for _, r := range tok {
		if !strings.ContainsRune(urlSafeAlphabet, r) {
			t.Fatalf("Generate: non url-safe char %q in token %q", r, tok)
		}
	}
}

func TestGenerateUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		tok, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("Generate: duplicate token after %d draws: %q", i, tok)
		}
		seen[tok] = struct{}{}
	}
}
