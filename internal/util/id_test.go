package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("drf")
	if !strings.HasPrefix(id, "drf_") {
		t.Fatalf("expected drf_ prefix, got %q", id)
	}
	if len(id) != len("drf_")+32 {
		t.Fatalf("unexpected id length %d", len(id))
	}
}

func TestShareTokenShape(t *testing.T) {
	token := NewShareToken()
	if !IsShareToken(token) {
		t.Fatalf("minted token %q rejected", token)
	}
	if NewShareToken() == token {
		t.Fatal("expected distinct tokens")
	}
}

func TestIsShareTokenRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"1",
		strings.Repeat("g", ShareTokenLength),
		strings.Repeat("A", ShareTokenLength),
		strings.Repeat("a", ShareTokenLength+1),
		"../" + strings.Repeat("a", ShareTokenLength-3),
	}
	for _, token := range cases {
		if IsShareToken(token) {
			t.Fatalf("expected %q to be rejected", token)
		}
	}
}
