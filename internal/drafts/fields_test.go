package drafts

import (
	"testing"

	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

func TestMergeReceivedValueWins(t *testing.T) {
	local := store.Body{"goals": "unsaved local", "insight": "keep"}
	Merge(local, store.Body{"goals": "remote", "strategy": nil})

	if local["goals"] != "remote" {
		t.Fatalf("goals = %v, want remote", local["goals"])
	}
	if local["insight"] != "keep" {
		t.Fatalf("insight = %v, want keep", local["insight"])
	}
	if v, ok := local["strategy"]; !ok || v != nil {
		t.Fatalf("strategy = %v (present %v), want explicit nil", v, ok)
	}
}

func TestMergeIntoNil(t *testing.T) {
	got := Merge(nil, store.Body{"goals": "X"})
	if got["goals"] != "X" {
		t.Fatalf("goals = %v", got["goals"])
	}
}

func TestValidatePatch(t *testing.T) {
	if err := ValidatePatch(store.Body{"clientName": "Acme", "meetingDate": "2026-03-01", "goals": nil, "clientDeadline": ""}); err != nil {
		t.Fatalf("ValidatePatch() error = %v", err)
	}
	err := ValidatePatch(store.Body{"meetingDate": "2026-13-01", "nope": "x"})
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("ValidatePatch() error = %v, want *ValidationError", err)
	}
	if len(verr.Fields) != 2 {
		t.Fatalf("fields = %v, want two problems", verr.Fields)
	}
}

func TestTitleFromPatch(t *testing.T) {
	if titleFromPatch(store.Body{"goals": "x"}) != nil {
		t.Fatal("expected no title")
	}
	if titleFromPatch(store.Body{"clientName": ""}) != nil {
		t.Fatal("empty clientName must not set title")
	}
	if got := titleFromPatch(store.Body{"clientName": "Acme"}); got == nil || *got != "Acme" {
		t.Fatalf("title = %v", got)
	}
}
