package ids

import (
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	now := time.Now()
	a := NewAt(now)
	b := NewAt(now)
	if a >= b {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
	if !Valid(a) || Valid("not-an-id") {
		t.Fatal("validity check mismatch")
	}
}

func TestParseUUID(t *testing.T) {
	id := NewUUID()
	got, err := ParseUUID(id)
	if err != nil || got != id {
		t.Fatalf("ParseUUID(%q) = %q, %v", id, got, err)
	}
	if _, err := ParseUUID("nope"); err == nil {
		t.Fatal("expected parse error")
	}
}
