package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	a := gen()
	time.Sleep(2 * time.Millisecond)
	b := gen()
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("q_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "q_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if len(id) <= len("q_") {
		t.Fatalf("empty suffix: %s", id)
	}
}

func TestCreatedAt(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New()
	after := time.Now().Add(time.Second)

	ts := CreatedAt(id)
	if ts.Before(before) || ts.After(after) {
		t.Fatalf("timestamp %v outside [%v, %v]", ts, before, after)
	}

	if !CreatedAt("not-a-uuid").IsZero() {
		t.Fatal("expected zero time for invalid input")
	}
}
