package utils

import "testing"

func TestUUIDStack(t *testing.T) {
	stack := UUIDStack(4)
	if len(stack) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(stack))
	}
	seen := map[string]struct{}{}
	for _, id := range stack {
		if len(id) != 36 {
			t.Errorf("unexpected uuid %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Errorf("duplicate uuid %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDStackEmpty(t *testing.T) {
	if got := UUIDStack(0); len(got) != 0 {
		t.Fatalf("expected empty stack, got %v", got)
	}
}
