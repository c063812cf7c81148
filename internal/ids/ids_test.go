package ids

import (
	"testing"
	"time"
)

func TestNewIsValidAndOrdered(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAt(base)
	b := NewAt(base.Add(time.Second))
	if !Valid(a) || !Valid(b) {
		t.Fatalf("expected valid ids, got %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(in) {
			t.Fatalf("expected %q to be invalid", in)
		}
	}
}
