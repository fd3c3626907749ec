package ids

import (
	"testing"
	"time"
)

func TestNewULID_LengthAndOrder(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a, err := NewULID(t0)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(t0.Add(time.Second))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26-char ids, got %q %q", a, b)
	}
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
}

func TestULIDTime_RoundTrip(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 123_000_000, time.UTC)
	id := MustULID(t0)

	got, err := ULIDTime(id)
	if err != nil {
		t.Fatalf("ULIDTime: %v", err)
	}
	if !got.Equal(t0) {
		t.Fatalf("ULIDTime=%v want=%v", got, t0)
	}
}

func TestULIDTime_RejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ULIDTime("not-a-ulid"); err == nil {
		t.Fatalf("expected error for invalid ulid")
	}
}
