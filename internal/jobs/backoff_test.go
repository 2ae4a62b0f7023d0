package jobs

import (
	"testing"
	"time"
)

func TestNextBackoff_GrowsGeometrically(t *testing.T) {
	b := NextBackoff(nil)
	if b.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", b.Attempts)
	}
	want := time.Duration(float64(BackoffBase) * BackoffFactor)
	if b.NextDelay != want {
		t.Fatalf("first delay = %v, want %v", b.NextDelay, want)
	}

	prev := b.NextDelay
	for i := 0; i < 20; i++ {
		b = NextBackoff(b)
		if b.NextDelay < prev {
			t.Fatalf("delay decreased: %v -> %v", prev, b.NextDelay)
		}
		prev = b.NextDelay
	}
	if b.NextDelay != BackoffMax {
		t.Fatalf("delay should cap at %v, got %v", BackoffMax, b.NextDelay)
	}
	if b.Attempts != 21 {
		t.Fatalf("attempts = %d, want 21", b.Attempts)
	}
}

func TestResetBackoff(t *testing.T) {
	b := ResetBackoff()
	if b.Attempts != 0 || b.NextDelay != BackoffBase {
		t.Fatalf("reset = %+v", b)
	}
}
