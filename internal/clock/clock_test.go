package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	start := time.Unix(100, 0).UTC()
	clk := NewManual(start)

	early := clk.After(2 * time.Second)
	late := clk.After(10 * time.Second)

	clk.Advance(3 * time.Second)
	select {
	case now := <-early:
		if now != start.Add(3*time.Second) {
			t.Fatalf("unexpected fire time: %v", now)
		}
	default:
		t.Fatalf("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatalf("late timer fired too soon")
	default:
	}
	if clk.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", clk.Pending())
	}

	clk.Advance(7 * time.Second)
	select {
	case <-late:
	default:
		t.Fatalf("expected late timer to fire")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatalf("expected immediate fire for zero duration")
	}
}

func TestManualAdvanceTo(t *testing.T) {
	start := time.Unix(50, 0).UTC()
	clk := NewManual(start)
	target := start.Add(42 * time.Second)
	if got := clk.AdvanceTo(target); got != target {
		t.Fatalf("AdvanceTo returned %v, want %v", got, target)
	}
	if got := clk.AdvanceTo(start); got != target {
		t.Fatalf("AdvanceTo moved backwards: %v", got)
	}
}
