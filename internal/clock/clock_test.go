package clock

import (
	"testing"
	"time"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	tk := f.NewTicker(time.Minute)

	f.Advance(30 * time.Second)
	select {
	case <-tk.C():
		t.Fatalf("ticker fired early")
	default:
	}

	now := f.Advance(30 * time.Second)
	select {
	case got := <-tk.C():
		if !got.Equal(now) {
			t.Fatalf("tick=%v want %v", got, now)
		}
	default:
		t.Fatalf("ticker did not fire")
	}

	tk.Stop()
	f.Advance(time.Hour)
	select {
	case <-tk.C():
		t.Fatalf("stopped ticker fired")
	default:
	}
}
