package backoff

import (
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: time.Minute, Factor: 2}
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := Policy{Initial: time.Minute, Max: 5 * time.Minute}
	if got := p.Delay(10); got != 5*time.Minute {
		t.Errorf("delay = %v, want cap %v", got, 5*time.Minute)
	}
}

func TestDelayDefaultFactor(t *testing.T) {
	p := Policy{Initial: time.Second}
	if got := p.Delay(3); got != 4*time.Second {
		t.Errorf("delay = %v, want %v", got, 4*time.Second)
	}
}

func TestDelayClampsLowAttempts(t *testing.T) {
	p := Policy{Initial: time.Second}
	for _, attempt := range []int{-1, 0, 1} {
		if got := p.Delay(attempt); got != time.Second {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, time.Second)
		}
	}
}

func TestDelayJitter(t *testing.T) {
	p := Policy{Initial: time.Second, Jitter: 0.5}
	if got := p.DelayWithRand(1, 0); got != time.Second {
		t.Errorf("zero draw: delay = %v, want %v", got, time.Second)
	}
	if got := p.DelayWithRand(1, 0.5); got != 1250*time.Millisecond {
		t.Errorf("half draw: delay = %v, want %v", got, 1250*time.Millisecond)
	}
}
