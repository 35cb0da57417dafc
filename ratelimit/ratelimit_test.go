package ratelimit

import (
	"testing"
	"time"
)

func TestIntervalGating(t *testing.T) {
	base := time.Unix(0, 0)
	i := Every(100 * time.Millisecond)

	if !i.Ready(base) {
		t.Fatal("first call not ready")
	}
	if i.Ready(base.Add(50 * time.Millisecond)) {
		t.Error("ready before period elapsed")
	}
	if !i.Ready(base.Add(100 * time.Millisecond)) {
		t.Error("not ready after period elapsed")
	}
	if i.Ready(base.Add(150 * time.Millisecond)) {
		t.Error("ready again 50ms after rearm")
	}
}

func TestIntervalZeroAlwaysReady(t *testing.T) {
	i := Every(0)
	now := time.Now()
	for range 3 {
		if !i.Ready(now) {
			t.Fatal("zero-period gate not ready")
		}
	}
	var nilGate *Interval
	if !nilGate.Ready(now) {
		t.Error("nil gate not ready")
	}
}
