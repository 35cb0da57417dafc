// Package ratelimit provides a simple packets-per-second rate limiter and
// a non-blocking interval gate for busy-poll loops.
package ratelimit

import "time"

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerPacket int64
	packetsSent uint64
	startTime   time.Time
	checkEvery  uint64
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		nsPerPacket: int64(time.Second) / int64(pps),
		startTime:   time.Now(),

		// Check time every ~10ms of packets to balance accuracy vs overhead
		// At least every 32 packets. At most every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
	}
}

// ThrottleN blocks until n packets are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.packetsSent += n
	if l.packetsSent%l.checkEvery != 0 {
		return // Fast path: only check time periodically.
	}

	// Slow path: check if we need to sleep
	expectedTime := l.startTime.Add(time.Duration(int64(l.packetsSent) * l.nsPerPacket))

	if now := time.Now(); now.Before(expectedTime) {
		time.Sleep(expectedTime.Sub(now))
	}
	// If behind schedule, naturally catch up by not sleeping
}

// Interval gates an action to at most once per period without ever
// sleeping, for callers inside a busy-poll loop where blocking is not an
// option. Not safe for concurrent use.
type Interval struct {
	period time.Duration
	last   time.Time
}

// Every creates an interval gate. A zero period gate is always ready.
func Every(period time.Duration) *Interval {
	return &Interval{period: period}
}

// Ready reports whether the period has elapsed since the last ready call,
// and if so arms the next period.
func (i *Interval) Ready(now time.Time) bool {
	if i == nil || i.period == 0 {
		return true
	}
	if now.Sub(i.last) < i.period {
		return false
	}
	i.last = now
	return true
}
