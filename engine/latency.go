package engine

import "time"

// LatencyStats are the round-trip aggregates at a point in time.
type LatencyStats struct {
	Count uint64
	Lost  uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Tracker aggregates round-trip probe timings. Probes that do not come
// back within the deadline are counted as lost; a reply arriving after
// expiry is ignored. Not safe for concurrent use.
type Tracker struct {
	deadline    time.Duration
	outstanding map[uint64]int64

	count uint64
	lost  uint64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

// NewTracker creates a tracker; deadline 0 means 1 second.
func NewTracker(deadline time.Duration) *Tracker {
	if deadline == 0 {
		deadline = time.Second
	}
	return &Tracker{
		deadline:    deadline,
		outstanding: make(map[uint64]int64),
	}
}

// Sent records a probe leaving at sendNanos.
func (t *Tracker) Sent(seq uint64, sendNanos int64) {
	t.outstanding[seq] = sendNanos
}

// Completed records a probe reply arriving at recvNanos. Returns the
// round-trip time and whether the sample was accepted.
func (t *Tracker) Completed(seq uint64, recvNanos int64) (time.Duration, bool) {
	sendNanos, ok := t.outstanding[seq]
	if !ok {
		return 0, false
	}
	delete(t.outstanding, seq)

	rtt := time.Duration(recvNanos - sendNanos)
	if rtt < 0 {
		rtt = 0
	}
	t.count++
	t.sum += rtt
	if t.count == 1 || rtt < t.min {
		t.min = rtt
	}
	if rtt > t.max {
		t.max = rtt
	}
	return rtt, true
}

// Expire moves probes older than the deadline into the loss counter and
// returns how many expired.
func (t *Tracker) Expire(nowNanos int64) int {
	n := 0
	for seq, sendNanos := range t.outstanding {
		if time.Duration(nowNanos-sendNanos) > t.deadline {
			delete(t.outstanding, seq)
			t.lost++
			n++
		}
	}
	return n
}

// Outstanding is the number of probes in flight.
func (t *Tracker) Outstanding() int { return len(t.outstanding) }

// Snapshot returns the aggregates.
func (t *Tracker) Snapshot() LatencyStats {
	s := LatencyStats{
		Count: t.count,
		Lost:  t.lost,
		Min:   t.min,
		Max:   t.max,
	}
	if t.count > 0 {
		s.Avg = t.sum / time.Duration(t.count)
	}
	return s
}
