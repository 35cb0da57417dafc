// Package flood generates synthetic transaction load and spreads it
// across the connection's streams in strict rotation.
package flood

import (
	"bytes"
	"errors"

	"github.com/lvboudre/afterburner/driver"
)

// StreamWriter is the slice of the connection driver the generator needs.
type StreamWriter interface {
	WriteStream(slot int, typ byte, body []byte) error
}

// Stats counts generator outcomes. Sent is successful submissions,
// Skipped is attempts dropped because a stream's queue was full.
type Stats struct {
	Sent    uint64
	Skipped uint64
}

// Generator emits mock transactions round-robin over a fixed set of
// stream slots. A slot whose queue is full is skipped, not waited on;
// the rotation moves to the next slot either way.
type Generator struct {
	w       StreamWriter
	payload []byte
	slots   int
	next    int
	counter uint8
	stats   Stats
}

// MockTransaction builds a minimal wire-shaped transaction: one dummy
// signature, a three-byte message header, two account keys, a recent
// blockhash and a single instruction whose 4-byte data ends in a counter
// byte the generator varies per send.
func MockTransaction() []byte {
	p := make([]byte, 0, 173)
	p = append(p, 1)
	p = append(p, bytes.Repeat([]byte{0xAA}, 64)...)
	p = append(p, 1, 0, 1)
	p = append(p, 2)
	p = append(p, bytes.Repeat([]byte{0xBB}, 32)...)
	p = append(p, bytes.Repeat([]byte{0xCC}, 32)...)
	p = append(p, bytes.Repeat([]byte{0xDD}, 32)...)
	p = append(p, 1, 0, 0)
	p = append(p, 4)
	p = append(p, 0xCA, 0xFE, 0xBA, 0xBE)
	return p
}

// New builds a generator writing to numSlots stream slots.
func New(w StreamWriter, numSlots int) *Generator {
	if numSlots <= 0 {
		numSlots = 4
	}
	return &Generator{
		w:       w,
		payload: MockTransaction(),
		slots:   numSlots,
	}
}

// Pump attempts up to budget sends, one per slot in rotation. Full slots
// are skipped. Returns how many transactions were queued; any error other
// than a full queue stops the pump and is returned.
func (g *Generator) Pump(budget int) (int, error) {
	sent := 0
	for i := 0; i < budget; i++ {
		slot := g.next
		g.next = (g.next + 1) % g.slots

		g.payload[len(g.payload)-1] = g.counter
		err := g.w.WriteStream(slot, driver.RecordTypeTransaction, g.payload)
		switch {
		case err == nil:
			sent++
			g.counter++
			g.stats.Sent++
		case errors.Is(err, driver.ErrWouldBlock):
			g.stats.Skipped++
		default:
			return sent, err
		}
	}
	return sent, nil
}

// Stats returns a copy of the counters.
func (g *Generator) Stats() Stats { return g.stats }
