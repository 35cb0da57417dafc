package flood

import (
	"errors"
	"testing"

	"github.com/lvboudre/afterburner/driver"
)

type fakeWriter struct {
	slots   []int
	bodies  [][]byte
	full    map[int]bool
	failErr error
}

func (f *fakeWriter) WriteStream(slot int, typ byte, body []byte) error {
	if f.failErr != nil {
		return f.failErr
	}
	if f.full[slot] {
		return driver.ErrWouldBlock
	}
	if typ != driver.RecordTypeTransaction {
		return errors.New("unexpected record type")
	}
	f.slots = append(f.slots, slot)
	cp := make([]byte, len(body))
	copy(cp, body)
	f.bodies = append(f.bodies, cp)
	return nil
}

func TestRotationOrder(t *testing.T) {
	w := &fakeWriter{}
	g := New(w, 4)

	if _, err := g.Pump(8); err != nil {
		t.Fatal(err)
	}
	want := []int{0, 1, 2, 3, 0, 1, 2, 3}
	if len(w.slots) != len(want) {
		t.Fatalf("sent to %d slots", len(w.slots))
	}
	for i, s := range w.slots {
		if s != want[i] {
			t.Errorf("send %d went to slot %d, want %d", i, s, want[i])
		}
	}
}

func TestCounterVariesPayload(t *testing.T) {
	w := &fakeWriter{}
	g := New(w, 4)
	if _, err := g.Pump(3); err != nil {
		t.Fatal(err)
	}
	for i, body := range w.bodies {
		last := body[len(body)-1]
		if last != byte(i) {
			t.Errorf("send %d: trailing byte %#x, want %#x", i, last, byte(i))
		}
	}
}

func TestPayloadShape(t *testing.T) {
	p := MockTransaction()
	if len(p) != 173 {
		t.Fatalf("payload length %d", len(p))
	}
	if p[0] != 1 {
		t.Errorf("signature count %d", p[0])
	}
	// instruction data is the last 4 bytes
	if p[len(p)-4] != 0xCA || p[len(p)-3] != 0xFE || p[len(p)-2] != 0xBA {
		t.Errorf("instruction data prefix % x", p[len(p)-4:])
	}
}

func TestFullSlotIsSkippedNotRetried(t *testing.T) {
	w := &fakeWriter{full: map[int]bool{1: true, 2: true}}
	g := New(w, 4)

	sent, err := g.Pump(8)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 4 {
		t.Errorf("sent %d, want 4", sent)
	}
	for i, s := range w.slots {
		if s == 1 || s == 2 {
			t.Errorf("send %d went to full slot %d", i, s)
		}
	}
	st := g.Stats()
	if st.Sent != 4 || st.Skipped != 4 {
		t.Errorf("stats %+v", st)
	}
}

func TestCounterOnlyAdvancesOnSend(t *testing.T) {
	w := &fakeWriter{full: map[int]bool{0: true}}
	g := New(w, 4)
	if _, err := g.Pump(4); err != nil {
		t.Fatal(err)
	}
	// slot 0 skipped; three sends with counters 0, 1, 2
	if len(w.bodies) != 3 {
		t.Fatalf("%d sends", len(w.bodies))
	}
	for i, body := range w.bodies {
		if body[len(body)-1] != byte(i) {
			t.Errorf("send %d counter %#x", i, body[len(body)-1])
		}
	}
}

func TestHardErrorStopsPump(t *testing.T) {
	w := &fakeWriter{failErr: driver.ErrNotEstablished}
	g := New(w, 4)
	sent, err := g.Pump(4)
	if !errors.Is(err, driver.ErrNotEstablished) {
		t.Errorf("err %v", err)
	}
	if sent != 0 {
		t.Errorf("sent %d", sent)
	}
}
