//go:build linux

package xsk

import (
	"sync/atomic"
	"testing"
)

// The ring cursor protocol is plain memory plus atomics, so it can be
// exercised without a kernel: rings are built over heap slices and a fake
// kernel advances the cursors it owns (FQ consumer, RX producer, TX
// consumer, CQ producer).

func newHeapDescRing(size uint32, isTx bool) *descRing {
	cachedCons := uint32(0)
	if isTx {
		cachedCons = size
	}
	return &descRing{
		ringPtrs: ringPtrs{
			mask:       size - 1,
			size:       size,
			prod:       new(uint32),
			cons:       new(uint32),
			cachedCons: cachedCons,
		},
		descs: make([]xdp_desc, size),
	}
}

func newHeapAddrRing(size uint32) *addrRing {
	return &addrRing{
		ringPtrs: ringPtrs{
			mask: size - 1,
			size: size,
			prod: new(uint32),
			cons: new(uint32),
		},
		addrs: make([]uint64, size),
	}
}

func newTestSocket(t *testing.T, conf Config) *Socket {
	t.Helper()
	if err := conf.ValidateAndSetDefaults(); err != nil {
		t.Fatalf("config: %v", err)
	}

	fq := newHeapAddrRing(conf.RingSize)
	fillFrames := conf.fillFrames()
	for i := range fillFrames {
		fq.addrs[i&fq.mask] = uint64(i) * uint64(conf.FrameSize)
	}
	atomic.StoreUint32(fq.prod, fillFrames)
	fq.cachedProd = fillFrames

	txPool := conf.NumFrames - fillFrames
	freeFrames := make([]uint64, txPool)
	for i := range txPool {
		freeFrames[i] = uint64(fillFrames+i) * uint64(conf.FrameSize)
	}

	return &Socket{
		conf:       conf,
		arena:      make([]byte, int(conf.NumFrames)*int(conf.FrameSize)),
		tx:         newHeapDescRing(conf.RingSize, true),
		cq:         newHeapAddrRing(conf.RingSize),
		rx:         newHeapDescRing(conf.RingSize, false),
		fq:         fq,
		freeFrames: freeFrames,
		txPool:     txPool,
		fillFrames: fillFrames,
		compBuf:    make([]uint64, conf.BatchSize),
	}
}

type fakeKernel struct {
	s *Socket
}

// deliver moves up to n frame addresses from the Fill ring to the RX ring,
// pretending each holds a packet of the given length.
func (k *fakeKernel) deliver(n int, length uint32) int {
	s := k.s
	delivered := 0
	for range n {
		prod := atomic.LoadUint32(s.fq.prod)
		cons := atomic.LoadUint32(s.fq.cons)
		if prod == cons {
			break
		}
		addr := s.fq.addrs[cons&s.fq.mask]
		atomic.StoreUint32(s.fq.cons, cons+1)

		rp := atomic.LoadUint32(s.rx.prod)
		s.rx.descs[rp&s.rx.mask] = xdp_desc{Addr: addr, Len: length}
		atomic.StoreUint32(s.rx.prod, rp+1)
		delivered++
	}
	return delivered
}

// complete consumes up to n committed TX descriptors and posts their
// addresses to the Completion ring.
func (k *fakeKernel) complete(n int) int {
	s := k.s
	completed := 0
	for range n {
		prod := atomic.LoadUint32(s.tx.prod)
		cons := atomic.LoadUint32(s.tx.cons)
		if prod == cons {
			break
		}
		addr := s.tx.descs[cons&s.tx.mask].Addr
		atomic.StoreUint32(s.tx.cons, cons+1)

		cp := atomic.LoadUint32(s.cq.prod)
		s.cq.addrs[cp&s.cq.mask] = addr
		atomic.StoreUint32(s.cq.prod, cp+1)
		completed++
	}
	return completed
}

// commitTx publishes reserved TX descriptors like FlushTx does, minus the
// doorbell syscall that a heap-backed socket cannot perform.
func commitTx(s *Socket) {
	commitProducer(s.tx.prod, s.tx.cachedProd)
}

func checkConservation(t *testing.T, s *Socket) {
	t.Helper()
	fs := s.FrameStats()
	total := fs.TxFree + fs.TxInflight + fs.RxHeld + fs.FillCycle
	if total != s.conf.NumFrames {
		t.Fatalf("frame conservation violated: %+v sums to %d, want %d",
			fs, total, s.conf.NumFrames)
	}
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	if err := c.ValidateAndSetDefaults(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if c.NumFrames != DefaultNumFrames || c.FrameSize != DefaultFrameSize ||
		c.RingSize != DefaultRingSize || c.BatchSize != DefaultBatchSize {
		t.Fatalf("unexpected defaults: %+v", c)
	}

	c = Config{RingSize: 1000}
	if err := c.ValidateAndSetDefaults(); err != ErrRingSizeNotPow2 {
		t.Fatalf("want ErrRingSizeNotPow2, got %v", err)
	}

	c = Config{NumFrames: 2}
	if err := c.ValidateAndSetDefaults(); err != ErrArenaTooSmall {
		t.Fatalf("want ErrArenaTooSmall, got %v", err)
	}
}

func TestTxReserveNeverOverruns(t *testing.T) {
	q := newHeapDescRing(8, true)

	var idx uint32
	reserved := 0
	for q.reserve(1, &idx) {
		reserved++
		if reserved > 8 {
			t.Fatal("reserved more descriptors than ring capacity")
		}
	}
	if reserved != 8 {
		t.Fatalf("reserved %d, want 8", reserved)
	}

	// Kernel consumes three; exactly three more slots open up.
	commitProducer(q.prod, q.cachedProd)
	atomic.StoreUint32(q.cons, 3)

	for i := 0; i < 3; i++ {
		if !q.reserve(1, &idx) {
			t.Fatalf("reserve %d failed after consumer advance", i)
		}
	}
	if q.reserve(1, &idx) {
		t.Fatal("reserve succeeded beyond capacity")
	}

	if d := q.cachedProd - atomic.LoadUint32(q.cons); d > q.size {
		t.Fatalf("producer-consumer distance %d exceeds capacity %d", d, q.size)
	}
}

func TestAddrRingWrapAround(t *testing.T) {
	q := newHeapAddrRing(4)
	dst := make([]uint64, 4)

	// Push the cursors around the index space several times to exercise
	// mask wrapping.
	next := uint64(0)
	for round := 0; round < 5; round++ {
		q.produce(next, next+1, next+2)
		n := q.drain(dst, 4)
		if n != 3 {
			t.Fatalf("round %d: drained %d, want 3", round, n)
		}
		for i := range 3 {
			if dst[i] != next+uint64(i) {
				t.Fatalf("round %d: dst[%d]=%d, want %d", round, i, dst[i], next+uint64(i))
			}
		}
		next += 3
	}

	if n := q.drain(dst, 4); n != 0 {
		t.Fatalf("drained %d from empty ring", n)
	}
}

func TestReceiveEmpty(t *testing.T) {
	s := newTestSocket(t, Config{NumFrames: 16, FrameSize: 2048, RingSize: 8})
	if frames := s.Receive(make([]Frame, 4)); frames != nil {
		t.Fatalf("expected nil on empty RX ring, got %d frames", len(frames))
	}
}

func TestReceiveReleaseCycle(t *testing.T) {
	s := newTestSocket(t, Config{NumFrames: 16, FrameSize: 2048, RingSize: 8})
	k := &fakeKernel{s}
	checkConservation(t, s)

	if n := k.deliver(3, 100); n != 3 {
		t.Fatalf("delivered %d, want 3", n)
	}

	frames := s.Receive(make([]Frame, 8))
	if len(frames) != 3 {
		t.Fatalf("received %d, want 3", len(frames))
	}
	for _, fr := range frames {
		if len(fr.Buf) != 100 {
			t.Fatalf("frame length %d, want 100", len(fr.Buf))
		}
	}
	checkConservation(t, s)
	if fs := s.FrameStats(); fs.RxHeld != 3 {
		t.Fatalf("RxHeld=%d, want 3", fs.RxHeld)
	}

	s.ReleaseBatch(frames)
	checkConservation(t, s)
	if fs := s.FrameStats(); fs.RxHeld != 0 {
		t.Fatalf("RxHeld=%d after release, want 0", fs.RxHeld)
	}

	// Released frames are available to the kernel again.
	if n := k.deliver(8, 60); n != 8 {
		t.Fatalf("redelivered %d, want full fill ring of 8", n)
	}
}

func TestSubmitRingFullIsRecoverable(t *testing.T) {
	s := newTestSocket(t, Config{NumFrames: 64, FrameSize: 2048, RingSize: 8})
	k := &fakeKernel{s}

	// Fill the TX ring to capacity.
	for i := 0; i < 8; i++ {
		fr := s.NextFrame()
		if len(fr.Buf) == 0 {
			t.Fatalf("pool exhausted at %d", i)
		}
		if err := s.Submit(fr.Addr, 64); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	fr := s.NextFrame()
	if err := s.Submit(fr.Addr, 64); err != ErrTxRingFull {
		t.Fatalf("want ErrTxRingFull, got %v", err)
	}
	s.ReturnFrame(fr)
	checkConservation(t, s)

	// Kernel transmits and completes; the ring opens up and the frames
	// come back through the completion ring.
	commitTx(s)
	if n := k.complete(8); n != 8 {
		t.Fatalf("completed %d, want 8", n)
	}
	if n := s.PollCompletions(8); n != 8 {
		t.Fatalf("reclaimed %d, want 8", n)
	}
	checkConservation(t, s)

	fr = s.NextFrame()
	if err := s.Submit(fr.Addr, 64); err != nil {
		t.Fatalf("submit after reclaim: %v", err)
	}
	commitTx(s)
}

func TestNextFrameExhaustion(t *testing.T) {
	// 8 frames, ring 4: fill share 4, TX pool 4.
	s := newTestSocket(t, Config{NumFrames: 8, FrameSize: 2048, RingSize: 4})

	var taken []Frame
	for i := 0; i < 4; i++ {
		fr := s.NextFrame()
		if len(fr.Buf) == 0 {
			t.Fatalf("pool exhausted early at %d", i)
		}
		taken = append(taken, fr)
	}

	if fr := s.NextFrame(); len(fr.Buf) != 0 {
		t.Fatal("expected zero frame on exhausted pool")
	}

	// Returning a frame makes allocation possible again; nothing leaked.
	s.ReturnFrame(taken[0])
	if fr := s.NextFrame(); len(fr.Buf) == 0 {
		t.Fatal("allocation failed after ReturnFrame")
	}
}

func TestFrameConservationUnderTraffic(t *testing.T) {
	s := newTestSocket(t, Config{NumFrames: 32, FrameSize: 2048, RingSize: 8})
	k := &fakeKernel{s}

	rxBuf := make([]Frame, 8)

	for iter := 0; iter < 100; iter++ {
		k.deliver(2+iter%3, 128)

		frames := s.Receive(rxBuf)
		checkConservation(t, s)
		if frames != nil {
			s.ReleaseBatch(frames)
		}
		checkConservation(t, s)

		for range 2 {
			fr := s.NextFrame()
			if len(fr.Buf) == 0 {
				break
			}
			if err := s.Submit(fr.Addr, 256); err != nil {
				s.ReturnFrame(fr)
				break
			}
		}
		commitTx(s)
		checkConservation(t, s)

		k.complete(3)
		s.PollCompletions(s.conf.BatchSize)
		checkConservation(t, s)
	}
}
