// Package engine is the single-threaded busy-poll loop tying the ring
// socket, the packet codec and the connection driver together. One
// iteration polls RX, feeds the connection, drains its egress into TX
// frames, pumps the load generator and reclaims completed frames. Nothing
// in the loop blocks; every full resource is counted and retried on a
// later iteration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/lvboudre/afterburner/driver"
	"github.com/lvboudre/afterburner/flood"
	"github.com/lvboudre/afterburner/packet"
	"github.com/lvboudre/afterburner/ratelimit"
	"github.com/lvboudre/afterburner/xsk"
)

// RingSocket is the slice of the ring engine the loop drives.
type RingSocket interface {
	Receive(buffer []xsk.Frame) []xsk.Frame
	ReleaseBatch(frames []xsk.Frame)
	NextFrame() xsk.Frame
	ReturnFrame(frame xsk.Frame)
	Submit(addr uint64, length uint32) error
	FlushTx() error
	PollCompletions(maxFrames uint32) uint32
	FrameStats() xsk.FrameStats
}

// Conn is the slice of the connection driver the loop drives.
// *driver.Driver implements it.
type Conn interface {
	State() driver.State
	Err() error
	HandleDatagram(payload []byte) bool
	PopEgress(buf []byte) (int, bool)
	WriteStream(slot int, typ byte, body []byte) error
	WriteProbe(slot int, sendNanos int64, seq uint64) error
	ReadStream(slot int) (driver.Record, error)
	Close() error
}

// Stats are the loop counters. The value is owned by the loop and read
// through Stats(); no counter is shared mutable state.
type Stats struct {
	Iterations uint64

	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64

	Malformed      uint64
	StrayPort      uint64
	IngressDropped uint64

	EgressDeferred uint64
	EgressDropped  uint64
	TxRingFull     uint64
	EncodeErrors   uint64
	WakeupErrors   uint64

	ProbesSent uint64
	RxRecords  uint64
	GenSent    uint64
	GenSkipped uint64

	Dials        uint64
	ConnFailures uint64

	Latency LatencyStats
	Frames  xsk.FrameStats
}

// Config parameterizes the loop.
type Config struct {
	Socket  RingSocket
	Encoder *packet.Encoder

	// Dial builds a fresh connection and starts its handshake. Called
	// on startup and again after each connection failure, subject to
	// backoff.
	Dial func(ctx context.Context) (Conn, error)

	// ServicePort filters decoded datagrams; anything else that slipped
	// through the classifier is counted and dropped.
	ServicePort uint16

	NumStreams     int           // stream slots, default 4
	BatchSize      int           // per-iteration RX/TX batch, default 64
	PendingTxLimit int           // deferred egress datagrams, default 256
	FloodBudget    int           // generator sends per iteration, default 4, negative disables
	ProbeSlot      int           // stream slot carrying probes, default 0
	ProbeInterval  time.Duration // default 1ms
	ProbeDeadline  time.Duration // default 1s

	// ExhaustedLimit is how many consecutive iterations may fail to
	// allocate a TX frame while egress is pending before the loop
	// declares a frame leak and exits. Default 4096.
	ExhaustedLimit int

	ReconnectBase time.Duration // default 50ms
	ReconnectMax  time.Duration // default 2s

	// OnReport, when set, is called from the loop thread every
	// ReportInterval with a stats snapshot. Engine state must not be
	// touched from the callback.
	OnReport       func(Stats)
	ReportInterval time.Duration // default 1s

	Logf func(format string, args ...any)
}

func (c *Config) validate() error {
	if c.Socket == nil {
		return errors.New("Config.Socket is required")
	}
	if c.Encoder == nil {
		return errors.New("Config.Encoder is required")
	}
	if c.Dial == nil {
		return errors.New("Config.Dial is required")
	}
	if c.NumStreams == 0 {
		c.NumStreams = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.PendingTxLimit == 0 {
		c.PendingTxLimit = 256
	}
	if c.FloodBudget == 0 {
		c.FloodBudget = 4
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = time.Millisecond
	}
	if c.ProbeDeadline == 0 {
		c.ProbeDeadline = time.Second
	}
	if c.ExhaustedLimit == 0 {
		c.ExhaustedLimit = 4096
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 50 * time.Millisecond
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 2 * time.Second
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return nil
}

// Engine runs the loop. Not safe for concurrent use; Run owns it.
type Engine struct {
	conf Config
	sock RingSocket
	enc  *packet.Encoder

	conn        Conn
	gen         *flood.Generator
	established bool

	tracker    *Tracker
	probeGate  *ratelimit.Interval
	expireGate *ratelimit.Interval
	reportGate *ratelimit.Interval
	probeSeq   uint64

	backoff  time.Duration
	nextDial time.Time

	rxBuf     []xsk.Frame
	egressBuf []byte
	pendingTx [][]byte

	frameStarved bool
	exhausted    int

	stats Stats
}

// New builds an engine around an open socket and a dialer.
func New(conf Config) (*Engine, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		conf:       conf,
		sock:       conf.Socket,
		enc:        conf.Encoder,
		tracker:    NewTracker(conf.ProbeDeadline),
		probeGate:  ratelimit.Every(conf.ProbeInterval),
		expireGate: ratelimit.Every(10 * time.Millisecond),
		reportGate: ratelimit.Every(conf.ReportInterval),
		backoff:    conf.ReconnectBase,
		rxBuf:      make([]xsk.Frame, conf.BatchSize),
		egressBuf:  make([]byte, 2048),
	}, nil
}

// Stats returns a copy of the loop counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.Latency = e.tracker.Snapshot()
	s.Frames = e.sock.FrameStats()
	if e.gen != nil {
		gs := e.gen.Stats()
		s.GenSent = gs.Sent
		s.GenSkipped = gs.Skipped
	}
	return s
}

// Run busy-polls until ctx is cancelled or a fatal condition is hit. The
// calling goroutine is pinned to its OS thread for the duration.
func (e *Engine) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if e.conn != nil {
			_ = e.conn.Close()
			e.conn = nil
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := e.iterate(ctx, time.Now()); err != nil {
			return err
		}
	}
}

func (e *Engine) iterate(ctx context.Context, now time.Time) error {
	e.stats.Iterations++

	// RX: decode, hand payloads to the connection, recycle the frames
	// before anything else runs this iteration.
	frames := e.sock.Receive(e.rxBuf)
	if len(frames) > 0 {
		for i := range frames {
			e.ingest(frames[i].Buf)
		}
		e.sock.ReleaseBatch(frames)
	}

	e.superviseConn(ctx, now)

	if e.conn != nil {
		// Egress runs every iteration even without RX so the
		// connection's internal timers (loss detection, keep-alive)
		// get serviced.
		e.pumpEgress()

		if e.conn.State() == driver.StateEstablished {
			e.pumpGenerator()
			e.pumpProbes(now)
			e.drainStreams(now)
		}
	}

	e.sock.PollCompletions(uint32(e.conf.BatchSize))

	if e.frameStarved && len(e.pendingTx) > 0 {
		e.exhausted++
		if e.exhausted > e.conf.ExhaustedLimit {
			return fmt.Errorf(
				"no TX frame for %d consecutive iterations with egress pending: %w",
				e.exhausted, xsk.ErrArenaExhausted,
			)
		}
	} else {
		e.exhausted = 0
	}
	e.frameStarved = false

	if e.expireGate.Ready(now) {
		e.tracker.Expire(now.UnixNano())
	}
	if e.conf.OnReport != nil && e.reportGate.Ready(now) {
		e.conf.OnReport(e.Stats())
	}
	return nil
}

func (e *Engine) ingest(buf []byte) {
	meta, payload, err := packet.Decode(buf)
	if err != nil {
		e.stats.Malformed++
		return
	}
	if !meta.ForPort(e.conf.ServicePort) {
		e.stats.StrayPort++
		return
	}
	e.stats.RxPackets++
	e.stats.RxBytes += uint64(len(payload))
	if e.conn == nil || !e.conn.HandleDatagram(payload) {
		e.stats.IngressDropped++
	}
}

func (e *Engine) superviseConn(ctx context.Context, now time.Time) {
	if e.conn != nil {
		switch e.conn.State() {
		case driver.StateEstablished:
			if !e.established {
				e.established = true
				e.backoff = e.conf.ReconnectBase
				e.conf.Logf("connection established")
			}
		case driver.StateClosed:
			e.conf.Logf("connection closed: %v", e.conn.Err())
			_ = e.conn.Close()
			e.conn = nil
			e.gen = nil
			e.established = false
			e.stats.ConnFailures++
			e.scheduleRedial(now)
		}
		return
	}

	if now.Before(e.nextDial) {
		return
	}
	conn, err := e.conf.Dial(ctx)
	if err != nil {
		e.conf.Logf("dial failed: %v", err)
		e.stats.ConnFailures++
		e.scheduleRedial(now)
		return
	}
	e.conn = conn
	e.stats.Dials++
}

func (e *Engine) scheduleRedial(now time.Time) {
	e.nextDial = now.Add(e.backoff)
	e.backoff = min(e.backoff*2, e.conf.ReconnectMax)
}

// pumpEgress moves pending outbound datagrams into TX frames. Deferred
// datagrams from earlier ring-full iterations go first to preserve
// ordering; new egress is only popped once the backlog is clear.
func (e *Engine) pumpEgress() {
	submitted := 0

	for len(e.pendingTx) > 0 {
		if !e.trySend(e.pendingTx[0]) {
			break
		}
		e.pendingTx = e.pendingTx[1:]
		submitted++
	}

	if len(e.pendingTx) == 0 {
		for i := 0; i < e.conf.BatchSize; i++ {
			n, ok := e.conn.PopEgress(e.egressBuf)
			if !ok {
				break
			}
			payload := e.egressBuf[:n]
			if e.trySend(payload) {
				submitted++
				continue
			}
			if len(e.pendingTx) < e.conf.PendingTxLimit {
				cp := make([]byte, n)
				copy(cp, payload)
				e.pendingTx = append(e.pendingTx, cp)
				e.stats.EgressDeferred++
			} else {
				e.stats.EgressDropped++
			}
			break
		}
	}

	if submitted > 0 {
		if err := e.sock.FlushTx(); err != nil {
			e.stats.WakeupErrors++
		}
	}
}

// trySend encodes one datagram into a fresh TX frame and submits it.
// Returns false when the datagram could not be placed and should be
// retried; an unencodable datagram is dropped, counted and reported as
// placed so the caller moves on.
func (e *Engine) trySend(payload []byte) bool {
	f := e.sock.NextFrame()
	if f.Buf == nil {
		e.frameStarved = true
		return false
	}
	n, err := e.enc.Encode(f.Buf, payload)
	if err != nil {
		e.sock.ReturnFrame(f)
		e.stats.EncodeErrors++
		e.stats.EgressDropped++
		return true
	}
	if err := e.sock.Submit(f.Addr, n); err != nil {
		e.sock.ReturnFrame(f)
		e.stats.TxRingFull++
		return false
	}
	e.stats.TxPackets++
	e.stats.TxBytes += uint64(n)
	return true
}

func (e *Engine) pumpGenerator() {
	if e.conf.FloodBudget < 0 {
		return
	}
	if e.gen == nil {
		e.gen = flood.New(e.conn, e.conf.NumStreams)
	}
	// Full stream queues are skips inside the generator; a hard error
	// here means the connection just dropped and supervise picks it up
	// next iteration.
	_, _ = e.gen.Pump(e.conf.FloodBudget)
}

func (e *Engine) pumpProbes(now time.Time) {
	if !e.probeGate.Ready(now) {
		return
	}
	nanos := now.UnixNano()
	if err := e.conn.WriteProbe(e.conf.ProbeSlot, nanos, e.probeSeq); err != nil {
		return
	}
	e.tracker.Sent(e.probeSeq, nanos)
	e.probeSeq++
	e.stats.ProbesSent++
}

func (e *Engine) drainStreams(now time.Time) {
	nowNanos := now.UnixNano()
	for slot := 0; slot < e.conf.NumStreams; slot++ {
		for i := 0; i < e.conf.BatchSize; i++ {
			rec, err := e.conn.ReadStream(slot)
			if err != nil {
				break
			}
			e.stats.RxRecords++
			if rec.Type != driver.RecordTypeProbe {
				continue
			}
			_, seq, err := driver.DecodeProbe(rec.Body)
			if err != nil {
				continue
			}
			e.tracker.Completed(seq, nowNanos)
		}
	}
}
