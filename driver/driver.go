// Package driver runs a QUIC client connection over raw frames instead of
// a kernel UDP socket. The poll loop feeds received UDP payloads in
// through HandleDatagram and drains everything the connection wants to
// send through PopEgress; the quic-go transport in between never learns it
// is not talking to the network.
//
// All stream I/O is non-blocking from the loop's point of view:
// WriteStream fails with ErrWouldBlock instead of waiting, ReadStream
// fails with ErrNoData instead of waiting. Per-stream goroutines sit
// between those queues and the blocking quic-go stream API.
package driver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol announced during the handshake.
const ALPN = "solana-tpu"

var (
	ErrWouldBlock     = errors.New("stream send queue full")
	ErrNoData         = errors.New("no records pending")
	ErrNotEstablished = errors.New("connection not established")
	ErrBadStream      = errors.New("stream slot out of range")
	ErrAlreadyStarted = errors.New("connect already called")
)

// State is the connection lifecycle stage.
type State int32

const (
	StateInitial State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config parameterizes one connection attempt.
type Config struct {
	// Local is the address the raw frames claim to originate from.
	Local *net.UDPAddr
	// Remote is the server address.
	Remote *net.UDPAddr

	// TLS defaults to an insecure config announcing ALPN.
	TLS *tls.Config

	// NumStreams is how many bidirectional streams to open after the
	// handshake. The first client-initiated stream gets QUIC id 0 and
	// ids advance by 4, so the default of 4 yields ids 0, 4, 8, 12.
	NumStreams int

	// QueueLen bounds the datagram queues in each direction.
	QueueLen int
	// StreamQueueLen bounds each stream's record queues.
	StreamQueueLen int

	HandshakeTimeout time.Duration
	MaxIdleTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.TLS == nil {
		c.TLS = &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
			NextProtos:         []string{ALPN},
		}
	}
	if c.NumStreams == 0 {
		c.NumStreams = 4
	}
	if c.QueueLen == 0 {
		c.QueueLen = 256
	}
	if c.StreamQueueLen == 0 {
		c.StreamQueueLen = 64
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxIdleTimeout == 0 {
		c.MaxIdleTimeout = 30 * time.Second
	}
}

type streamState struct {
	id    int64
	sendq chan []byte
	recvq chan Record
}

// Driver owns one QUIC connection over the frame path. A Driver is good
// for a single Connect; reconnecting means building a new one.
type Driver struct {
	conf Config
	pc   *ringConn
	tr   *quic.Transport

	state atomic.Int32

	mu      sync.Mutex
	qc      *quic.Conn
	streams []*streamState
	lastErr error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a Driver around the given addressing. Nothing happens on the
// wire until Connect.
func New(conf Config) *Driver {
	conf.setDefaults()
	d := &Driver{
		conf: conf,
		pc:   newRingConn(conf.Local, conf.Remote, conf.QueueLen),
		done: make(chan struct{}),
	}
	d.tr = &quic.Transport{Conn: d.pc}
	d.state.Store(int32(StateInitial))
	return d
}

// State reports the current lifecycle stage.
func (d *Driver) State() State { return State(d.state.Load()) }

// Err returns the error that ended the connection, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Driver) fail(err error) {
	d.mu.Lock()
	if d.lastErr == nil {
		d.lastErr = err
	}
	d.mu.Unlock()
	d.state.Store(int32(StateClosed))
}

// Connect starts the handshake in the background and returns immediately.
// Progress is visible through State; the poll loop keeps pumping datagrams
// with HandleDatagram and PopEgress while the handshake runs.
func (d *Driver) Connect(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateInitial), int32(StateHandshaking)) {
		return ErrAlreadyStarted
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dial(ctx)
	}()
	return nil
}

func (d *Driver) dial(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.conf.HandshakeTimeout)
	defer cancel()

	qc, err := d.tr.Dial(ctx, d.conf.Remote, d.conf.TLS, &quic.Config{
		HandshakeIdleTimeout:           d.conf.HandshakeTimeout,
		MaxIdleTimeout:                 d.conf.MaxIdleTimeout,
		InitialStreamReceiveWindow:     10 << 20,
		MaxStreamReceiveWindow:         10 << 20,
		InitialConnectionReceiveWindow: 100 << 20,
		MaxConnectionReceiveWindow:     100 << 20,
		MaxIncomingStreams:             1000,
		DisablePathMTUDiscovery:        true,
	})
	if err != nil {
		d.fail(fmt.Errorf("dialing %s: %w", d.conf.Remote, err))
		return
	}

	streams := make([]*streamState, 0, d.conf.NumStreams)
	for i := 0; i < d.conf.NumStreams; i++ {
		s, err := qc.OpenStreamSync(ctx)
		if err != nil {
			_ = qc.CloseWithError(0, "stream open failed")
			d.fail(fmt.Errorf("opening stream %d: %w", i, err))
			return
		}
		st := &streamState{
			id:    int64(s.StreamID()),
			sendq: make(chan []byte, d.conf.StreamQueueLen),
			recvq: make(chan Record, d.conf.StreamQueueLen),
		}
		streams = append(streams, st)
		d.wg.Add(2)
		go d.streamWriter(s, st)
		go d.streamReader(s, st)
	}

	d.mu.Lock()
	d.qc = qc
	d.streams = streams
	d.mu.Unlock()
	// Publish Established only after streams are visible.
	d.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished))
}

func (d *Driver) streamWriter(s *quic.Stream, st *streamState) {
	defer d.wg.Done()
	for {
		select {
		case buf := <-st.sendq:
			if _, err := s.Write(buf); err != nil {
				d.fail(fmt.Errorf("stream %d write: %w", st.id, err))
				return
			}
		case <-d.done:
			return
		}
	}
}

func (d *Driver) streamReader(s *quic.Stream, st *streamState) {
	defer d.wg.Done()
	var scan Scanner
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			ferr := scan.Feed(buf[:n], func(rec Record) error {
				body := make([]byte, len(rec.Body))
				copy(body, rec.Body)
				select {
				case st.recvq <- Record{Type: rec.Type, Body: body}:
				case <-d.done:
					return net.ErrClosed
				}
				return nil
			})
			if ferr != nil {
				return
			}
		}
		if err != nil {
			select {
			case <-d.done:
			default:
				d.fail(fmt.Errorf("stream %d read: %w", st.id, err))
			}
			return
		}
	}
}

// HandleDatagram hands one received UDP payload to the connection. Returns
// false when the ingress queue was full and the datagram dropped; QUIC
// recovers by retransmission.
func (d *Driver) HandleDatagram(payload []byte) bool {
	return d.pc.pushIngress(payload)
}

// PopEgress moves one pending outbound datagram into buf and reports its
// length. Non-blocking.
func (d *Driver) PopEgress(buf []byte) (int, bool) {
	return d.pc.popEgress(buf)
}

func (d *Driver) stream(slot int) (*streamState, error) {
	if d.State() != StateEstablished {
		return nil, ErrNotEstablished
	}
	d.mu.Lock()
	streams := d.streams
	d.mu.Unlock()
	if slot < 0 || slot >= len(streams) {
		return nil, ErrBadStream
	}
	return streams[slot], nil
}

// StreamID reports the QUIC stream id behind a slot, or -1 before the
// connection is established.
func (d *Driver) StreamID(slot int) int64 {
	st, err := d.stream(slot)
	if err != nil {
		return -1
	}
	return st.id
}

// WriteStream queues one record on the slot's stream. Fails with
// ErrWouldBlock when the stream's send queue is full; the caller decides
// whether to retry, skip or drop.
func (d *Driver) WriteStream(slot int, typ byte, body []byte) error {
	st, err := d.stream(slot)
	if err != nil {
		return err
	}
	buf, err := AppendRecord(make([]byte, 0, recordHeaderLen+len(body)), typ, body)
	if err != nil {
		return err
	}
	select {
	case st.sendq <- buf:
		return nil
	default:
		return ErrWouldBlock
	}
}

// WriteProbe queues a timing probe on the slot's stream.
func (d *Driver) WriteProbe(slot int, sendNanos int64, seq uint64) error {
	st, err := d.stream(slot)
	if err != nil {
		return err
	}
	buf := AppendProbe(make([]byte, 0, recordHeaderLen+ProbeBodyLen), sendNanos, seq)
	select {
	case st.sendq <- buf:
		return nil
	default:
		return ErrWouldBlock
	}
}

// ReadStream pops one received record from the slot's stream. Fails with
// ErrNoData when nothing is pending.
func (d *Driver) ReadStream(slot int) (Record, error) {
	st, err := d.stream(slot)
	if err != nil {
		return Record{}, err
	}
	select {
	case rec := <-st.recvq:
		return rec, nil
	default:
		return Record{}, ErrNoData
	}
}

// Close tears the connection down and waits for the stream goroutines.
func (d *Driver) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		d.state.Store(int32(StateClosing))
		close(d.done)

		d.mu.Lock()
		qc := d.qc
		d.mu.Unlock()
		if qc != nil {
			if err := qc.CloseWithError(0, "shutdown"); err != nil {
				errs = append(errs, err)
			}
		}
		// Close the packet conn before the transport: the transport's
		// receive loop only exits once reads fail.
		if err := d.pc.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := d.tr.Close(); err != nil {
			errs = append(errs, err)
		}
		d.wg.Wait()
		d.state.Store(int32(StateClosed))
	})
	return errors.Join(errs...)
}
