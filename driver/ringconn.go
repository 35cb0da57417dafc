package driver

import (
	"net"
	"os"
	"sync"
	"time"
)

// ringConn adapts the frame path to net.PacketConn so a quic Transport can
// run over it. Received UDP payloads are pushed in with pushIngress from
// the poll loop; everything the transport sends lands in a bounded egress
// queue the loop drains into TX frames. The conn itself never touches a
// file descriptor.
type ringConn struct {
	local  *net.UDPAddr
	remote *net.UDPAddr

	ingress chan []byte
	egress  chan []byte

	mu           sync.Mutex
	readDeadline time.Time
	closed       chan struct{}
	closeOnce    sync.Once
}

func newRingConn(local, remote *net.UDPAddr, queueLen int) *ringConn {
	return &ringConn{
		local:   local,
		remote:  remote,
		ingress: make(chan []byte, queueLen),
		egress:  make(chan []byte, queueLen),
		closed:  make(chan struct{}),
	}
}

// pushIngress hands one received datagram payload to the transport. The
// payload is copied; the caller may recycle its frame immediately. Returns
// false when the queue is full and the datagram was dropped.
func (c *ringConn) pushIngress(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case c.ingress <- buf:
		return true
	default:
		return false
	}
}

// popEgress moves one pending outbound datagram into buf. Non-blocking.
func (c *ringConn) popEgress(buf []byte) (int, bool) {
	select {
	case p := <-c.egress:
		return copy(buf, p), true
	default:
		return 0, false
	}
}

func (c *ringConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case buf := <-c.ingress:
		return copy(p, buf), c.remote, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *ringConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	// Block when the queue is full: the poll loop drains egress every
	// iteration, so this only stalls the transport's send loop briefly.
	select {
	case c.egress <- buf:
		return len(p), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *ringConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *ringConn) LocalAddr() net.Addr { return c.local }

func (c *ringConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *ringConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *ringConn) SetWriteDeadline(time.Time) error { return nil }
