//go:build linux

// Package xsk implements the frame arena and ring engine: an AF_XDP socket
// whose UMEM frames are exchanged with the kernel through four
// single-producer/single-consumer rings.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
//
// Frame custody never moves through shared mutable fields; it moves through
// ring enqueue/dequeue only, each cursor advanced by exactly one party.
// The frame population is conserved: every frame is in the TX free pool,
// in flight on the TX/CQ side, held by the caller after Receive, or cycling
// between the FQ and RX rings.
package xsk

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrTxRingFull      = errors.New("tx ring full")
	ErrArenaExhausted  = errors.New("frame arena exhausted")
	ErrRingRegionEmpty = errors.New("ring region is empty")
	ErrRingSizeNotPow2 = errors.New("RingSize must be a power of two")
	ErrArenaTooSmall   = errors.New("NumFrames must be >= 4")
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRingSize  = 2048
	DefaultBatchSize = 64 // TX and completion batching
)

// Config fixes the arena and ring geometry shared with the kernel at bind
// time. All four rings share one depth, as the classifier and engine must
// agree on a single capacity constant.
type Config struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames in the arena.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RingSize sets the descriptor count of the Fill, RX, TX and
	// Completion rings. Must be a power of two.
	RingSize uint32
	// BatchSize controls TX and completion processing batch size.
	BatchSize uint32
	// PreferZerocopy requests XDP_ZEROCOPY bind with automatic fallback
	// to copy mode where the driver does not support it.
	PreferZerocopy bool
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > 256 {
		// Larger batches cause latency spikes in copy mode.
		c.BatchSize = 256
	}
	if c.RingSize&(c.RingSize-1) != 0 {
		return ErrRingSizeNotPow2
	}
	if c.NumFrames < 4 {
		return ErrArenaTooSmall
	}
	if pageSize := uint32(os.Getpagesize()); c.FrameSize > pageSize {
		return fmt.Errorf("frame size %d exceeds system page size (%d)",
			c.FrameSize, pageSize)
	}
	return nil
}

// fillFrames returns how many frames of the arena are dedicated to the
// FQ/RX cycle; the remainder forms the TX free pool.
func (c *Config) fillFrames() uint32 {
	return min(c.NumFrames/2, c.RingSize)
}

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L32
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L43
type xdp_ring_offset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
// https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L50
type xdp_mmap_offsets struct {
	Rx xdp_ring_offset
	Tx xdp_ring_offset
	Fr xdp_ring_offset
	Cr xdp_ring_offset
}

// xdp_umem_reg is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L67
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdp_desc is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L103
type xdp_desc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

/*---- Ring wrappers ----*/

// ringPtrs holds the cursor state shared between kernel and userspace.
// cachedProd/cachedCons are userspace-local copies batched against the real
// atomic cursors to reduce cacheline traffic. mask is size-1 for cheap
// wrapping of indices; size must be a power of two, as required by AF_XDP.
// Cursors only ever increase; (prod - cons) mod 2^32 never exceeds size.
type ringPtrs struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
}

// descRing is a descriptor ring (RX or TX) backed by shared memory.
type descRing struct {
	ringPtrs
	descs []xdp_desc
}

// addrRing is a UMEM address ring (FQ or CQ). Entries are raw frame
// offsets into the arena.
type addrRing struct {
	ringPtrs
	addrs []uint64
}

// consumable returns the number of RX descriptors available to consume.
func (q *descRing) consumable() uint32 {
	avail := q.cachedProd - q.cachedCons
	if avail > 0 {
		return avail
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	return q.cachedProd - q.cachedCons
}

// reserve claims nDescs TX descriptor slots if space is available.
// Returns false without blocking if the ring is full.
func (q *descRing) reserve(nDescs uint32, idx *uint32) bool {
	free := q.cachedCons - q.cachedProd
	if free < nDescs {
		cons := atomic.LoadUint32(q.cons)
		q.cachedCons = cons + q.size
		if q.cachedCons-q.cachedProd < nDescs {
			return false
		}
	}
	*idx = q.cachedProd
	q.cachedProd += nDescs
	return true
}

// commitProducer publishes reserved descriptors to the kernel.
func commitProducer(prod *uint32, cachedProd uint32) {
	// Descriptors are written; now publish the producer cursor.
	atomic.StoreUint32(prod, cachedProd)
}

// available returns the number of entries ready to consume, capped by nb.
func (q *addrRing) available(nb uint32) uint32 {
	entries := q.cachedProd - q.cachedCons
	if entries == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		entries = q.cachedProd - q.cachedCons
	}
	if entries > nb {
		return nb
	}
	return entries
}

// drain copies up to nb completed frame addresses into dst and advances
// the consumer cursor.
func (q *addrRing) drain(dst []uint64, nb uint32) uint32 {
	entries := q.available(nb)
	for i := range entries {
		idx := q.cachedCons & q.mask
		dst[i] = q.addrs[idx]
		q.cachedCons++
	}
	if entries > 0 {
		atomic.StoreUint32(q.cons, q.cachedCons)
	}
	return entries
}

// produce appends frame addresses and publishes the producer cursor.
// The FQ is single-producer: only the engine thread calls this.
func (q *addrRing) produce(addrs ...uint64) {
	prod := atomic.LoadUint32(q.prod)
	for _, a := range addrs {
		q.addrs[prod&q.mask] = a
		prod++
	}
	atomic.StoreUint32(q.prod, prod)
}

/*---- Syscall helpers ----*/

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// mmapRegion maps one of the RX/TX/FQ/CQ rings of the AF_XDP socket.
func mmapRegion(fd int, length uintptr, offset uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
		uintptr(fd),
		offset,
	)
	if errno != 0 {
		return nil, errno
	}
	sh := &struct {
		Addr uintptr
		Len  int
		Cap  int
	}{addr, int(length), int(length)}
	return *(*[]byte)(unsafe.Pointer(sh)), nil
}

// mmapArena maps an anonymous, page-backed region for the UMEM arena.
func mmapArena(length uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	sh := &struct {
		Addr uintptr
		Len  int
		Cap  int
	}{addr, int(length), int(length)}
	return *(*[]byte)(unsafe.Pointer(sh)), nil
}

// makeDescRing builds an RX/TX ring view from mmap region + offsets.
func makeDescRing(
	region []byte, off xdp_ring_offset, size uint32, isTx bool,
) (*descRing, error) {
	if len(region) == 0 {
		return nil, ErrRingRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	prod := (*uint32)(unsafe.Add(base, off.Producer))
	cons := (*uint32)(unsafe.Add(base, off.Consumer))

	descPtr := unsafe.Add(base, off.Desc)
	descs := unsafe.Slice((*xdp_desc)(descPtr), size)

	cachedCons := uint32(0)
	if isTx {
		cachedCons = size
	}

	return &descRing{
		ringPtrs: ringPtrs{
			mask:       size - 1,
			size:       size,
			prod:       prod,
			cons:       cons,
			cachedProd: 0,
			cachedCons: cachedCons,
		},
		descs: descs,
	}, nil
}

// makeAddrRing builds an FQ/CQ ring view from mmap region + offsets.
func makeAddrRing(
	region []byte, off xdp_ring_offset, size uint32,
) (*addrRing, error) {
	if len(region) == 0 {
		return nil, ErrRingRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	prod := (*uint32)(unsafe.Add(base, off.Producer))
	cons := (*uint32)(unsafe.Add(base, off.Consumer))

	addrPtr := unsafe.Add(base, off.Desc)
	addrs := unsafe.Slice((*uint64)(addrPtr), size)

	return &addrRing{
		ringPtrs: ringPtrs{
			mask: size - 1,
			size: size,
			prod: prod,
			cons: cons,
		},
		addrs: addrs,
	}, nil
}

var zeroBuf []byte

// wakeupTx notifies the kernel/NIC that new TX descriptors are ready.
// AF_XDP interprets a zero-length sendto() as a doorbell signal to process
// the TX ring. This is required when XDP_USE_NEED_WAKEUP is enabled.
func wakeupTx(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		// Non-fatal backpressure.
		return nil
	}
	return err
}

// Frame is a borrowed arena frame.
type Frame struct {
	// Buf points directly into the arena and can be written to
	// without additional copying.
	Buf []byte

	// Addr is the arena offset that identifies the frame across the
	// kernel/userspace boundary.
	Addr uint64
}

// FrameStats is the arena custody accounting at a quiescent point.
// TxFree + TxInflight + RxHeld + FillCycle always equals NumFrames.
type FrameStats struct {
	// TxFree is the number of frames in the TX free pool.
	TxFree uint32
	// TxInflight is the number of TX pool frames currently in kernel
	// custody (TX or Completion ring).
	TxInflight uint32
	// RxHeld is the number of received frames held by the caller and
	// not yet returned via Release.
	RxHeld uint32
	// FillCycle is the number of frames cycling between the Fill and
	// RX rings.
	FillCycle uint32
}

// Socket is the ring engine: an AF_XDP socket plus the frame arena it owns.
//
// WARNING: Socket is not safe for concurrent use. All operations are
// non-blocking except Wait.
type Socket struct {
	conf       Config
	isZerocopy bool

	fd int

	arena []byte
	tx    *descRing
	cq    *addrRing
	rx    *descRing
	fq    *addrRing

	txRegion []byte
	rxRegion []byte
	cqRegion []byte
	fqRegion []byte

	// freeFrames is the TX free pool (stack of arena offsets).
	freeFrames []uint64
	txPool     uint32

	// rxHeld counts frames handed out by Receive and not yet released.
	rxHeld uint32

	fillFrames uint32

	compBuf []uint64
}

// Open creates and initializes the ring engine on the interface queue.
// It maps the arena, configures the kernel rings, primes the Fill ring and
// binds to the target NIC queue. The caller must register the returned
// socket's FD with the classifier before traffic is redirected.
func Open(conf Config, ifaceIndex int) (*Socket, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	var (
		txRegion, cqRegion, rxRegion, fqRegion, arena []byte
		fd                                            int
		err                                           error
	)

	fail := func(errf string, a ...any) error {
		for _, r := range [][]byte{txRegion, cqRegion, rxRegion, fqRegion, arena} {
			if r != nil {
				_ = unix.Munmap(r)
			}
		}
		if fd != 0 {
			_ = unix.Close(fd)
		}
		return fmt.Errorf(errf, a...)
	}

	fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fail("opening AF_XDP socket: %w", err)
	}

	// Arena registration.
	arenaLen := uintptr(conf.NumFrames) * uintptr(conf.FrameSize)
	arena, err = mmapArena(arenaLen)
	if err != nil {
		return nil, fail("mmap arena: %w", err)
	}

	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(unsafe.Pointer(&arena[0]))),
		Len:       uint64(len(arena)),
		ChunkSize: conf.FrameSize,
		Headroom:  0,
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return nil, fail("setsockopt XDP_UMEM_REG: %w", err)
	}

	// All four rings share one depth.
	ringSize := conf.RingSize
	for _, opt := range []int{
		unix.XDP_UMEM_FILL_RING,
		unix.XDP_UMEM_COMPLETION_RING,
		unix.XDP_TX_RING,
		unix.XDP_RX_RING,
	} {
		if err := setsockopt(
			fd, unix.SOL_XDP, opt,
			unsafe.Pointer(&ringSize), unsafe.Sizeof(ringSize),
		); err != nil {
			return nil, fail("setsockopt ring size (opt %d): %w", opt, err)
		}
	}

	// Query mmap offsets for all rings.
	var offs xdp_mmap_offsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return nil, fail("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	// Map TX ring (descriptors).
	txRegionLen := uintptr(offs.Tx.Desc) + uintptr(ringSize)*unsafe.Sizeof(xdp_desc{})
	txRegion, err = mmapRegion(fd, txRegionLen, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return nil, fail("mmap TX ring: %w", err)
	}

	// Map CQ ring (completion ring, uint64 addresses).
	cqRegionLen := uintptr(offs.Cr.Desc) + uintptr(ringSize)*unsafe.Sizeof(uint64(0))
	cqRegion, err = mmapRegion(fd, cqRegionLen, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return nil, fail("mmap CQ ring: %w", err)
	}

	// Map RX ring.
	rxRegionLen := uintptr(offs.Rx.Desc) + uintptr(ringSize)*unsafe.Sizeof(xdp_desc{})
	rxRegion, err = mmapRegion(fd, rxRegionLen, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return nil, fail("mmap RX ring: %w", err)
	}

	// Map FQ ring (fill ring, uint64 addresses).
	fqRegionLen := uintptr(offs.Fr.Desc) + uintptr(ringSize)*unsafe.Sizeof(uint64(0))
	fqRegion, err = mmapRegion(fd, fqRegionLen, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return nil, fail("mmap FQ ring: %w", err)
	}

	// Build ring views.
	txQ, err := makeDescRing(txRegion, offs.Tx, ringSize, true)
	if err != nil {
		return nil, fail("making TX ring: %w", err)
	}
	cqQ, err := makeAddrRing(cqRegion, offs.Cr, ringSize)
	if err != nil {
		return nil, fail("making CQ ring: %w", err)
	}
	rxQ, err := makeDescRing(rxRegion, offs.Rx, ringSize, false)
	if err != nil {
		return nil, fail("making RX ring: %w", err)
	}
	fqQ, err := makeAddrRing(fqRegion, offs.Fr, ringSize)
	if err != nil {
		return nil, fail("making FQ ring: %w", err)
	}

	fillFrames := conf.fillFrames()

	{ // Prime the FQ with the RX share of the arena.
		prod := atomic.LoadUint32(fqQ.prod)
		for i := range fillFrames {
			idx := (prod + i) & fqQ.mask
			fqQ.addrs[idx] = uint64(i) * uint64(conf.FrameSize)
		}
		atomic.StoreUint32(fqQ.prod, prod+fillFrames)
		fqQ.cachedProd = atomic.LoadUint32(fqQ.prod)
		fqQ.cachedCons = atomic.LoadUint32(fqQ.cons)
	}

	// Bind AF_XDP socket to iface:queue.
	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(ifaceIndex),
		QueueID: conf.QueueID,
	}

	zerocopy := conf.PreferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy {
		// The kernel returns EPROTONOSUPPORT or EOPNOTSUPP depending on
		// where the zerocopy capability check fails (veth lacks
		// ndo_xsk_wakeup → EOPNOTSUPP). Fall back to copy mode.
		if errno, ok := err.(unix.Errno); ok &&
			(errno == unix.EPROTONOSUPPORT || errno == unix.EOPNOTSUPP) {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(fd, sa)
		}
	}
	if err != nil {
		return nil, fail("binding socket: %w", err)
	}

	// TX free pool: the frames above the fill share.
	txPool := conf.NumFrames - fillFrames
	freeFrames := make([]uint64, txPool)
	for i := range txPool {
		freeFrames[i] = uint64(fillFrames+i) * uint64(conf.FrameSize)
	}

	return &Socket{
		conf:       conf,
		isZerocopy: zerocopy,
		fd:         fd,
		arena:      arena,
		tx:         txQ,
		cq:         cqQ,
		rx:         rxQ,
		fq:         fqQ,
		txRegion:   txRegion,
		rxRegion:   rxRegion,
		cqRegion:   cqRegion,
		fqRegion:   fqRegion,
		freeFrames: freeFrames,
		txPool:     txPool,
		fillFrames: fillFrames,
		compBuf:    make([]uint64, conf.BatchSize),
	}, nil
}

// FD returns the AF_XDP socket file descriptor, used to register the
// socket in the classifier's XSK map.
func (s *Socket) FD() int { return s.fd }

// IsZerocopy reports whether the socket operates in zero-copy mode.
// May return false even if PreferZerocopy was true because the queue may
// not support XDP_ZEROCOPY and the bind fell back to XDP_COPY.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// Close releases the socket, arena and kernel resources.
func (s *Socket) Close() error {
	var errs []error

	if s.fd != 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = 0
	}

	for _, r := range []*[]byte{&s.txRegion, &s.rxRegion, &s.cqRegion, &s.fqRegion, &s.arena} {
		if *r != nil {
			if err := unix.Munmap(*r); err != nil {
				errs = append(errs, err)
			}
			*r = nil
		}
	}

	return errors.Join(errs...)
}

// Wait blocks until the socket becomes readable or the timeout expires.
// Returns nil when the socket becomes readable OR when the timeout expires.
// Returns a non-nil error only for real system call failures.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)

		if err == nil {
			return nil
		}

		// EINTR is never surfaced; signals (profilers, timers, SIGCHLD)
		// must not destabilize the caller.
		if err == unix.EINTR {
			continue
		}

		return err
	}
}

// Receive retrieves up to len(buffer) frames from the RX ring without
// blocking. Returned frames reference the arena and must be returned via
// Release or ReleaseBatch before the next loop iteration.
func (s *Socket) Receive(buffer []Frame) []Frame {
	avail := s.rx.consumable()
	if avail == 0 {
		return nil
	}

	if max := uint32(len(buffer)); avail > max {
		avail = max
	}
	buffer = buffer[:avail]

	for i := range avail {
		idx := s.rx.cachedCons & s.rx.mask
		d := s.rx.descs[idx]

		start := int(d.Addr)
		end := start + int(d.Len)

		buffer[i].Buf = s.arena[start:end]
		buffer[i].Addr = d.Addr

		s.rx.cachedCons++
	}

	atomic.StoreUint32(s.rx.cons, s.rx.cachedCons)
	s.rxHeld += avail
	return buffer
}

// Release returns a received frame to the Fill ring for reuse.
// A frame consumed from RX must be released before more RX frames are
// requested for the same purpose; this keeps the conserved total intact.
func (s *Socket) Release(frame Frame) {
	s.fq.produce(frame.Addr)
	s.rxHeld--
}

// ReleaseBatch returns a batch of received frames to the Fill ring.
func (s *Socket) ReleaseBatch(frames []Frame) {
	prod := atomic.LoadUint32(s.fq.prod)
	for _, fr := range frames {
		s.fq.addrs[prod&s.fq.mask] = fr.Addr
		prod++
	}
	atomic.StoreUint32(s.fq.prod, prod)
	s.rxHeld -= uint32(len(frames))
}

// TxFree returns the number of free descriptor slots in the TX ring.
func (s *Socket) TxFree() uint32 {
	cons := atomic.LoadUint32(s.tx.cons) + s.tx.size
	return cons - s.tx.cachedProd
}

// FreeFrames returns the number of frames in the TX free pool.
func (s *Socket) FreeFrames() uint32 {
	return uint32(len(s.freeFrames))
}

// FrameStats returns the custody accounting for the whole arena.
func (s *Socket) FrameStats() FrameStats {
	free := uint32(len(s.freeFrames))
	return FrameStats{
		TxFree:     free,
		TxInflight: s.txPool - free,
		RxHeld:     s.rxHeld,
		FillCycle:  s.fillFrames - s.rxHeld,
	}
}

// NextFrame allocates a writable frame from the TX free pool.
// A zero-value frame means the arena's TX share is exhausted; the caller
// must back off and retry after PollCompletions, never spin here.
func (s *Socket) NextFrame() Frame {
	if len(s.freeFrames) == 0 {
		// Try to reclaim some completions first.
		s.PollCompletions(uint32(len(s.compBuf)))
		if len(s.freeFrames) == 0 {
			return Frame{}
		}
	}

	n := len(s.freeFrames) - 1
	addr := s.freeFrames[n]
	s.freeFrames = s.freeFrames[:n]

	start := int(addr)
	end := start + int(s.conf.FrameSize)

	return Frame{
		Buf:  s.arena[start:end],
		Addr: addr,
	}
}

// ReturnFrame puts an allocated but unsubmitted frame back into the free
// pool. Needed on encode failures so no error path leaks a frame.
func (s *Socket) ReturnFrame(frame Frame) {
	s.freeFrames = append(s.freeFrames, frame.Addr)
}

// Submit publishes one frame to the TX ring. Returns ErrTxRingFull without
// blocking when no descriptor slot is available even after reclaiming
// completions; the caller retries on a later iteration.
func (s *Socket) Submit(addr uint64, length uint32) error {
	var idx uint32
	if !s.tx.reserve(1, &idx) {
		s.PollCompletions(s.conf.BatchSize)
		if !s.tx.reserve(1, &idx) {
			return ErrTxRingFull
		}
	}

	d := &s.tx.descs[idx&s.tx.mask]
	d.Addr = addr
	d.Len = length
	d.Opts = 0
	return nil
}

// SubmitBatch publishes a batch of frames to the TX ring. All or nothing:
// returns ErrTxRingFull when the ring cannot take the whole batch.
func (s *Socket) SubmitBatch(addrs []uint64, lens []uint32) (int, error) {
	n := uint32(len(addrs))
	if n == 0 {
		return 0, nil
	}

	var idx uint32
	if !s.tx.reserve(n, &idx) {
		s.PollCompletions(s.conf.BatchSize)
		if !s.tx.reserve(n, &idx) {
			return 0, ErrTxRingFull
		}
	}

	for i := range n {
		d := &s.tx.descs[(idx+i)&s.tx.mask]
		d.Addr = addrs[i]
		d.Len = lens[i]
		d.Opts = 0
	}

	return int(n), nil
}

// FlushTx commits pending TX descriptors and rings the kernel doorbell.
// Required when XDP_USE_NEED_WAKEUP is enabled.
func (s *Socket) FlushTx() error {
	commitProducer(s.tx.prod, s.tx.cachedProd)
	return wakeupTx(s.fd)
}

// PollCompletions reclaims completed frames from the Completion ring back
// into the TX free pool. maxFrames caps how many are reclaimed in this
// call; the value is also capped by the completion buffer size.
func (s *Socket) PollCompletions(maxFrames uint32) uint32 {
	if maxFrames == 0 {
		return 0
	}
	maxFrames = min(maxFrames, uint32(len(s.compBuf)))

	n := s.cq.drain(s.compBuf, maxFrames)
	for i := range n {
		// cap(freeFrames) is the TX pool size; this never allocates.
		s.freeFrames = append(s.freeFrames, s.compBuf[i])
	}
	return n
}
