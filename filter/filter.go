//go:build linux

// Package filter owns the in-kernel classifier: an XDP program that
// redirects UDP datagrams for the configured service port into the ring
// engine and passes all other traffic through untouched.
//
// The program is assembled in Go (no compiled object to ship) and is a
// pure, bounded function over the packet bytes: header bounds checks,
// three field comparisons, one map redirect. It keeps no state.
package filter

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
)

var ErrNoXSKMap = errors.New("xsks_map not initialized")

const (
	// DefaultServicePort is the UDP destination port selected for
	// redirection when none is configured.
	DefaultServicePort = 8003

	// DefaultMaxQueues bounds the XSK map; one entry per NIC queue.
	DefaultMaxQueues = 64
)

// Config controls how the classifier is built and attached.
type Config struct {
	// ServicePort is the UDP destination port to redirect.
	ServicePort uint16
	// MaxQueues sets the XSK map capacity.
	MaxQueues uint32
	// DriverMode requests driver-mode XDP (required for zerocopy);
	// attach falls back to generic mode when unsupported.
	DriverMode bool
}

func (c *Config) validateAndSetDefaults() error {
	if c.ServicePort == 0 {
		c.ServicePort = DefaultServicePort
	}
	if c.MaxQueues == 0 {
		c.MaxQueues = DefaultMaxQueues
	}
	return nil
}

// Classifier is the loaded XDP program attached to one interface, plus the
// XSK map that routes redirected packets to ring engine sockets.
type Classifier struct {
	ifaceName  string
	ifaceIndex int
	port       uint16

	prog    *ebpf.Program
	xsksMap *ebpf.Map
	link    link.Link
}

// Attach builds the classifier for the given service port and attaches it
// to the named interface. Any stale XDP program on the interface is
// removed first. Setup failures here are fatal to the caller; nothing is
// left attached on error.
func Attach(ifaceName string, conf Config) (*Classifier, error) {
	if err := conf.validateAndSetDefaults(); err != nil {
		return nil, err
	}

	nlink, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("resolving link %q: %w", ifaceName, err)
	}
	if err := clearStaleXDP(nlink); err != nil {
		return nil, fmt.Errorf("clearing stale XDP program: %w", err)
	}

	xsksMap, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    uint32(unsafe.Sizeof(uint32(0))),
		ValueSize:  uint32(unsafe.Sizeof(uint32(0))),
		MaxEntries: conf.MaxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf(
			"creating xsks_map (try increasing RLIMIT_MEMLOCK): %w", err)
	}

	prog, err := buildProgram(conf.ServicePort, xsksMap)
	if err != nil {
		xsksMap.Close()
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{
		Program:   prog,
		Interface: nlink.Attrs().Index,
	}
	if conf.DriverMode {
		opts.Flags = link.XDPDriverMode
	}

	l, err := link.AttachXDP(opts)
	if err != nil && conf.DriverMode {
		// Driver mode is queue/NIC dependent; retry in generic mode.
		opts.Flags = link.XDPGenericMode
		l, err = link.AttachXDP(opts)
	}
	if err != nil {
		prog.Close()
		xsksMap.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}

	return &Classifier{
		ifaceName:  ifaceName,
		ifaceIndex: nlink.Attrs().Index,
		port:       conf.ServicePort,
		prog:       prog,
		xsksMap:    xsksMap,
		link:       l,
	}, nil
}

// Info returns interface name and index the classifier is attached to.
func (c *Classifier) Info() (name string, index int) {
	return c.ifaceName, c.ifaceIndex
}

// ServicePort returns the UDP destination port being redirected.
func (c *Classifier) ServicePort() uint16 { return c.port }

// Register installs the ring engine socket FD as the redirect target for
// the given queue.
func (c *Classifier) Register(queueID uint32, fd int) error {
	if c.xsksMap == nil {
		return ErrNoXSKMap
	}
	return c.xsksMap.Update(queueID, uint32(fd), ebpf.UpdateAny)
}

// Unregister removes the redirect target for the given queue.
func (c *Classifier) Unregister(queueID uint32) error {
	if c.xsksMap == nil {
		return ErrNoXSKMap
	}
	return c.xsksMap.Delete(queueID)
}

// Close detaches the program from the interface and frees the eBPF
// resources. Ring engine sockets must be closed separately.
func (c *Classifier) Close() error {
	var errs []error
	if c.link != nil {
		if err := c.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		c.link = nil
	}
	if c.prog != nil {
		if err := c.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		c.prog = nil
	}
	if c.xsksMap != nil {
		if err := c.xsksMap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks_map: %w", err))
		}
		c.xsksMap = nil
	}
	return errors.Join(errs...)
}

// clearStaleXDP detaches a leftover XDP program from the link, waiting for
// the kernel to confirm removal.
func clearStaleXDP(nlink netlink.Link) error {
	if !isXDPAttached(nlink) {
		return nil
	}
	if err := netlink.LinkSetXdpFd(nlink, -1); err != nil {
		return err
	}
	for {
		refreshed, err := netlink.LinkByIndex(nlink.Attrs().Index)
		if err != nil {
			return err
		}
		if !isXDPAttached(refreshed) {
			return nil
		}
		time.Sleep(time.Second)
	}
}

func isXDPAttached(nlink netlink.Link) bool {
	attrs := nlink.Attrs()
	return attrs != nil && attrs.Xdp != nil && attrs.Xdp.Attached
}
