//go:build linux

package filter

import "encoding/binary"

// Verdict is the classifier decision for one packet.
type Verdict int

const (
	// VerdictPass lets the packet continue through the normal stack.
	VerdictPass Verdict = iota
	// VerdictRedirect steers the packet into the ring engine.
	VerdictRedirect
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictRedirect:
		return "redirect"
	}
	return "unknown"
}

// Decide mirrors the in-kernel program's decision for a raw Ethernet
// frame: redirect exactly the IPv4/UDP packets whose destination port is
// the service port. Like the program it is total and bounded, and it never
// inspects bytes beyond the fixed header region.
func Decide(pkt []byte, servicePort uint16) Verdict {
	if len(pkt) < minHeaderLen {
		return VerdictPass
	}
	if binary.BigEndian.Uint16(pkt[offEtherType:]) != 0x0800 {
		return VerdictPass
	}
	if pkt[offIPVersIHL] != 0x45 {
		return VerdictPass
	}
	if pkt[offIPProtocol] != 17 {
		return VerdictPass
	}
	if binary.BigEndian.Uint16(pkt[offUDPDstPort:]) != servicePort {
		return VerdictPass
	}
	return VerdictRedirect
}
