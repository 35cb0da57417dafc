//go:build linux

package filter

import (
	"encoding/binary"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

// XDP verdict codes from linux/bpf.h.
const (
	xdpPass = 2
)

// Packet field offsets for the only shape we redirect:
// Ethernet(14) + IPv4 without options(20) + UDP(8).
const (
	offEtherType  = 12
	offIPVersIHL  = 14
	offIPProtocol = 23
	offUDPDstPort = 36
	minHeaderLen  = 42
)

// xdp_md field offsets from linux/bpf.h.
const (
	xdpMdData         = 0
	xdpMdDataEnd      = 4
	xdpMdRxQueueIndex = 16
)

// wire16 converts a host-order port to the value a BPF_H load yields for
// the big-endian on-wire representation.
func wire16(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// buildProgram assembles the redirect program. Equivalent C:
//
//	SEC("xdp") int xdp_sock_prog(struct xdp_md *ctx)
//	{
//	    void *data = (void *)(long)ctx->data;
//	    void *data_end = (void *)(long)ctx->data_end;
//	    if (data + 42 > data_end)
//	        return XDP_PASS;
//	    struct ethhdr *eth = data;
//	    if (eth->h_proto != htons(ETH_P_IP))
//	        return XDP_PASS;
//	    struct iphdr *ip = data + 14;
//	    if (*(u8 *)ip != 0x45 || ip->protocol != IPPROTO_UDP)
//	        return XDP_PASS;
//	    struct udphdr *udp = data + 34;
//	    if (udp->dest != htons(SERVICE_PORT))
//	        return XDP_PASS;
//	    return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
//	}
//
// bpf_redirect_map returns its flags argument (XDP_PASS) when the queue
// has no registered socket or no free frame, so unredirectable traffic
// falls through to the normal stack and loss is left to the peer's
// retransmission.
func buildProgram(port uint16, xsksMap *ebpf.Map) (*ebpf.Program, error) {
	insns := asm.Instructions{
		// r2 = ctx->data, r3 = ctx->data_end, r6 = ctx->rx_queue_index.
		asm.LoadMem(asm.R2, asm.R1, xdpMdData, asm.Word),
		asm.LoadMem(asm.R3, asm.R1, xdpMdDataEnd, asm.Word),
		asm.LoadMem(asm.R6, asm.R1, xdpMdRxQueueIndex, asm.Word),

		// Bounds check before any header access; the verifier rejects
		// the program otherwise.
		asm.Mov.Reg(asm.R4, asm.R2),
		asm.Add.Imm(asm.R4, minHeaderLen),
		asm.JGT.Reg(asm.R4, asm.R3, "pass"),

		// EtherType IPv4.
		asm.LoadMem(asm.R5, asm.R2, offEtherType, asm.Half),
		asm.JNE.Imm(asm.R5, int32(wire16(0x0800)), "pass"),

		// IPv4, IHL=5: options would shift the UDP header.
		asm.LoadMem(asm.R5, asm.R2, offIPVersIHL, asm.Byte),
		asm.JNE.Imm(asm.R5, 0x45, "pass"),

		// Transport must be UDP.
		asm.LoadMem(asm.R5, asm.R2, offIPProtocol, asm.Byte),
		asm.JNE.Imm(asm.R5, unix.IPPROTO_UDP, "pass"),

		// UDP destination port == service port.
		asm.LoadMem(asm.R5, asm.R2, offUDPDstPort, asm.Half),
		asm.JNE.Imm(asm.R5, int32(wire16(port)), "pass"),

		// bpf_redirect_map(xsks_map, rx_queue_index, XDP_PASS).
		asm.LoadMapPtr(asm.R1, xsksMap.FD()),
		asm.Mov.Reg(asm.R2, asm.R6),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),

		asm.Mov.Imm(asm.R0, xdpPass).WithSymbol("pass"),
		asm.Return(),
	}

	return ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		Instructions: insns,
		License:      "Dual MIT/GPL",
	})
}
