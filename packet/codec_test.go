package packet

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	testSrcIP  = netip.MustParseAddr("10.0.0.1")
	testDstIP  = netip.MustParseAddr("10.0.0.2")
)

func buildFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       testSrcMAC,
		DstMAC:       testDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    testSrcIP.AsSlice(),
		DstIP:    testDstIP.AsSlice(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 8003}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload))
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	payload := []byte("hello over the rings")
	frame := buildFrame(t, payload)

	meta, got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: %q", got)
	}
	if meta.SrcIP != testSrcIP || meta.DstIP != testDstIP {
		t.Errorf("addresses: %v -> %v", meta.SrcIP, meta.DstIP)
	}
	if meta.SrcPort != 40000 || meta.DstPort != 8003 {
		t.Errorf("ports: %d -> %d", meta.SrcPort, meta.DstPort)
	}
	if !bytes.Equal(meta.SrcMAC[:], testSrcMAC) || !bytes.Equal(meta.DstMAC[:], testDstMAC) {
		t.Errorf("macs: %x -> %x", meta.SrcMAC, meta.DstMAC)
	}
}

func TestDecodeRejects(t *testing.T) {
	good := buildFrame(t, []byte("x"))

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}

	for _, tt := range []struct {
		name  string
		frame []byte
		want  error
	}{
		{"short", good[:HeaderLen-1], ErrTruncated},
		{"ethertype", mutate(func(b []byte) []byte {
			b[12], b[13] = 0x86, 0xdd
			return b
		}), ErrNotIPv4},
		{"options", mutate(func(b []byte) []byte {
			b[14] = 0x46
			return b
		}), ErrIPOptions},
		{"tcp", mutate(func(b []byte) []byte {
			b[23] = 6
			// fix the header checksum so the protocol check is what fires
			b[24], b[25] = 0, 0
			cs := ipChecksum(b[14:34])
			b[24], b[25] = byte(cs>>8), byte(cs)
			return b
		}), ErrNotUDP},
		{"checksum", mutate(func(b []byte) []byte {
			b[24] ^= 0xff
			return b
		}), ErrBadIPChecksum},
		{"iplen", mutate(func(b []byte) []byte {
			b[16], b[17] = 0xff, 0xff
			b[24], b[25] = 0, 0
			cs := ipChecksum(b[14:34])
			b[24], b[25] = byte(cs>>8), byte(cs)
			return b
		}), ErrLengthMismatch},
		{"udplen", mutate(func(b []byte) []byte {
			b[38], b[39] = 0, 7
			return b
		}), ErrLengthMismatch},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := NewEncoder(testSrcMAC, testDstMAC, testSrcIP, testDstIP, 40000, 8003)
	if err != nil {
		t.Fatal(err)
	}

	frame := make([]byte, 2048)
	payload := []byte("quic initial goes here")
	n, err := enc.Encode(frame, payload)
	if err != nil {
		t.Fatal(err)
	}
	if int(n) != HeaderLen+len(payload) {
		t.Fatalf("length %d", n)
	}

	meta, got, err := Decode(frame[:n])
	if err != nil {
		t.Fatalf("Decode of encoded frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: %q", got)
	}
	if meta.SrcPort != 40000 || meta.DstPort != 8003 {
		t.Errorf("ports: %d -> %d", meta.SrcPort, meta.DstPort)
	}
}

func TestEncodeAgainstGopacket(t *testing.T) {
	enc, err := NewEncoder(testSrcMAC, testDstMAC, testSrcIP, testDstIP, 40000, 8003)
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte{0xab}, 100)
	frame := make([]byte, 2048)
	n, err := enc.Encode(frame, payload)
	if err != nil {
		t.Fatal(err)
	}

	pkt := gopacket.NewPacket(frame[:n], layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("gopacket rejected frame: %v", errLayer.Error())
	}
	ip, ok := pkt.NetworkLayer().(*layers.IPv4)
	if !ok {
		t.Fatal("no IPv4 layer")
	}
	if int(ip.Length) != ipLen+udpLen+len(payload) {
		t.Errorf("ip total length %d", ip.Length)
	}
	udp, ok := pkt.TransportLayer().(*layers.UDP)
	if !ok {
		t.Fatal("no UDP layer")
	}
	if udp.Checksum != 0 {
		t.Errorf("udp checksum %#x, want 0", udp.Checksum)
	}
	if !bytes.Equal(udp.Payload, payload) {
		t.Errorf("payload mismatch")
	}
}

func TestEncodeFrameTooSmall(t *testing.T) {
	enc, err := NewEncoder(testSrcMAC, testDstMAC, testSrcIP, testDstIP, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	_, err = enc.Encode(make([]byte, 64), make([]byte, 100))
	if !errors.Is(err, ErrFrameTooSmall) {
		t.Errorf("got %v", err)
	}
}
