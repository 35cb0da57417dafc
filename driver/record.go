package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Stream payloads are a sequence of records:
//
//	[1B type][2B little-endian body length][body]
//
// Two record types exist today. Transactions carry opaque payload bytes.
// Probes carry a 16-byte body used for round-trip timing:
//
//	[8B little-endian send time, nanos][8B little-endian sequence]
const (
	RecordTypeTransaction = 0x01
	RecordTypeProbe       = 0xA5

	recordHeaderLen = 3

	// ProbeBodyLen is the fixed probe body size.
	ProbeBodyLen = 16

	// MaxRecordBody is the largest body the 2-byte length field allows.
	MaxRecordBody = 1<<16 - 1
)

var (
	ErrRecordTooLarge = errors.New("record body exceeds length field")
	ErrBadRecord      = errors.New("malformed record")
)

// Record is one framed unit on a stream. Body aliases the buffer it was
// decoded from.
type Record struct {
	Type byte
	Body []byte
}

// AppendRecord appends the framed record to dst and returns the extended
// slice.
func AppendRecord(dst []byte, typ byte, body []byte) ([]byte, error) {
	if len(body) > MaxRecordBody {
		return dst, ErrRecordTooLarge
	}
	dst = append(dst, typ)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(body)))
	return append(dst, body...), nil
}

// AppendProbe appends a probe record carrying the send timestamp and
// sequence number.
func AppendProbe(dst []byte, sendNanos int64, seq uint64) []byte {
	dst = append(dst, RecordTypeProbe)
	dst = binary.LittleEndian.AppendUint16(dst, ProbeBodyLen)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(sendNanos))
	return binary.LittleEndian.AppendUint64(dst, seq)
}

// DecodeProbe extracts the timestamp and sequence from a probe body.
func DecodeProbe(body []byte) (sendNanos int64, seq uint64, err error) {
	if len(body) != ProbeBodyLen {
		return 0, 0, fmt.Errorf("%w: probe body length %d", ErrBadRecord, len(body))
	}
	sendNanos = int64(binary.LittleEndian.Uint64(body[0:8]))
	seq = binary.LittleEndian.Uint64(body[8:16])
	return sendNanos, seq, nil
}

// Scanner incrementally reassembles records from a stream byte sequence.
// Feed emits complete records; partial trailing bytes are buffered for the
// next call. Emitted record bodies alias the scanner's buffer and must be
// copied if retained.
type Scanner struct {
	buf []byte
}

func (s *Scanner) Feed(p []byte, emit func(Record) error) error {
	if len(s.buf) == 0 {
		s.buf = append(s.buf[:0], p...)
	} else {
		s.buf = append(s.buf, p...)
	}
	for {
		if len(s.buf) < recordHeaderLen {
			return nil
		}
		bodyLen := int(binary.LittleEndian.Uint16(s.buf[1:3]))
		total := recordHeaderLen + bodyLen
		if len(s.buf) < total {
			return nil
		}
		rec := Record{Type: s.buf[0], Body: s.buf[recordHeaderLen:total]}
		if err := emit(rec); err != nil {
			return err
		}
		s.buf = s.buf[total:]
		if len(s.buf) == 0 {
			s.buf = nil
			return nil
		}
	}
}
