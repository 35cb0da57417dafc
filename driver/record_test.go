package driver

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendRecordLayout(t *testing.T) {
	buf, err := AppendRecord(nil, RecordTypeTransaction, []byte{0xaa, 0xbb, 0xcc})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x03, 0x00, 0xaa, 0xbb, 0xcc}
	if !bytes.Equal(buf, want) {
		t.Errorf("got % x, want % x", buf, want)
	}
}

func TestAppendRecordTooLarge(t *testing.T) {
	_, err := AppendRecord(nil, RecordTypeTransaction, make([]byte, MaxRecordBody+1))
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("got %v", err)
	}
}

func TestProbeRoundTrip(t *testing.T) {
	buf := AppendProbe(nil, 123456789, 42)
	if buf[0] != RecordTypeProbe {
		t.Fatalf("type %#x", buf[0])
	}
	nanos, seq, err := DecodeProbe(buf[recordHeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	if nanos != 123456789 || seq != 42 {
		t.Errorf("got nanos=%d seq=%d", nanos, seq)
	}
}

func TestDecodeProbeBadLength(t *testing.T) {
	if _, _, err := DecodeProbe(make([]byte, 8)); !errors.Is(err, ErrBadRecord) {
		t.Errorf("got %v", err)
	}
}

func TestScannerReassembly(t *testing.T) {
	var wire []byte
	wire = AppendProbe(wire, 1, 1)
	wire, _ = AppendRecord(wire, RecordTypeTransaction, bytes.Repeat([]byte{0x55}, 300))
	wire = AppendProbe(wire, 2, 2)

	// Feed in awkward chunk sizes so every record crosses a boundary.
	for _, chunk := range []int{1, 2, 7, 64} {
		var got []Record
		var scan Scanner
		for off := 0; off < len(wire); off += chunk {
			end := off + chunk
			if end > len(wire) {
				end = len(wire)
			}
			err := scan.Feed(wire[off:end], func(rec Record) error {
				body := make([]byte, len(rec.Body))
				copy(body, rec.Body)
				got = append(got, Record{Type: rec.Type, Body: body})
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		if len(got) != 3 {
			t.Fatalf("chunk %d: got %d records", chunk, len(got))
		}
		if got[0].Type != RecordTypeProbe || got[1].Type != RecordTypeTransaction || got[2].Type != RecordTypeProbe {
			t.Errorf("chunk %d: types %#x %#x %#x", chunk, got[0].Type, got[1].Type, got[2].Type)
		}
		if len(got[1].Body) != 300 {
			t.Errorf("chunk %d: body length %d", chunk, len(got[1].Body))
		}
		if _, seq, _ := DecodeProbe(got[2].Body); seq != 2 {
			t.Errorf("chunk %d: seq %d", chunk, seq)
		}
	}
}

func TestScannerEmptyBody(t *testing.T) {
	wire, _ := AppendRecord(nil, RecordTypeTransaction, nil)
	var scan Scanner
	var n int
	err := scan.Feed(wire, func(rec Record) error {
		n++
		if len(rec.Body) != 0 {
			t.Errorf("body length %d", len(rec.Body))
		}
		return nil
	})
	if err != nil || n != 1 {
		t.Errorf("err=%v n=%d", err, n)
	}
}
