package wire

import (
	"bytes"
	"testing"
)

func TestUvarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<32 - 1, 1 << 40}
	for _, v := range cases {
		var buf bytes.Buffer
		PutUvarint(&buf, v)
		got, n, err := ReadUvarint(buf.Bytes())
		if err != nil {
			t.Fatalf("ReadUvarint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("ReadUvarint(%d) = %d", v, got)
		}
		if n != buf.Len() {
			t.Errorf("ReadUvarint(%d) consumed %d bytes, want %d", v, n, buf.Len())
		}
	}
}

func TestReadUvarintTruncated(t *testing.T) {
	// 0x80 flags a continuation byte that never arrives.
	_, _, err := ReadUvarint([]byte{0x80})
	if err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestReaderSequence(t *testing.T) {
	var buf bytes.Buffer
	PutUvarint(&buf, 42)
	PutArrayLen(&buf, 3)
	PutUint16LE(&buf, 0xBEEF)
	buf.WriteByte('x')

	r := NewReader(buf.Bytes())
	v, err := r.Uvarint()
	if err != nil || v != 42 {
		t.Fatalf("Uvarint() = %d, %v", v, err)
	}
	n, err := r.ArrayLen()
	if err != nil || n != 3 {
		t.Fatalf("ArrayLen() = %d, %v", n, err)
	}
	u16, err := r.Uint16LE()
	if err != nil || u16 != 0xBEEF {
		t.Fatalf("Uint16LE() = %x, %v", u16, err)
	}
	b, err := r.Byte()
	if err != nil || b != 'x' {
		t.Fatalf("Byte() = %q, %v", b, err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}
