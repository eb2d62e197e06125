package wsconn

import (
	"bytes"
	"testing"

	"github.com/projectharmonia/replicon/channel"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		ch      channel.Id
		payload []byte
	}{
		{channel.Id(0), []byte("hello")},
		{channel.Id(127), []byte{}},
		{channel.Id(200), []byte{1, 2, 3, 4, 5}},
	}
	for _, c := range cases {
		frame := encodeEnvelope(c.ch, c.payload)
		gotCh, gotPayload, err := decodeEnvelope(frame)
		if err != nil {
			t.Fatalf("decodeEnvelope: %v", err)
		}
		if gotCh != c.ch {
			t.Errorf("channel = %d, want %d", gotCh, c.ch)
		}
		if !bytes.Equal(gotPayload, c.payload) {
			t.Errorf("payload = %v, want %v", gotPayload, c.payload)
		}
	}
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	_, _, err := decodeEnvelope([]byte{0x80})
	if err == nil {
		t.Fatal("decodeEnvelope on a truncated varint = nil error, want one")
	}
}
