package replicon

import (
	"bytes"

	"github.com/projectharmonia/replicon/wire"
)

// Tick is the server's monotonic, wrapping 32-bit logical clock. Every
// update and mutation message carries one. Comparisons must use Newer, never
// raw numerical ordering, since the counter wraps through 2^32.
type Tick uint32

// Encode appends the tick as a 32-bit varint.
func (t Tick) Encode(buf *bytes.Buffer) {
	wire.PutUvarint(buf, uint64(t))
}

// DecodeTick reads a tick.
func DecodeTick(r *wire.Reader) (Tick, error) {
	v, err := r.Uvarint()
	if err != nil {
		return 0, err
	}
	return Tick(uint32(v)), nil
}

// Newer reports whether a is strictly newer than b, given current as the
// reference point the wrap is resolved around (normally the server's
// present tick, or the tick of the value being tested against history).
// This is the standard sequence-number comparison: the difference is
// interpreted as a signed 32-bit delta, so it tolerates exactly one
// wraparound relative to current.
func (a Tick) Newer(b, current Tick) bool {
	return int32(a-b) < int32(current-b)
}

// After reports whether a is newer than or equal to b relative to current.
func (a Tick) After(b, current Tick) bool {
	return a == b || a.Newer(b, current)
}

// Add returns t advanced by delta ticks, wrapping as needed.
func (t Tick) Add(delta uint32) Tick {
	return t + Tick(delta)
}
