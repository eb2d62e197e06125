package event

import (
	"bytes"

	"github.com/projectharmonia/replicon/wire"
)

// ProtocolMismatch is the zero-payload server trigger sent once, just
// before disconnecting a client whose protocol hash did not match the
// server's (spec §4.9). It is an ordinary server event: registering it
// through ServerSender/ServerReceiver like any other keeps the
// connect/mismatch/disconnect path free of special-cased wire handling.
type ProtocolMismatch struct{}

// ProtocolMismatchFns returns the Fns for ProtocolMismatch: both
// serialize and deserialize are no-ops since the type carries no data.
func ProtocolMismatchFns() Fns {
	return Define(
		"replicon.ProtocolMismatch",
		func(buf *bytes.Buffer, v ProtocolMismatch) error { return nil },
		func(r *wire.Reader) (ProtocolMismatch, error) { return ProtocolMismatch{}, nil },
	)
}
