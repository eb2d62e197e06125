// Package event implements the remote-event layer that rides the same
// channel abstraction as replication: one-shot, typed, fire-and-forget
// messages in both directions, registered at plugin-build time alongside
// replication rules and folded into the same protocol hash (package
// protocol). Client events carry no ordering constraint; server events
// (package file server_event.go) are tagged with the tick they were queued
// at and held on the client until that tick has been replicated, so an
// event referencing a just-spawned entity never arrives before it does.
//
// This layer intentionally does not implement request/response RPC, only
// fire-and-forget delivery in either direction (spec's remote-event
// non-goal).
package event

import (
	"bytes"
	"fmt"

	"github.com/projectharmonia/replicon/wire"
)

// Handle identifies one registered event type within a ServerSender,
// ServerReceiver, ClientSender, or ClientReceiver. It is just a dense index
// into that registry's own definition slice — it has no meaning across
// different registries or different peers.
type Handle int

// Fns is the type-erased serialize/deserialize pair for one event type,
// built by Define. TypeName is folded into the protocol hash so that peers
// registering events in a different order, or with a different name, fail
// the compatibility check at connect time instead of silently
// misinterpreting each other's bytes.
type Fns struct {
	TypeName    string
	Serialize   func(buf *bytes.Buffer, value any) error
	Deserialize func(r *wire.Reader) (any, error)
}

// Define builds an Fns for event type T from typed serialize/deserialize
// functions, the same type-erasure-via-generics pattern package registry
// uses for components: the concrete type is captured once here, and every
// call afterward goes through the any-typed erased signature.
func Define[T any](
	typeName string,
	serialize func(buf *bytes.Buffer, v T) error,
	deserialize func(r *wire.Reader) (T, error),
) Fns {
	return Fns{
		TypeName: typeName,
		Serialize: func(buf *bytes.Buffer, value any) error {
			v, ok := value.(T)
			if !ok {
				return fmt.Errorf("event: serialize %s: value is %T, not %T", typeName, value, v)
			}
			return serialize(buf, v)
		},
		Deserialize: func(r *wire.Reader) (any, error) {
			return deserialize(r)
		},
	}
}

// SendMode selects which connected clients a queued server event is
// delivered to.
type SendMode int

const (
	// Broadcast delivers to every connected client.
	Broadcast SendMode = iota
	// BroadcastExcept delivers to every connected client except Target.
	BroadcastExcept
	// Direct delivers only to Target.
	Direct
)

func (m SendMode) String() string {
	switch m {
	case Broadcast:
		return "broadcast"
	case BroadcastExcept:
		return "broadcast_except"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}
