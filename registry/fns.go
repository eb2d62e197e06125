// Package registry implements the replication registry: a dense table,
// indexed by FnsId, of per-component serialize/deserialize/write/remove/
// consume function pointers (spec §4.2). Components are heterogeneous, so
// the table is type-erased; Component captures the concrete type T once,
// when the Fns row is built, so the row's functions only ever handle that
// type's values (spec §9, "type-erased function tables").
package registry

import (
	"bytes"
	"fmt"

	"github.com/projectharmonia/replicon/wire"

	"github.com/projectharmonia/replicon"
)

// EntityTarget is the host application's write surface for a single local
// entity. The registry never touches a concrete ECS type; client code
// implements this (typically backed by an archetype move, see package
// client's DeferredEntity) and passes it to Write/Remove.
type EntityTarget interface {
	// Entity returns the local entity this target mutates.
	Entity() replicon.Entity
	// Insert stores value as the component identified by id, replacing any
	// existing value of that component.
	Insert(id replicon.ComponentId, value any)
	// Remove deletes the component identified by id, if present.
	Remove(id replicon.ComponentId)
}

// SerializeFn writes value's wire representation to buf. Errors abort the
// containing message; the assembler treats this as a programming error
// (the server's own world data must always be serializable).
type SerializeFn func(buf *bytes.Buffer, value any) error

// DeserializeFn reads one value of the registered component type from r.
type DeserializeFn func(r *wire.Reader) (any, error)

// WriteFn applies a deserialized value to target. The default
// (DefaultWrite) is insert-or-replace; command markers can override this
// per entity (spec §4.5).
type WriteFn func(target EntityTarget, id replicon.ComponentId, value any)

// RemoveFn removes the component from target. Overridable by markers.
type RemoveFn func(target EntityTarget, id replicon.ComponentId)

// ConsumeFn advances past a stale mutation's bytes without applying it, or
// hands it to a history sidecar if the active marker requested history
// (spec §4.5). It receives the same reader a DeserializeFn would, and must
// consume exactly the bytes one value occupies.
type ConsumeFn func(r *wire.Reader) error

// Fns is one row of the replication registry: everything needed to
// serialize, deserialize, and apply one component type under one FnsId.
type Fns struct {
	ComponentId replicon.ComponentId
	Serialize   SerializeFn
	Deserialize DeserializeFn
	Write       WriteFn
	Remove      RemoveFn
	Consume     ConsumeFn
}

// Component builds a Fns row for component type T using generic, compile-time
// typed wrappers around user-supplied serialize/deserialize functions. This
// is the "typed wrapper [that] converts typed calls into the erased call"
// spec §9 calls for; reflection is never used.
func Component[T any](
	id replicon.ComponentId,
	serialize func(buf *bytes.Buffer, v T) error,
	deserialize func(r *wire.Reader) (T, error),
) Fns {
	return Fns{
		ComponentId: id,
		Serialize: func(buf *bytes.Buffer, value any) error {
			v, ok := value.(T)
			if !ok {
				return fmt.Errorf("registry: serialize component %d: value is %T, not %T", id, value, v)
			}
			return serialize(buf, v)
		},
		Deserialize: func(r *wire.Reader) (any, error) {
			return deserialize(r)
		},
		Write: func(target EntityTarget, id replicon.ComponentId, value any) {
			target.Insert(id, value)
		},
		Remove: func(target EntityTarget, id replicon.ComponentId) {
			target.Remove(id)
		},
		Consume: func(r *wire.Reader) error {
			_, err := deserialize(r)
			return err
		},
	}
}

// WithCommands overrides the default Write/Remove behavior at the registry
// level (not per-entity — see package registry's CommandMarkers for the
// per-entity override used by client-only marker components).
func (f Fns) WithCommands(write WriteFn, remove RemoveFn) Fns {
	f.Write = write
	f.Remove = remove
	return f
}
