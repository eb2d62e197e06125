// Package replicon is the core replication engine: tick-driven
// change-detection and message assembly on the server, and deserialization
// and buffered causal-order application on the client, for an
// entity-component world the host application owns.
//
// The engine never allocates entity IDs that are meaningful across peers.
// Servers and clients each run a local, dense entity allocator; the only
// cross-peer identity is the bijective mapping the client maintains in its
// ServerEntityMap (see package client).
package replicon

import (
	"bytes"
	"fmt"

	"github.com/projectharmonia/replicon/wire"
)

// Entity is an opaque handle to a world object: an index plus an optional
// generation used to detect reuse of a freed index. It is never compared
// across peers by value — only through a ServerEntityMap.
type Entity struct {
	Index      uint32
	Generation uint32
	// HasGeneration mirrors the wire's low-bit flag: some host ECS entity
	// kinds (e.g. pre-spawned, well-known entities) have no generation.
	HasGeneration bool
}

// NewEntity builds an entity handle with a generation.
func NewEntity(index, generation uint32) Entity {
	return Entity{Index: index, Generation: generation, HasGeneration: true}
}

// NewEntityNoGeneration builds a generation-less entity handle.
func NewEntityNoGeneration(index uint32) Entity {
	return Entity{Index: index}
}

func (e Entity) String() string {
	if e.HasGeneration {
		return fmt.Sprintf("%dv%d", e.Index, e.Generation)
	}
	return fmt.Sprintf("%d", e.Index)
}

// Encode appends the wire representation: varint (index<<1 | has_generation),
// followed by a generation varint if present.
func (e Entity) Encode(buf *bytes.Buffer) {
	bit := uint64(0)
	if e.HasGeneration {
		bit = 1
	}
	wire.PutUvarint(buf, uint64(e.Index)<<1|bit)
	if e.HasGeneration {
		wire.PutUvarint(buf, uint64(e.Generation))
	}
}

// DecodeEntity reads an entity handle from r.
func DecodeEntity(r *wire.Reader) (Entity, error) {
	head, err := r.Uvarint()
	if err != nil {
		return Entity{}, fmt.Errorf("entity index: %w", err)
	}
	e := Entity{Index: uint32(head >> 1), HasGeneration: head&1 == 1}
	if e.HasGeneration {
		gen, err := r.Uvarint()
		if err != nil {
			return Entity{}, fmt.Errorf("entity generation: %w", err)
		}
		e.Generation = uint32(gen)
	}
	return e, nil
}

// ComponentId names a component type, stable for the lifetime of the
// registration (assigned by the host application, e.g. a reflect.Type
// lookup table or a generated enum).
type ComponentId uint32

// FnsId indexes a single row of the replication registry's function table.
// A component may be registered more than once under distinct FnsIds, one
// per rule that serializes it differently.
type FnsId uint32

// Encode appends the FnsId as a varint.
func (id FnsId) Encode(buf *bytes.Buffer) {
	wire.PutUvarint(buf, uint64(id))
}

// DecodeFnsId reads a FnsId.
func DecodeFnsId(r *wire.Reader) (FnsId, error) {
	v, err := r.Uvarint()
	if err != nil {
		return 0, err
	}
	return FnsId(v), nil
}
