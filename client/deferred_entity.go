package client

import "github.com/projectharmonia/replicon"

// pendingOp is one buffered insert or remove awaiting DeferredEntity.Flush.
type pendingOp struct {
	componentId replicon.ComponentId
	insert      bool
	value       any
}

// DeferredEntity buffers every insert and remove decoded for a single
// incoming entity so they apply as one archetype move instead of one per
// component (spec §4.8, "avoiding per-component archetype thrash"). It
// implements registry.EntityTarget so the registry's per-component Write/
// Remove functions can be called directly while decoding, with the actual
// world mutation deferred until Flush.
type DeferredEntity struct {
	entity replicon.Entity
	ops    []pendingOp
}

// NewDeferredEntity returns a buffer for local entity e.
func NewDeferredEntity(e replicon.Entity) *DeferredEntity {
	return &DeferredEntity{entity: e}
}

// Entity implements registry.EntityTarget.
func (d *DeferredEntity) Entity() replicon.Entity {
	return d.entity
}

// Insert implements registry.EntityTarget: buffers an insert-or-replace.
func (d *DeferredEntity) Insert(id replicon.ComponentId, value any) {
	d.ops = append(d.ops, pendingOp{componentId: id, insert: true, value: value})
}

// Remove implements registry.EntityTarget: buffers a removal.
func (d *DeferredEntity) Remove(id replicon.ComponentId) {
	d.ops = append(d.ops, pendingOp{componentId: id, insert: false})
}

// Flush applies every buffered operation to world in one pass, in the order
// they were recorded, then clears the buffer. The host application supplies
// world; this package never holds a concrete ECS type (spec §1).
func (d *DeferredEntity) Flush(world World) {
	for _, op := range d.ops {
		if op.insert {
			world.Insert(d.entity, op.componentId, op.value)
		} else {
			world.Remove(d.entity, op.componentId)
		}
	}
	d.ops = d.ops[:0]
}

// World is the host application's local-entity write surface — the client
// package's counterpart to registry.EntityTarget, but scoped to a whole
// world rather than one entity, since a DeferredEntity only knows its own
// entity's ID until Flush time.
type World interface {
	// Insert stores value as the component identified by id on e, replacing
	// any existing value.
	Insert(e replicon.Entity, id replicon.ComponentId, value any)
	// Remove deletes the component identified by id from e, if present.
	Remove(e replicon.Entity, id replicon.ComponentId)
	// Despawn removes e and all its components entirely.
	Despawn(e replicon.Entity)
	// Spawn allocates a new local entity, used when the receiver sees a
	// server entity with no existing mapping.
	Spawn() replicon.Entity
}
