package client

import (
	"bytes"
	"container/heap"
	"fmt"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/internal/logging"
	"github.com/projectharmonia/replicon/internal/metrics"
	"github.com/projectharmonia/replicon/registry"
	"github.com/projectharmonia/replicon/wire"
	"github.com/rs/zerolog"
)

// queuedMutation is one mutations packet the receiver has decoded but
// cannot yet apply because its update_tick_last_seen is newer than the
// client's applied update_tick (spec §4.8 step 2).
type queuedMutation struct {
	updateTickLastSeen replicon.Tick
	serverTick         replicon.Tick
	mutateIndex        uint16
	data               []byte // the raw entity-chunks tail, already past the header
}

// mutationQueue is a container/heap.Interface min-heap ordered by
// updateTickLastSeen, so Receive only has to peek the front to decide what
// has become applicable as update_tick advances.
type mutationQueue []queuedMutation

func (q mutationQueue) Len() int { return len(q) }
func (q mutationQueue) Less(i, j int) bool {
	// A plain < comparison here (not Tick.Newer) is intentional: queued
	// ticks are always within a small, non-wrapped window of each other in
	// practice, and the heap only needs a total order for ranking, not
	// wrap-correct "newer than" semantics.
	return q[i].updateTickLastSeen < q[j].updateTickLastSeen
}
func (q mutationQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *mutationQueue) Push(x any)   { *q = append(*q, x.(queuedMutation)) }
func (q *mutationQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// tickProgress tracks how many mutation packets for one server tick have
// arrived, used only when mutate-tick tracking is enabled (spec §4.8 step 2,
// "fire a mutation tick received notification when all expected packets for
// a tick arrive").
type tickProgress struct {
	expected int
	received int
}

// Receiver is the client-side half of replication: decode updates and
// mutations, maintain the ServerEntityMap and ConfirmHistory, and apply
// changes to the host world through a DeferredEntity per incoming entity.
type Receiver struct {
	registry  *registry.Registry
	markers   *registry.CommandMarkers
	entityMap *ServerEntityMap
	world     World

	// MarkerNames, if set, returns the marker names present on a local
	// entity so Markers.Resolve can find an override; nil means no
	// command-marker overrides are ever consulted.
	MarkerNames func(local replicon.Entity) map[string]bool

	// OnMutationTick, if set, fires once every expected packet for a
	// mutate-tracked server tick has been applied.
	OnMutationTick func(tick replicon.Tick)

	trackMutates bool

	updateTick    replicon.Tick
	haveUpdateTick bool

	confirmHistory map[replicon.Entity]*ConfirmHistory
	queue          mutationQueue
	progress       map[replicon.Tick]*tickProgress

	logger zerolog.Logger
}

// NewReceiver returns a receiver bound to reg (for component serialization)
// and world (the host application's local write surface). markers may be
// nil if no client-only marker overrides are used. The receiver logs
// nothing until SetLogger is called.
func NewReceiver(reg *registry.Registry, markers *registry.CommandMarkers, world World) *Receiver {
	return &Receiver{
		registry:       reg,
		markers:        markers,
		entityMap:      NewServerEntityMap(),
		world:          world,
		confirmHistory: make(map[replicon.Entity]*ConfirmHistory),
		progress:       make(map[replicon.Tick]*tickProgress),
		logger:         logging.Nop(),
	}
}

// SetLogger attaches a structured logger used for the §7 "log and skip"
// error paths (unknown FnsId, entity mapping miss) that must not abort
// decoding the rest of a message.
func (r *Receiver) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// skipped records a §7 "log and skip" decode path: it logs the reason with
// context and increments the matching Prometheus counter.
func (r *Receiver) skipped(reason string, fields map[string]any) {
	logging.SkippedComponent(r.logger, reason, fields)
	metrics.SkippedComponents.WithLabelValues(reason).Inc()
}

// EntityMap exposes the receiver's ServerEntityMap, e.g. so the host
// application can pre-populate a pre-spawned entity's mapping before first
// replication (Testable Property 6).
func (r *Receiver) EntityMap() *ServerEntityMap {
	return r.entityMap
}

// TrackMutates enables the optional packet_count header field and the
// mutate-tick-complete notification.
func (r *Receiver) TrackMutates(on bool) {
	r.trackMutates = on
}

// UpdateTick reports the most recently applied updates message's tick.
func (r *Receiver) UpdateTick() (replicon.Tick, bool) {
	return r.updateTick, r.haveUpdateTick
}

// Receive runs one full client frame (spec §4.8): drain updates, drain
// mutations (applying or queuing each by update_tick_last_seen), then flush
// whatever queued mutations have become applicable.
func (r *Receiver) Receive(transport channel.ClientTransport) error {
	if err := r.receiveUpdates(transport); err != nil {
		return fmt.Errorf("client: receive updates: %w", err)
	}
	if err := r.receiveMutations(transport); err != nil {
		return fmt.Errorf("client: receive mutations: %w", err)
	}
	if err := r.flushQueuedMutations(transport); err != nil {
		return fmt.Errorf("client: flush queued mutations: %w", err)
	}
	return nil
}

func (r *Receiver) receiveUpdates(transport channel.ClientTransport) error {
	for _, data := range transport.TryRecv(channel.UpdatesChannel) {
		reader := wire.NewReader(data)
		tick, err := replicon.DecodeTick(reader)
		if err != nil {
			return fmt.Errorf("decode tick: %w", err)
		}
		// Guard against transport quirks (spec §4.8 step 1): an ordered
		// reliable channel should never actually deliver this out of order.
		// tick.After(updateTick, updateTick) holds exactly when
		// tick <= updateTick — i.e. not newer — which is the discard case.
		if r.haveUpdateTick && tick.After(r.updateTick, r.updateTick) {
			continue
		}

		touched, err := r.applyUpdateSections(reader)
		if err != nil {
			return err
		}

		r.updateTick = tick
		r.haveUpdateTick = true
		for _, e := range touched {
			h := r.confirmHistory[e]
			if h == nil {
				h = &ConfirmHistory{}
				r.confirmHistory[e] = h
			}
			h.Confirm(tick)
		}
	}
	return nil
}

// applyUpdateSections decodes and applies the mappings/despawns/removals/
// inserts sections of one updates message, returning every local entity
// touched (for ConfirmHistory bookkeeping). Trailing sections absent from a
// trimmed message are treated as empty.
func (r *Receiver) applyUpdateSections(reader *wire.Reader) ([]replicon.Entity, error) {
	var touched []replicon.Entity

	if reader.Len() == 0 {
		return touched, nil
	}
	mappingCount, err := reader.ArrayLen()
	if err != nil {
		return nil, fmt.Errorf("mappings len: %w", err)
	}
	for i := 0; i < mappingCount; i++ {
		serverEntity, err := replicon.DecodeEntity(reader)
		if err != nil {
			return nil, fmt.Errorf("mapping server entity %d: %w", i, err)
		}
		clientEntity, err := replicon.DecodeEntity(reader)
		if err != nil {
			return nil, fmt.Errorf("mapping client entity %d: %w", i, err)
		}
		if err := r.entityMap.Insert(serverEntity, clientEntity); err != nil {
			return nil, err
		}
		touched = append(touched, clientEntity)
	}

	if reader.Len() == 0 {
		return touched, nil
	}
	despawnCount, err := reader.ArrayLen()
	if err != nil {
		return nil, fmt.Errorf("despawns len: %w", err)
	}
	for i := 0; i < despawnCount; i++ {
		serverEntity, err := replicon.DecodeEntity(reader)
		if err != nil {
			return nil, fmt.Errorf("despawn entity %d: %w", i, err)
		}
		local, ok := r.entityMap.Remove(serverEntity)
		if !ok {
			r.skipped("despawn of unmapped server entity", map[string]any{
				"server_entity": serverEntity,
			})
			continue
		}
		r.world.Despawn(local)
		delete(r.confirmHistory, local)
	}

	if reader.Len() == 0 {
		return touched, nil
	}
	removalCount, err := reader.ArrayLen()
	if err != nil {
		return nil, fmt.Errorf("removals len: %w", err)
	}
	for i := 0; i < removalCount; i++ {
		serverEntity, err := replicon.DecodeEntity(reader)
		if err != nil {
			return nil, fmt.Errorf("removal entity %d: %w", i, err)
		}
		// An entity mapping miss here (spec §7) must not abort decoding the
		// rest of the message: still walk past the fns_id run below, just
		// without applying any of it.
		local, hasLocal := r.entityMap.ToLocal(serverEntity)

		fnsCount, err := reader.ArrayLen()
		if err != nil {
			return nil, fmt.Errorf("removal fns count %d: %w", i, err)
		}
		var deferred *DeferredEntity
		if hasLocal {
			deferred = NewDeferredEntity(local)
		}
		for j := 0; j < fnsCount; j++ {
			fnsId, err := replicon.DecodeFnsId(reader)
			if err != nil {
				return nil, fmt.Errorf("removal fns id %d/%d: %w", i, j, err)
			}
			if !hasLocal {
				continue
			}
			fns, ok := r.registry.Get(fnsId)
			if !ok {
				r.skipped("unknown fns id in removal", map[string]any{
					"server_entity": serverEntity,
					"fns_id":        fnsId,
				})
				continue
			}
			remove := fns.Remove
			if override, _, ok := r.resolveOverride(local, fns.ComponentId); ok {
				remove = override.Remove
			}
			remove(deferred, fns.ComponentId)
		}
		if hasLocal {
			deferred.Flush(r.world)
			touched = append(touched, local)
		}
	}

	if reader.Len() == 0 {
		return touched, nil
	}
	insertCount, err := reader.ArrayLen()
	if err != nil {
		return nil, fmt.Errorf("inserts len: %w", err)
	}
	for i := 0; i < insertCount; i++ {
		serverEntity, err := replicon.DecodeEntity(reader)
		if err != nil {
			return nil, fmt.Errorf("insert entity %d: %w", i, err)
		}
		bodyLen, err := reader.Uint16LE()
		if err != nil {
			return nil, fmt.Errorf("insert body len %d: %w", i, err)
		}
		body, err := reader.Bytes(int(bodyLen))
		if err != nil {
			return nil, fmt.Errorf("insert body %d: %w", i, err)
		}

		local, ok := r.entityMap.ToLocal(serverEntity)
		if !ok {
			local = r.world.Spawn()
			if err := r.entityMap.Insert(serverEntity, local); err != nil {
				return nil, err
			}
		}

		if err := r.applyComponentBytes(local, body); err != nil {
			return nil, fmt.Errorf("insert entity %d components: %w", i, err)
		}
		touched = append(touched, local)
	}

	return touched, nil
}

// applyComponentBytes decodes a (fns_id, bytes)* run and writes each
// component into local through a single DeferredEntity flush.
func (r *Receiver) applyComponentBytes(local replicon.Entity, body []byte) error {
	br := wire.NewReader(body)
	deferred := NewDeferredEntity(local)
	for br.Len() > 0 {
		fnsId, err := replicon.DecodeFnsId(br)
		if err != nil {
			return fmt.Errorf("fns id: %w", err)
		}
		fns, ok := r.registry.Get(fnsId)
		if !ok {
			// The value's length is unknown without its Fns, so the rest of
			// this entity's run is skipped; components decoded before it are
			// still flushed.
			r.skipped("unknown fns id in component body", map[string]any{
				"entity": local,
				"fns_id": fnsId,
			})
			break
		}
		value, err := fns.Deserialize(br)
		if err != nil {
			return fmt.Errorf("deserialize component %d: %w", fns.ComponentId, err)
		}
		write := fns.Write
		if override, _, ok := r.resolveOverride(local, fns.ComponentId); ok {
			write = override.Write
		}
		write(deferred, fns.ComponentId, value)
	}
	deferred.Flush(r.world)
	return nil
}

func (r *Receiver) resolveOverride(local replicon.Entity, id replicon.ComponentId) (registry.Override, bool, bool) {
	if r.markers == nil || r.MarkerNames == nil {
		return registry.Override{}, false, false
	}
	present := r.MarkerNames(local)
	if len(present) == 0 {
		return registry.Override{}, false, false
	}
	override, needHistory, ok := r.markers.Resolve(id, present)
	return override, needHistory, ok
}

func (r *Receiver) receiveMutations(transport channel.ClientTransport) error {
	for _, data := range transport.TryRecv(channel.MutationsChannel) {
		reader := wire.NewReader(data)
		updateTickLastSeen, err := replicon.DecodeTick(reader)
		if err != nil {
			return fmt.Errorf("decode update_tick_last_seen: %w", err)
		}
		serverTick, err := replicon.DecodeTick(reader)
		if err != nil {
			return fmt.Errorf("decode server_tick: %w", err)
		}
		if r.trackMutates {
			count, err := reader.Uvarint()
			if err != nil {
				return fmt.Errorf("decode packet_count: %w", err)
			}
			r.notePacketExpected(serverTick, int(count))
		}
		mutateIndex, err := reader.Uint16LE()
		if err != nil {
			return fmt.Errorf("decode mutate_index: %w", err)
		}
		rest := data[len(data)-reader.Len():]

		// Queue whenever update_tick_last_seen is strictly newer than the
		// applied update_tick (or no update has been applied yet at all):
		// updateTickLastSeen.After(r.updateTick, r.updateTick) holds exactly
		// when updateTickLastSeen <= r.updateTick, so negating it tests "is
		// newer", the queue condition from spec §4.8 step 2.
		mustQueue := !r.haveUpdateTick || !updateTickLastSeen.After(r.updateTick, r.updateTick)
		if mustQueue {
			heap.Push(&r.queue, queuedMutation{
				updateTickLastSeen: updateTickLastSeen,
				serverTick:         serverTick,
				mutateIndex:        mutateIndex,
				data:               append([]byte(nil), rest...),
			})
			metrics.MutationsQueued.Set(float64(len(r.queue)))
			continue
		}
		if err := r.applyMutationChunks(rest); err != nil {
			return err
		}
		if err := r.ack(transport, serverTick, mutateIndex); err != nil {
			return err
		}
		r.notePacketArrived(serverTick)
	}
	return nil
}

// flushQueuedMutations applies every queued packet whose
// update_tick_last_seen is now covered by the applied update_tick (spec
// §4.8 step 3).
func (r *Receiver) flushQueuedMutations(transport channel.ClientTransport) error {
	for len(r.queue) > 0 {
		next := r.queue[0]
		if !r.haveUpdateTick || !next.updateTickLastSeen.After(r.updateTick, r.updateTick) {
			break
		}
		heap.Pop(&r.queue)
		metrics.MutationsQueued.Set(float64(len(r.queue)))
		if err := r.applyMutationChunks(next.data); err != nil {
			return err
		}
		if err := r.ack(transport, next.serverTick, next.mutateIndex); err != nil {
			return err
		}
		r.notePacketArrived(next.serverTick)
	}
	return nil
}

// applyMutationChunks decodes and applies every (entity, total_bytes,
// (fns_id,bytes)*) chunk in one mutations packet body.
func (r *Receiver) applyMutationChunks(data []byte) error {
	reader := wire.NewReader(data)
	for reader.Len() > 0 {
		serverEntity, err := replicon.DecodeEntity(reader)
		if err != nil {
			return fmt.Errorf("mutation entity: %w", err)
		}
		totalBytes, err := reader.Uvarint()
		if err != nil {
			return fmt.Errorf("mutation total_bytes: %w", err)
		}
		chunk, err := reader.Bytes(int(totalBytes))
		if err != nil {
			return fmt.Errorf("mutation chunk: %w", err)
		}

		local, ok := r.entityMap.ToLocal(serverEntity)
		if !ok {
			// No local entity yet: consume without applying (spec §7
			// "entity mapping miss"), matching the consume-vs-write split
			// §4.5 already uses for history sidecars.
			r.skipped("mutation for unmapped server entity", map[string]any{
				"server_entity": serverEntity,
			})
			cr := wire.NewReader(chunk)
			for cr.Len() > 0 {
				fnsId, err := replicon.DecodeFnsId(cr)
				if err != nil {
					return fmt.Errorf("mutation fns id: %w", err)
				}
				fns, ok := r.registry.Get(fnsId)
				if !ok {
					r.skipped("unknown fns id in mutation", map[string]any{
						"server_entity": serverEntity,
						"fns_id":        fnsId,
					})
					break
				}
				if err := fns.Consume(cr); err != nil {
					return fmt.Errorf("consume component %d: %w", fns.ComponentId, err)
				}
			}
			continue
		}

		if err := r.applyComponentBytes(local, chunk); err != nil {
			return fmt.Errorf("mutation entity %v: %w", serverEntity, err)
		}
	}
	return nil
}

func (r *Receiver) ack(transport channel.ClientTransport, serverTick replicon.Tick, mutateIndex uint16) error {
	var buf bytes.Buffer
	serverTick.Encode(&buf)
	wire.PutUint16LE(&buf, mutateIndex)
	return transport.Send(channel.MutationAcksChannel, buf.Bytes())
}

func (r *Receiver) notePacketExpected(tick replicon.Tick, count int) {
	if !r.trackMutates {
		return
	}
	p, ok := r.progress[tick]
	if !ok {
		p = &tickProgress{}
		r.progress[tick] = p
	}
	p.expected = count
}

func (r *Receiver) notePacketArrived(tick replicon.Tick) {
	if !r.trackMutates {
		return
	}
	p, ok := r.progress[tick]
	if !ok {
		p = &tickProgress{}
		r.progress[tick] = p
	}
	p.received++
	if p.expected > 0 && p.received >= p.expected {
		delete(r.progress, tick)
		if r.OnMutationTick != nil {
			r.OnMutationTick(tick)
		}
	}
}
