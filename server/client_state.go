package server

import (
	"time"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/channel"
)

// entityState is what the assembler remembers, per client, about one
// entity it has previously shown that client: whether it is currently
// visible, and the change-tick floor below which no value change is
// re-sent (spec GLOSSARY "Change-tick floor").
type entityState struct {
	visible bool
	floor   replicon.Tick
}

// pendingMutation is one in-flight mutations packet awaiting ack, keyed by
// its wrapping 16-bit mutate_index (spec §4.6 step 7).
type pendingMutation struct {
	tick     replicon.Tick
	sentAt   time.Time
	entities []replicon.Entity
}

// ClientState is everything the server tracks for one connected client:
// authorization, visibility policy, per-entity bookkeeping, and in-flight
// mutation packets (spec §2 "Per-client state").
type ClientState struct {
	Client     channel.ClientId
	Authorized bool
	Visibility *Visibility

	entities map[replicon.Entity]*entityState
	pending  map[uint16]*pendingMutation

	nextMutateIndex uint16
	// lastSentUpdateTick is the tick of the most recently sent updates
	// message — used as update_tick_last_seen on this client's next
	// mutations packet (spec §9 open question: defined as "most recently
	// sent", not "most recently acked").
	lastSentUpdateTick replicon.Tick

	// pendingMappings holds server-entity -> client-entity pairs queued by
	// QueueMapping for a pre-spawned entity (spec §4.6 step 5), flushed
	// into the updates message's mapping section the first time that
	// server entity is replicated (Gained) to this client.
	pendingMappings map[replicon.Entity]replicon.Entity
}

// NewClientState returns state for a freshly connected client, not yet
// authorized.
func NewClientState(client channel.ClientId, policy Policy) *ClientState {
	return &ClientState{
		Client:          client,
		Visibility:      NewVisibility(policy),
		entities:        make(map[replicon.Entity]*entityState),
		pending:         make(map[uint16]*pendingMutation),
		pendingMappings: make(map[replicon.Entity]replicon.Entity),
	}
}

// QueueMapping registers a server-entity -> client-entity mapping to be
// sent the next time serverEntity is replicated to this client, letting a
// client that pre-spawned an entity (e.g. for client-side prediction) tell
// the server which local entity a future server entity corresponds to,
// instead of receiving a duplicate spawn (spec §4.6 step 5, Testable
// Property 6 "pre-spawn mapping").
func (c *ClientState) QueueMapping(serverEntity, clientEntity replicon.Entity) {
	c.pendingMappings[serverEntity] = clientEntity
}

// takePendingMapping returns and clears a queued mapping for serverEntity,
// if one was registered via QueueMapping.
func (c *ClientState) takePendingMapping(serverEntity replicon.Entity) (replicon.Entity, bool) {
	clientEntity, ok := c.pendingMappings[serverEntity]
	if ok {
		delete(c.pendingMappings, serverEntity)
	}
	return clientEntity, ok
}

// registerMutation records a sent mutations packet for later ack
// correlation, allocating the next wrapping mutate_index.
func (c *ClientState) registerMutation(tick replicon.Tick, entities []replicon.Entity, now time.Time) uint16 {
	idx := c.nextMutateIndex
	c.nextMutateIndex++
	c.pending[idx] = &pendingMutation{tick: tick, sentAt: now, entities: entities}
	return idx
}

// ApplyAck advances the per-entity last-acked floor (stored as each
// entity's entityState.floor) for every entity in the acked packet, to
// ackedTick if that is newer than the current floor, then drops the
// pending record (spec §4.7).
func (c *ClientState) ApplyAck(mutateIndex uint16, ackedTick replicon.Tick) bool {
	pending, ok := c.pending[mutateIndex]
	if !ok {
		return false
	}
	for _, e := range pending.entities {
		state, ok := c.entities[e]
		if !ok {
			continue
		}
		// state.floor.After(ackedTick, ackedTick) holds exactly when
		// state.floor <= ackedTick (see Tick.After/Newer doc): advance the
		// floor only when the ack is not older than what's already there.
		if state.floor.After(ackedTick, ackedTick) {
			state.floor = ackedTick
		}
	}
	delete(c.pending, mutateIndex)
	return true
}

// Reap drops pending mutation records older than timeout relative to now,
// returning how many were dropped (spec §4.6 step 9, §5 "Cancellation and
// timeouts").
func (c *ClientState) Reap(now time.Time, timeout time.Duration) int {
	dropped := 0
	for idx, p := range c.pending {
		if now.Sub(p.sentAt) > timeout {
			delete(c.pending, idx)
			dropped++
		}
	}
	return dropped
}

// forgetEntity drops all bookkeeping for e, used when it despawns or the
// client's visibility of it is revoked.
func (c *ClientState) forgetEntity(e replicon.Entity) {
	delete(c.entities, e)
	delete(c.pendingMappings, e)
}

// ClientsInfo is the server's registry of connected clients, keyed by
// transport ClientId.
type ClientsInfo struct {
	clients map[channel.ClientId]*ClientState
	policy  Policy
}

// NewClientsInfo returns an empty registry. defaultPolicy is applied to
// every client created by Connect.
func NewClientsInfo(defaultPolicy Policy) *ClientsInfo {
	return &ClientsInfo{clients: make(map[channel.ClientId]*ClientState), policy: defaultPolicy}
}

// Connect creates state for a newly connected client.
func (ci *ClientsInfo) Connect(client channel.ClientId) *ClientState {
	state := NewClientState(client, ci.policy)
	ci.clients[client] = state
	return state
}

// Disconnect drops a client's state entirely.
func (ci *ClientsInfo) Disconnect(client channel.ClientId) {
	delete(ci.clients, client)
}

// Get returns a client's state, if connected.
func (ci *ClientsInfo) Get(client channel.ClientId) (*ClientState, bool) {
	c, ok := ci.clients[client]
	return c, ok
}

// Authorized returns the IDs of every connected, authorized client — the
// only ones the assembler replicates to (spec §4.9).
func (ci *ClientsInfo) Authorized() []channel.ClientId {
	var ids []channel.ClientId
	for id, c := range ci.clients {
		if c.Authorized {
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns every connected client's ID, authorized or not.
func (ci *ClientsInfo) All() []channel.ClientId {
	ids := make([]channel.ClientId, 0, len(ci.clients))
	for id := range ci.clients {
		ids = append(ids, id)
	}
	return ids
}
