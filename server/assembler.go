package server

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/registry"
	"github.com/projectharmonia/replicon/rules"
	"github.com/projectharmonia/replicon/wire"
)

// ComponentValue is one component's current value on a replicated entity,
// together with the ticks the host world last changed it structurally
// (AddedTick) and by value (ChangedTick). The host application's world
// integration supplies these every tick; the engine never inspects a
// concrete ECS itself (spec §1, host world is an external collaborator).
type ComponentValue struct {
	ComponentId replicon.ComponentId
	Value       any
	AddedTick   replicon.Tick
	ChangedTick replicon.Tick
}

// EntityInput describes one currently-alive, `Replicated`-tagged entity as
// of this tick.
type EntityInput struct {
	Entity    replicon.Entity
	Archetype rules.Archetype
	Values    []ComponentValue
}

func (e EntityInput) value(id replicon.ComponentId) (ComponentValue, bool) {
	for _, v := range e.Values {
		if v.ComponentId == id {
			return v, true
		}
	}
	return ComponentValue{}, false
}

// TickInput is the per-tick snapshot the host world hands to the
// assembler: what despawned, what structurally lost components, and the
// full set of currently-alive replicated entities (spec §4.6 "Inputs").
type TickInput struct {
	Tick              replicon.Tick
	Despawned         []replicon.Entity
	RemovedComponents map[replicon.Entity][]replicon.ComponentId
	Entities          []EntityInput
}

// Assembler runs the per-tick message-assembly algorithm (spec §4.6): it
// walks matched archetypes for each authorized client, builds that client's
// updates and mutations buffers, packetizes mutations at the configured
// MTU, and sends both over the supplied transport.
type Assembler struct {
	registry *registry.Registry
	rules    *rules.Rules
	mtu      int
	// trackMutates, when true, prefixes each mutations packet with an
	// explicit packet_count so the client can detect when every packet for
	// a tick has arrived (spec §4.4 "mutation_tick").
	trackMutates bool

	archCache map[string][]rules.Slot
}

// NewAssembler returns an assembler bound to registry and rules, splitting
// mutation packets at mtu bytes.
func NewAssembler(reg *registry.Registry, rs *rules.Rules, mtu int) *Assembler {
	return &Assembler{registry: reg, rules: rs, mtu: mtu, archCache: make(map[string][]rules.Slot)}
}

// TrackMutates enables the optional packet_count header field.
func (a *Assembler) TrackMutates(on bool) {
	a.trackMutates = on
}

func archetypeKey(arch rules.Archetype) string {
	ids := append([]replicon.ComponentId(nil), arch...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%d,", id)
	}
	return b.String()
}

// matchedSlots returns the cached rule match for arch, computing and
// caching it on first use (spec §9 "Archetypes as cached rule matches").
func (a *Assembler) matchedSlots(arch rules.Archetype) []rules.Slot {
	key := archetypeKey(arch)
	if slots, ok := a.archCache[key]; ok {
		return slots
	}
	slots := a.rules.Match(arch)
	a.archCache[key] = slots
	return slots
}

// removedSlots returns the slots that should be recorded as removed for an
// entity whose post-removal archetype is arch and whose structurally
// removed component IDs are removed, walking rules by descending priority
// so a component covered by more than one matching rule is only reported
// once (mirroring Rules.Match's covered-component dedup).
func (a *Assembler) removedSlots(arch rules.Archetype, removed map[replicon.ComponentId]bool) []rules.Slot {
	covered := make(map[replicon.ComponentId]bool)
	var out []rules.Slot
	for _, rule := range a.rules.All() {
		matches, slots := rules.MatchRemoval(rule, arch, removed)
		if !matches {
			continue
		}
		for _, s := range slots {
			if covered[s.ComponentId] {
				continue
			}
			covered[s.ComponentId] = true
			out = append(out, s)
		}
	}
	return out
}

type entityMutation struct {
	entity replicon.Entity
	data   []byte
}

// section accumulates one updates-message array: a running element count
// plus the already-encoded element bytes, kept separate until the message
// is finalized so trailing empty sections can be trimmed without an
// ambiguous zero-length-but-present encoding (spec §6 "trailing empty
// arrays are trimmed").
type section struct {
	count int
	buf   bytes.Buffer
}

// Assemble runs one tick of the algorithm for every authorized client and
// sends the results over transport.
func (a *Assembler) Assemble(transport channel.ServerTransport, clients *ClientsInfo, input TickInput, now time.Time) error {
	despawnedSet := make(map[replicon.Entity]bool, len(input.Despawned))
	for _, e := range input.Despawned {
		despawnedSet[e] = true
	}

	for _, clientId := range clients.Authorized() {
		client, _ := clients.Get(clientId)
		if err := a.assembleClient(transport, client, input, despawnedSet, now); err != nil {
			return fmt.Errorf("server: assemble client %d: %w", clientId, err)
		}
	}
	return nil
}

func (a *Assembler) assembleClient(
	transport channel.ServerTransport,
	client *ClientState,
	input TickInput,
	despawnedSet map[replicon.Entity]bool,
	now time.Time,
) error {
	var mappings, despawns, removals, inserts section
	var mutations []entityMutation

	// Global despawns: only reported to a client that had previously seen
	// the entity (spec edge case "Gained+despawn same tick emits neither" —
	// a never-seen entity has no entityState, so it is silently skipped).
	for _, e := range input.Despawned {
		if _, had := client.entities[e]; had {
			e.Encode(&despawns.buf)
			despawns.count++
			client.forgetEntity(e)
		}
	}

	for _, ei := range input.Entities {
		visible := client.Visibility.IsVisible(ei.Entity)
		state, had := client.entities[ei.Entity]
		slots := a.matchedSlots(ei.Archetype)

		if !visible {
			if had && state.visible {
				// Visibility revoked: tell the client to despawn it locally
				// even though the server entity lives on (Testable
				// Property 5).
				ei.Entity.Encode(&despawns.buf)
				despawns.count++
				client.forgetEntity(ei.Entity)
			}
			continue
		}

		if !had {
			// Gained: emit every covered component's current value as one
			// insert record, and set the floor to the current tick so
			// nothing older is ever re-sent. A pre-registered pending
			// mapping for this entity is flushed first (spec §4.6 step 5).
			if clientEntity, ok := client.takePendingMapping(ei.Entity); ok {
				ei.Entity.Encode(&mappings.buf)
				clientEntity.Encode(&mappings.buf)
				mappings.count++
			}

			var body bytes.Buffer
			for _, slot := range slots {
				cv, ok := ei.value(slot.ComponentId)
				if !ok {
					continue
				}
				slot.FnsId.Encode(&body)
				fns := a.registry.MustGet(slot.FnsId)
				if err := fns.Serialize(&body, cv.Value); err != nil {
					return fmt.Errorf("serialize component %d on gain: %w", slot.ComponentId, err)
				}
			}
			ei.Entity.Encode(&inserts.buf)
			wire.PutUint16LE(&inserts.buf, uint16(body.Len()))
			inserts.buf.Write(body.Bytes())
			inserts.count++
			client.entities[ei.Entity] = &entityState{visible: true, floor: input.Tick}
			continue
		}

		floor := state.floor

		// Removals, bounded to entities not already handled as a global
		// despawn this tick.
		if !despawnedSet[ei.Entity] {
			if removedIds, ok := input.RemovedComponents[ei.Entity]; ok && len(removedIds) > 0 {
				removedSet := make(map[replicon.ComponentId]bool, len(removedIds))
				for _, id := range removedIds {
					removedSet[id] = true
				}
				removedSlots := a.removedSlots(ei.Archetype, removedSet)
				if len(removedSlots) > 0 {
					ei.Entity.Encode(&removals.buf)
					wire.PutArrayLen(&removals.buf, len(removedSlots))
					for _, s := range removedSlots {
						s.FnsId.Encode(&removals.buf)
					}
					removals.count++
				}
			}
		}

		// Inserts (newly added components) vs mutations (value-only
		// changes), both bounded below by the change-tick floor. A
		// component added and changed in the same tick is reported only
		// as an insert (spec edge case "insert wins").
		var insertBody bytes.Buffer
		insertedAny := false
		var mutBody bytes.Buffer
		for _, slot := range slots {
			cv, ok := ei.value(slot.ComponentId)
			if !ok {
				continue
			}
			// A tick is after the floor when its age relative to this tick
			// is smaller than the floor's age; comparing the wrapped ages
			// keeps the test valid across the 2^32 wrap.
			addedSinceFloor := input.Tick-cv.AddedTick < input.Tick-floor
			changedSinceFloor := input.Tick-cv.ChangedTick < input.Tick-floor
			if !addedSinceFloor && !changedSinceFloor {
				continue
			}
			fns := a.registry.MustGet(slot.FnsId)
			if addedSinceFloor {
				insertedAny = true
				slot.FnsId.Encode(&insertBody)
				if err := fns.Serialize(&insertBody, cv.Value); err != nil {
					return fmt.Errorf("serialize component %d on insert: %w", slot.ComponentId, err)
				}
				continue
			}
			slot.FnsId.Encode(&mutBody)
			if err := fns.Serialize(&mutBody, cv.Value); err != nil {
				return fmt.Errorf("serialize component %d on mutation: %w", slot.ComponentId, err)
			}
		}
		if insertedAny {
			ei.Entity.Encode(&inserts.buf)
			wire.PutUint16LE(&inserts.buf, uint16(insertBody.Len()))
			inserts.buf.Write(insertBody.Bytes())
			inserts.count++
		}
		if mutBody.Len() > 0 {
			var chunk bytes.Buffer
			ei.Entity.Encode(&chunk)
			wire.PutUvarint(&chunk, uint64(mutBody.Len()))
			chunk.Write(mutBody.Bytes())
			mutations = append(mutations, entityMutation{entity: ei.Entity, data: chunk.Bytes()})
		}
	}

	updatesMsg := buildUpdatesMessage(input.Tick, mappings, despawns, removals, inserts)
	if updatesMsg != nil {
		if err := transport.Send(client.Client, channel.UpdatesChannel, updatesMsg); err != nil {
			return err
		}
		client.lastSentUpdateTick = input.Tick
	}

	packets := a.packetizeMutations(mutations)
	for _, packet := range packets {
		idx := client.registerMutation(input.Tick, packet.entities, now)

		var buf bytes.Buffer
		wire.PutUvarint(&buf, uint64(client.lastSentUpdateTick))
		input.Tick.Encode(&buf)
		if a.trackMutates {
			wire.PutUvarint(&buf, uint64(len(packets)))
		}
		wire.PutUint16LE(&buf, idx)
		buf.Write(packet.body)

		if err := transport.Send(client.Client, channel.MutationsChannel, buf.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// buildUpdatesMessage concatenates tick + the four sections (mappings,
// despawns, removals, inserts, in that wire order), trimming trailing
// empty sections and suppressing the whole message if every section is
// empty (spec §4.6 edge cases, §6 wire format).
func buildUpdatesMessage(tick replicon.Tick, sections ...section) []byte {
	last := -1
	for i, s := range sections {
		if s.count > 0 {
			last = i
		}
	}
	if last == -1 {
		return nil
	}
	var buf bytes.Buffer
	tick.Encode(&buf)
	for i := 0; i <= last; i++ {
		wire.PutArrayLen(&buf, sections[i].count)
		buf.Write(sections[i].buf.Bytes())
	}
	return buf.Bytes()
}

type mutationPacket struct {
	entities []replicon.Entity
	body     []byte
}

// packetizeMutations splits per-entity mutation chunks into packets no
// larger than the assembler's MTU, splitting only at entity boundaries
// (spec §4.6 step 6, Testable Property 9).
func (a *Assembler) packetizeMutations(chunks []entityMutation) []mutationPacket {
	if len(chunks) == 0 {
		return nil
	}
	var packets []mutationPacket
	var cur mutationPacket
	curLen := 0
	for _, c := range chunks {
		if curLen > 0 && curLen+len(c.data) > a.mtu {
			packets = append(packets, cur)
			cur = mutationPacket{}
			curLen = 0
		}
		cur.entities = append(cur.entities, c.entity)
		cur.body = append(cur.body, c.data...)
		curLen += len(c.data)
	}
	if len(cur.entities) > 0 {
		packets = append(packets, cur)
	}
	return packets
}
