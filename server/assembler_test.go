package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/registry"
	"github.com/projectharmonia/replicon/rules"
	"github.com/projectharmonia/replicon/wire"
)

// fakeTransport is a minimal in-memory channel.ServerTransport recording
// every Send call, keyed by client then channel, in send order.
type fakeTransport struct {
	sent map[channel.ClientId]map[channel.Id][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[channel.ClientId]map[channel.Id][][]byte)}
}

func (f *fakeTransport) Send(client channel.ClientId, ch channel.Id, data []byte) error {
	if f.sent[client] == nil {
		f.sent[client] = make(map[channel.Id][][]byte)
	}
	cp := append([]byte(nil), data...)
	f.sent[client][ch] = append(f.sent[client][ch], cp)
	return nil
}

func (f *fakeTransport) TryRecv(ch channel.Id) []channel.ServerMessage { return nil }
func (f *fakeTransport) TryRecvEvents() []channel.Event                { return nil }

type position struct{ X, Y float32 }

func positionFns(id replicon.ComponentId) registry.Fns {
	return registry.Component(
		id,
		func(buf *bytes.Buffer, v position) error {
			wire.PutUvarint(buf, uint64(uint32(v.X)))
			wire.PutUvarint(buf, uint64(uint32(v.Y)))
			return nil
		},
		func(r *wire.Reader) (position, error) {
			x, err := r.Uvarint()
			if err != nil {
				return position{}, err
			}
			y, err := r.Uvarint()
			if err != nil {
				return position{}, err
			}
			return position{X: float32(uint32(x)), Y: float32(uint32(y))}, nil
		},
	)
}

func newTestAssembler() (*Assembler, *registry.Registry, replicon.FnsId, rules.Archetype) {
	const posId replicon.ComponentId = 1
	reg := registry.NewRegistry()
	fnsId := reg.Register(positionFns(posId))

	rs := rules.NewRules()
	rs.Register([]rules.Slot{{ComponentId: posId, FnsId: fnsId}}, 1)

	arch := rules.Archetype{posId}
	return NewAssembler(reg, rs, 1024), reg, fnsId, arch
}

// readUpdates decodes an updates message exactly as the wire format lays it
// out (tick, then mappings/despawns/removals/inserts, each a count followed
// by that many fixed-shape elements), stopping at whichever section the
// message was trimmed after, and returns each section's element count.
func readUpdates(t *testing.T, data []byte) (tick replicon.Tick, mappings, despawns, removals, inserts int) {
	t.Helper()
	r := wire.NewReader(data)
	tick, err := replicon.DecodeTick(r)
	if err != nil {
		t.Fatalf("decode tick: %v", err)
	}

	if r.Len() == 0 {
		return
	}
	mappings, err = r.ArrayLen()
	if err != nil {
		t.Fatalf("mappings len: %v", err)
	}
	for i := 0; i < mappings; i++ {
		if _, err := replicon.DecodeEntity(r); err != nil {
			t.Fatalf("mapping server entity %d: %v", i, err)
		}
		if _, err := replicon.DecodeEntity(r); err != nil {
			t.Fatalf("mapping client entity %d: %v", i, err)
		}
	}

	if r.Len() == 0 {
		return
	}
	despawns, err = r.ArrayLen()
	if err != nil {
		t.Fatalf("despawns len: %v", err)
	}
	for i := 0; i < despawns; i++ {
		if _, err := replicon.DecodeEntity(r); err != nil {
			t.Fatalf("despawn entity %d: %v", i, err)
		}
	}

	if r.Len() == 0 {
		return
	}
	removals, err = r.ArrayLen()
	if err != nil {
		t.Fatalf("removals len: %v", err)
	}
	for i := 0; i < removals; i++ {
		if _, err := replicon.DecodeEntity(r); err != nil {
			t.Fatalf("removal entity %d: %v", i, err)
		}
		n, err := r.ArrayLen()
		if err != nil {
			t.Fatalf("removal fns count %d: %v", i, err)
		}
		for j := 0; j < n; j++ {
			if _, err := replicon.DecodeFnsId(r); err != nil {
				t.Fatalf("removal fns id %d/%d: %v", i, j, err)
			}
		}
	}

	if r.Len() == 0 {
		return
	}
	inserts, err = r.ArrayLen()
	if err != nil {
		t.Fatalf("inserts len: %v", err)
	}
	for i := 0; i < inserts; i++ {
		if _, err := replicon.DecodeEntity(r); err != nil {
			t.Fatalf("insert entity %d: %v", i, err)
		}
		n, err := r.Uint16LE()
		if err != nil {
			t.Fatalf("insert body len %d: %v", i, err)
		}
		if _, err := r.Bytes(int(n)); err != nil {
			t.Fatalf("insert body %d: %v", i, err)
		}
	}
	return
}

func TestAssembleGainEmitsInsertAndSetsFloor(t *testing.T) {
	a, _, fnsId, arch := newTestAssembler()
	_ = fnsId
	clients := NewClientsInfo(All)
	client := clients.Connect(1)
	client.Authorized = true

	entity := replicon.NewEntity(1, 0)
	input := TickInput{
		Tick: 5,
		Entities: []EntityInput{
			{Entity: entity, Archetype: arch, Values: []ComponentValue{
				{ComponentId: 1, Value: position{X: 1, Y: 2}, AddedTick: 5, ChangedTick: 5},
			}},
		},
	}

	transport := newFakeTransport()
	if err := a.Assemble(transport, clients, input, time.Now()); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	msgs := transport.sent[1][channel.UpdatesChannel]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 updates message, got %d", len(msgs))
	}
	tick, mappings, despawns, removals, inserts := readUpdates(t, msgs[0])
	if tick != 5 {
		t.Errorf("tick = %d, want 5", tick)
	}
	if mappings != 0 || despawns != 0 || removals != 0 {
		t.Errorf("expected only inserts section populated, got mappings=%d despawns=%d removals=%d", mappings, despawns, removals)
	}
	if inserts != 1 {
		t.Errorf("inserts = %d, want 1", inserts)
	}

	state, ok := client.entities[entity]
	if !ok || state.floor != 5 {
		t.Fatalf("expected floor set to gain tick, got %+v ok=%v", state, ok)
	}
}

func TestAssembleNoChangesProducesNoMessage(t *testing.T) {
	a, _, _, arch := newTestAssembler()
	clients := NewClientsInfo(All)
	client := clients.Connect(1)
	client.Authorized = true

	entity := replicon.NewEntity(1, 0)
	client.entities[entity] = &entityState{visible: true, floor: 5}

	input := TickInput{
		Tick: 6,
		Entities: []EntityInput{
			{Entity: entity, Archetype: arch, Values: []ComponentValue{
				{ComponentId: 1, Value: position{X: 1, Y: 2}, AddedTick: 3, ChangedTick: 3},
			}},
		},
	}

	transport := newFakeTransport()
	if err := a.Assemble(transport, clients, input, time.Now()); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(transport.sent[1][channel.UpdatesChannel]) != 0 {
		t.Errorf("expected no updates message when nothing changed since the floor")
	}
	if len(transport.sent[1][channel.MutationsChannel]) != 0 {
		t.Errorf("expected no mutations message when nothing changed since the floor")
	}
}

func TestAssembleChangeAfterFloorProducesMutation(t *testing.T) {
	a, _, _, arch := newTestAssembler()
	clients := NewClientsInfo(All)
	client := clients.Connect(1)
	client.Authorized = true

	entity := replicon.NewEntity(1, 0)
	client.entities[entity] = &entityState{visible: true, floor: 5}

	input := TickInput{
		Tick: 7,
		Entities: []EntityInput{
			{Entity: entity, Archetype: arch, Values: []ComponentValue{
				{ComponentId: 1, Value: position{X: 9, Y: 9}, AddedTick: 3, ChangedTick: 6},
			}},
		},
	}

	transport := newFakeTransport()
	if err := a.Assemble(transport, clients, input, time.Now()); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(transport.sent[1][channel.UpdatesChannel]) != 0 {
		t.Errorf("a value-only change should not produce an updates message")
	}
	mutations := transport.sent[1][channel.MutationsChannel]
	if len(mutations) != 1 {
		t.Fatalf("expected 1 mutations packet, got %d", len(mutations))
	}
}

func TestAssembleInsertWinsOverMutationSameTick(t *testing.T) {
	a, _, _, arch := newTestAssembler()
	clients := NewClientsInfo(All)
	client := clients.Connect(1)
	client.Authorized = true

	entity := replicon.NewEntity(1, 0)
	client.entities[entity] = &entityState{visible: true, floor: 5}

	// Added and changed in the same tick, both after the floor: spec says
	// this is reported only as an insert, never also as a mutation.
	input := TickInput{
		Tick: 6,
		Entities: []EntityInput{
			{Entity: entity, Archetype: arch, Values: []ComponentValue{
				{ComponentId: 1, Value: position{X: 1, Y: 1}, AddedTick: 6, ChangedTick: 6},
			}},
		},
	}

	transport := newFakeTransport()
	if err := a.Assemble(transport, clients, input, time.Now()); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(transport.sent[1][channel.MutationsChannel]) != 0 {
		t.Errorf("insert should suppress the mutation for the same component")
	}
	msgs := transport.sent[1][channel.UpdatesChannel]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 updates message, got %d", len(msgs))
	}
	_, _, _, _, inserts := readUpdates(t, msgs[0])
	if inserts != 1 {
		t.Errorf("inserts = %d, want 1", inserts)
	}
}

func TestAssembleVisibilityRevokedEmitsDespawn(t *testing.T) {
	a, _, _, arch := newTestAssembler()
	clients := NewClientsInfo(Whitelist)
	client := clients.Connect(1)
	client.Authorized = true

	entity := replicon.NewEntity(1, 0)
	client.Visibility.Allow(entity)
	client.entities[entity] = &entityState{visible: true, floor: 5}

	input := TickInput{
		Tick: 6,
		Entities: []EntityInput{
			{Entity: entity, Archetype: arch, Values: []ComponentValue{
				{ComponentId: 1, Value: position{X: 1, Y: 1}, AddedTick: 6, ChangedTick: 6},
			}},
		},
	}

	client.Visibility.Disallow(entity)

	transport := newFakeTransport()
	if err := a.Assemble(transport, clients, input, time.Now()); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	msgs := transport.sent[1][channel.UpdatesChannel]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 updates message, got %d", len(msgs))
	}
	_, _, despawns, _, inserts := readUpdates(t, msgs[0])
	if despawns != 1 {
		t.Errorf("despawns = %d, want 1", despawns)
	}
	if inserts != 0 {
		t.Errorf("inserts = %d, want 0 once visibility is revoked", inserts)
	}
	if _, had := client.entities[entity]; had {
		t.Errorf("entity bookkeeping should be dropped once visibility is revoked")
	}
}

func TestAssembleGainedThenDespawnedSameTickEmitsNeither(t *testing.T) {
	a, _, _, arch := newTestAssembler()
	clients := NewClientsInfo(All)
	client := clients.Connect(1)
	client.Authorized = true

	entity := replicon.NewEntity(1, 0)
	input := TickInput{
		Tick:      6,
		Despawned: []replicon.Entity{entity},
		Entities:  nil, // despawned this tick, never appears as alive input
	}
	_ = arch

	transport := newFakeTransport()
	if err := a.Assemble(transport, clients, input, time.Now()); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(transport.sent[1][channel.UpdatesChannel]) != 0 {
		t.Errorf("an entity never previously seen should not be reported as despawned")
	}
}

func TestPacketizeMutationsSplitsAtEntityBoundary(t *testing.T) {
	a, _, _, _ := newTestAssembler()
	a.mtu = 10

	chunks := []entityMutation{
		{entity: replicon.NewEntity(1, 0), data: bytes.Repeat([]byte{1}, 6)},
		{entity: replicon.NewEntity(2, 0), data: bytes.Repeat([]byte{2}, 6)},
		{entity: replicon.NewEntity(3, 0), data: bytes.Repeat([]byte{3}, 3)},
	}
	packets := a.packetizeMutations(chunks)
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}
	if len(packets[0].entities) != 1 || len(packets[1].entities) != 2 {
		t.Fatalf("expected split after first entity, got %d and %d entities", len(packets[0].entities), len(packets[1].entities))
	}
}

func TestBuildUpdatesMessageTrimsTrailingEmptySections(t *testing.T) {
	var despawns section
	replicon.NewEntity(1, 0).Encode(&despawns.buf)
	despawns.count = 1

	data := buildUpdatesMessage(replicon.Tick(3), section{}, despawns, section{}, section{})
	r := wire.NewReader(data)
	tick, err := replicon.DecodeTick(r)
	if err != nil || tick != 3 {
		t.Fatalf("decode tick: %v %v", tick, err)
	}
	n, err := r.ArrayLen()
	if err != nil || n != 0 {
		t.Fatalf("mappings len: %d %v", n, err)
	}
	n, err = r.ArrayLen()
	if err != nil || n != 1 {
		t.Fatalf("despawns len: %d %v", n, err)
	}
	if r.Len() == 0 {
		t.Fatalf("expected despawn entity bytes to follow")
	}
	// removals and inserts (both empty, and trailing) must not appear at all.
}

func TestBuildUpdatesMessageAllEmptySuppressesMessage(t *testing.T) {
	data := buildUpdatesMessage(replicon.Tick(3), section{}, section{}, section{}, section{})
	if data != nil {
		t.Errorf("expected nil for an entirely empty message, got %d bytes", len(data))
	}
}

func TestQueueMappingFlushedOnGain(t *testing.T) {
	a, _, _, arch := newTestAssembler()
	clients := NewClientsInfo(All)
	client := clients.Connect(1)
	client.Authorized = true

	serverEntity := replicon.NewEntity(1, 0)
	clientEntity := replicon.NewEntity(99, 0)
	client.QueueMapping(serverEntity, clientEntity)

	input := TickInput{
		Tick: 5,
		Entities: []EntityInput{
			{Entity: serverEntity, Archetype: arch, Values: []ComponentValue{
				{ComponentId: 1, Value: position{X: 1, Y: 1}, AddedTick: 5, ChangedTick: 5},
			}},
		},
	}

	transport := newFakeTransport()
	if err := a.Assemble(transport, clients, input, time.Now()); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	msgs := transport.sent[1][channel.UpdatesChannel]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 updates message, got %d", len(msgs))
	}
	_, mappings, _, _, _ := readUpdates(t, msgs[0])
	if mappings != 1 {
		t.Errorf("mappings = %d, want 1", mappings)
	}
	if _, pending := client.pendingMappings[serverEntity]; pending {
		t.Errorf("pending mapping should be cleared once flushed")
	}
}
