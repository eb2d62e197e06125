package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/wire"
)

type ackTransport struct {
	*fakeTransport
	events []channel.Event
	acks   []channel.ServerMessage
}

func (t *ackTransport) TryRecvEvents() []channel.Event {
	ev := t.events
	t.events = nil
	return ev
}

func (t *ackTransport) TryRecv(ch channel.Id) []channel.ServerMessage {
	if ch != channel.MutationAcksChannel {
		return nil
	}
	msgs := t.acks
	t.acks = nil
	return msgs
}

func TestSendLoopConnectsAndAppliesAcks(t *testing.T) {
	a, _, _, _ := newTestAssembler()
	clients := NewClientsInfo(All)
	transport := &ackTransport{fakeTransport: newFakeTransport()}
	loop := NewSendLoop(clients, a, transport)

	transport.events = []channel.Event{{Client: 1, Connected: true}}

	client, ok := clients.Get(1)
	if ok {
		t.Fatalf("client should not exist before the first tick")
	}
	_ = client

	if err := loop.Tick(TickInput{Tick: 1}, time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	state, ok := clients.Get(1)
	if !ok {
		t.Fatalf("expected client 1 to be connected after the connect event")
	}
	state.Authorized = true
	entity := replicon.NewEntity(1, 0)
	idx := state.registerMutation(5, []replicon.Entity{entity}, time.Now())
	state.entities[entity] = &entityState{visible: true, floor: 3}

	var ackBuf bytes.Buffer
	replicon.Tick(5).Encode(&ackBuf)
	wire.PutUint16LE(&ackBuf, idx)
	transport.acks = []channel.ServerMessage{{
		Client:  1,
		Message: channel.Message{Channel: channel.MutationAcksChannel, Data: ackBuf.Bytes()},
	}}

	if err := loop.Tick(TickInput{Tick: 2}, time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if state.entities[entity].floor != 5 {
		t.Errorf("floor = %d, want 5 after ack applied", state.entities[entity].floor)
	}
	if _, pending := state.pending[idx]; pending {
		t.Errorf("pending mutation record should be cleared once acked")
	}
}

func TestSendLoopDisconnectDropsState(t *testing.T) {
	a, _, _, _ := newTestAssembler()
	clients := NewClientsInfo(All)
	clients.Connect(1)
	transport := &ackTransport{fakeTransport: newFakeTransport()}
	loop := NewSendLoop(clients, a, transport)

	transport.events = []channel.Event{{Client: 1, Connected: false}}
	if err := loop.Tick(TickInput{Tick: 1}, time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := clients.Get(1); ok {
		t.Errorf("expected client 1 to be dropped after disconnect event")
	}
}

func TestReapDropsStalePendingWithoutTouchingFloor(t *testing.T) {
	a, _, _, _ := newTestAssembler()
	clients := NewClientsInfo(All)
	transport := &ackTransport{fakeTransport: newFakeTransport()}
	loop := NewSendLoop(clients, a, transport)
	loop.Timeout = time.Millisecond

	state := clients.Connect(1)
	entity := replicon.NewEntity(1, 0)
	state.entities[entity] = &entityState{visible: true, floor: 3}
	state.registerMutation(5, []replicon.Entity{entity}, time.Now().Add(-time.Hour))

	if err := loop.Tick(TickInput{Tick: 2}, time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(state.pending) != 0 {
		t.Errorf("expected stale pending record to be reaped, got %d remaining", len(state.pending))
	}
	if state.entities[entity].floor != 3 {
		t.Errorf("reap must not move the floor, got %d", state.entities[entity].floor)
	}
}
