package event

import (
	"bytes"
	"fmt"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/protocol"
	"github.com/projectharmonia/replicon/wire"
)

// ServerSender is the server-side half of the remote-event layer: queue
// events during a tick, then Flush once per send loop iteration (spec
// §4.7), after the replication assembler has run so that a broadcast event
// is never written to the wire ahead of the update that spawned the entity
// it references.
type ServerSender struct {
	defs    []serverDef
	pending []pendingSend
}

type serverDef struct {
	fns       Fns
	channelId channel.Id
}

type pendingSend struct {
	handle Handle
	mode   SendMode
	target channel.ClientId
	tick   replicon.Tick
	value  any
}

// NewServerSender returns a sender with no events registered.
func NewServerSender() *ServerSender {
	return &ServerSender{}
}

// Register allocates a channel for this event type (kind is usually
// ReliableOrdered so the event itself cannot be dropped, even though its
// application may be deferred by tick-gating) and folds its direction and
// type name into hasher, if non-nil, in registration order (spec §4.9).
// Both peers must call Register for the same events in the same order.
func (s *ServerSender) Register(channels *channel.Channels, hasher *protocol.Hasher, kind channel.Kind, fns Fns) Handle {
	id := channels.Register(kind)
	if hasher != nil {
		hasher.AddEvent(protocol.ServerToClient, fns.TypeName)
	}
	s.defs = append(s.defs, serverDef{fns: fns, channelId: id})
	return Handle(len(s.defs) - 1)
}

// Queue enqueues value for delivery according to mode, tagged with tick —
// normally the server's current tick, the value the client will compare its
// own applied update tick against before applying the event (spec
// §4.10). target is only meaningful for Direct and BroadcastExcept.
func (s *ServerSender) Queue(handle Handle, mode SendMode, target channel.ClientId, tick replicon.Tick, value any) {
	s.pending = append(s.pending, pendingSend{handle: handle, mode: mode, target: target, tick: tick, value: value})
}

// Flush serializes and sends every queued event to transport, then clears
// the queue. clients lists every currently connected client, used to
// resolve Broadcast and BroadcastExcept.
func (s *ServerSender) Flush(transport channel.ServerTransport, clients []channel.ClientId) error {
	for _, p := range s.pending {
		if int(p.handle) >= len(s.defs) {
			return fmt.Errorf("event: send: unknown handle %d", p.handle)
		}
		def := s.defs[p.handle]

		var buf bytes.Buffer
		p.tick.Encode(&buf)
		if err := def.fns.Serialize(&buf, p.value); err != nil {
			return fmt.Errorf("event: serialize %s: %w", def.fns.TypeName, err)
		}
		data := buf.Bytes()

		switch p.mode {
		case Broadcast:
			for _, c := range clients {
				if err := transport.Send(c, def.channelId, data); err != nil {
					return err
				}
			}
		case BroadcastExcept:
			for _, c := range clients {
				if c == p.target {
					continue
				}
				if err := transport.Send(c, def.channelId, data); err != nil {
					return err
				}
			}
		case Direct:
			if err := transport.Send(p.target, def.channelId, data); err != nil {
				return err
			}
		}
	}
	s.pending = s.pending[:0]
	return nil
}

// ReadyEvent is one server event the client may now apply: its tick has
// been covered by a replication update the client has already processed.
type ReadyEvent struct {
	Handle Handle
	Tick   replicon.Tick
	Value  any
}

type queuedServerEvent struct {
	tick   replicon.Tick
	handle Handle
	value  any
}

// ServerReceiver is the client-side half: decode incoming server events,
// applying them immediately if their tick has already been covered by a
// replication update, or holding them in arrival order until it is (spec
// §4.10, mirroring the core's own causal-ordering rule for mutations).
type ServerReceiver struct {
	defs  []serverDef
	queue []queuedServerEvent
}

// NewServerReceiver returns a receiver with no events registered.
func NewServerReceiver() *ServerReceiver {
	return &ServerReceiver{}
}

// Register mirrors ServerSender.Register; both must be called in the same
// order as the server's registrations.
func (r *ServerReceiver) Register(channels *channel.Channels, hasher *protocol.Hasher, kind channel.Kind, fns Fns) Handle {
	id := channels.Register(kind)
	if hasher != nil {
		hasher.AddEvent(protocol.ServerToClient, fns.TypeName)
	}
	r.defs = append(r.defs, serverDef{fns: fns, channelId: id})
	return Handle(len(r.defs) - 1)
}

// PopReady drains and returns every previously queued event whose tick has
// now been covered by updateTick, in the order they were originally queued.
// Call this before Receive each tick, mirroring the teacher's
// pop-then-receive ordering.
func (r *ServerReceiver) PopReady(updateTick replicon.Tick) []ReadyEvent {
	var ready []ReadyEvent
	var remaining []queuedServerEvent
	for _, q := range r.queue {
		if q.tick.After(updateTick, updateTick) {
			ready = append(ready, ReadyEvent{Handle: q.handle, Tick: q.tick, Value: q.value})
		} else {
			remaining = append(remaining, q)
		}
	}
	r.queue = remaining
	return ready
}

// Receive drains every registered event's channel on transport, decoding
// each message's tick prefix and value. Events whose tick is already
// covered by updateTick are returned directly; the rest are queued for a
// future PopReady once the client's update tick advances far enough.
func (r *ServerReceiver) Receive(transport channel.ClientTransport, updateTick replicon.Tick) ([]ReadyEvent, error) {
	var ready []ReadyEvent
	for handle, def := range r.defs {
		for _, data := range transport.TryRecv(def.channelId) {
			reader := wire.NewReader(data)
			tick, err := replicon.DecodeTick(reader)
			if err != nil {
				return ready, fmt.Errorf("event: decode %s tick: %w", def.fns.TypeName, err)
			}
			value, err := def.fns.Deserialize(reader)
			if err != nil {
				return ready, fmt.Errorf("event: decode %s: %w", def.fns.TypeName, err)
			}
			if tick.After(updateTick, updateTick) {
				ready = append(ready, ReadyEvent{Handle: Handle(handle), Tick: tick, Value: value})
			} else {
				r.queue = append(r.queue, queuedServerEvent{tick: tick, handle: Handle(handle), value: value})
			}
		}
	}
	return ready, nil
}

// Discard drops every queued event without applying it, used on disconnect
// to ensure a clean reconnect never applies stale events from a previous
// session (mirrors the teacher's reset-on-disconnect for event queues).
func (r *ServerReceiver) Discard() int {
	n := len(r.queue)
	r.queue = nil
	return n
}
