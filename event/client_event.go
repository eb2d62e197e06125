package event

import (
	"bytes"
	"fmt"

	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/protocol"
	"github.com/projectharmonia/replicon/wire"
)

// ClientSender is the client-side half of a client->server event: no tick
// is attached, since these carry no ordering constraint relative to
// replication (spec §4.10).
type ClientSender struct {
	defs []clientDef
}

type clientDef struct {
	fns       Fns
	channelId channel.Id
}

// NewClientSender returns a sender with no events registered.
func NewClientSender() *ClientSender {
	return &ClientSender{}
}

// Register allocates a channel for this event type and folds it into
// hasher, if non-nil, in registration order.
func (s *ClientSender) Register(channels *channel.Channels, hasher *protocol.Hasher, kind channel.Kind, fns Fns) Handle {
	id := channels.Register(kind)
	if hasher != nil {
		hasher.AddEvent(protocol.ClientToServer, fns.TypeName)
	}
	s.defs = append(s.defs, clientDef{fns: fns, channelId: id})
	return Handle(len(s.defs) - 1)
}

// Send serializes value and sends it to the server immediately.
func (s *ClientSender) Send(transport channel.ClientTransport, handle Handle, value any) error {
	if int(handle) >= len(s.defs) {
		return fmt.Errorf("event: send: unknown handle %d", handle)
	}
	def := s.defs[handle]
	var buf bytes.Buffer
	if err := def.fns.Serialize(&buf, value); err != nil {
		return fmt.Errorf("event: serialize %s: %w", def.fns.TypeName, err)
	}
	return transport.Send(def.channelId, buf.Bytes())
}

// ClientEvent is one decoded client->server event, tagged with which client
// sent it.
type ClientEvent struct {
	Client channel.ClientId
	Handle Handle
	Value  any
}

// ClientReceiver is the server-side half: decode whatever has arrived on
// each registered event's channel, across all clients.
type ClientReceiver struct {
	defs []clientDef
}

// NewClientReceiver returns a receiver with no events registered.
func NewClientReceiver() *ClientReceiver {
	return &ClientReceiver{}
}

// Register mirrors ClientSender.Register; both peers must register in the
// same order.
func (r *ClientReceiver) Register(channels *channel.Channels, hasher *protocol.Hasher, kind channel.Kind, fns Fns) Handle {
	id := channels.Register(kind)
	if hasher != nil {
		hasher.AddEvent(protocol.ClientToServer, fns.TypeName)
	}
	r.defs = append(r.defs, clientDef{fns: fns, channelId: id})
	return Handle(len(r.defs) - 1)
}

// Receive drains every registered event's channel on transport, across all
// clients, decoding each message. An error decoding one client's message
// does not prevent decoding another's; malformed messages are dropped and
// reported via err for the caller to log (spec §7 treats a deserialization
// failure as a per-message, not per-connection, error).
func (r *ClientReceiver) Receive(transport channel.ServerTransport) ([]ClientEvent, error) {
	var events []ClientEvent
	var firstErr error
	for handle, def := range r.defs {
		for _, msg := range transport.TryRecv(def.channelId) {
			reader := wire.NewReader(msg.Data)
			value, err := def.fns.Deserialize(reader)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("event: decode %s from client %d: %w", def.fns.TypeName, msg.Client, err)
				}
				continue
			}
			events = append(events, ClientEvent{Client: msg.Client, Handle: Handle(handle), Value: value})
		}
	}
	return events, firstErr
}
