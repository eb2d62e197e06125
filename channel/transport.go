package channel

// ClientId identifies one connected client from the server's point of view.
// It is assigned by the transport at connect time and is never the same
// value as any entity ID — it is purely a connection handle.
type ClientId uint64

// Event is a connect/disconnect notification the server transport surfaces
// once per tick so the core can create or drop per-client state (spec §4.7).
type Event struct {
	Client     ClientId
	Connected  bool   // true = connect, false = disconnect
	DisconnectReason string // only meaningful when Connected is false
}

// Message is one opaque byte payload received on a channel.
type Message struct {
	Channel Id
	Data    []byte
}

// ServerMessage is a Message tagged with which client sent it.
type ServerMessage struct {
	Client ClientId
	Message
}

// ServerTransport is the server-side half of the channel abstraction: push
// bytes to a specific client on a channel, and drain whatever has arrived
// since the last poll. All methods are non-blocking — the core polls once
// per tick and never waits on I/O (spec §5).
type ServerTransport interface {
	// Send enqueues data for delivery to client on channel, honoring that
	// channel's registered delivery guarantee. The transport never blocks;
	// an unreliable channel may drop the message under its own congestion
	// control without the core being informed.
	Send(client ClientId, ch Id, data []byte) error

	// TryRecv drains all messages received on ch since the last call,
	// across all clients, returning immediately with whatever is queued.
	TryRecv(ch Id) []ServerMessage

	// TryRecvEvents drains connect/disconnect notifications since the last
	// call.
	TryRecvEvents() []Event
}

// ClientTransport is the client-side half: send to the server, drain
// messages arrived on a channel.
type ClientTransport interface {
	// Send enqueues data for delivery to the server on ch.
	Send(ch Id, data []byte) error

	// TryRecv drains all messages received on ch since the last call.
	TryRecv(ch Id) [][]byte

	// Connected reports whether the underlying connection is currently
	// established.
	Connected() bool
}
