// Package natsbus is a channel.ServerTransport/channel.ClientTransport pair
// backed by github.com/nats-io/nats.go, grounded in the reconnect-handler
// and Subscribe/metrics wiring of go-server/pkg/nats/client.go. Unlike
// wsconn's one-socket-per-client model, every participant shares the same
// NATS connection to a broker; per-client addressing is done through
// subject naming instead of a dedicated transport-level connection.
//
// Subject layout, under a configurable Prefix (default "replicon"):
//
//	<prefix>.up.<channelId>             client -> server, channel data
//	<prefix>.down.<clientId>.<channelId> server -> client, channel data
//	<prefix>.connect                    client -> server, presence
//	<prefix>.disconnect                 client -> server, presence
package natsbus

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/internal/logging"
	"github.com/projectharmonia/replicon/internal/metrics"
)

// Config configures the underlying nats.Conn, mirroring the teacher's
// pkg/nats Config fields.
type Config struct {
	URL             string
	Prefix          string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

func (c Config) prefix() string {
	if c.Prefix == "" {
		return "replicon"
	}
	return c.Prefix
}

func connect(cfg Config, logger zerolog.Logger, onDisconnect func(err error)) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("natsbus: connected")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				logging.Error(logger, err, "natsbus: disconnected", nil)
			}
			if onDisconnect != nil {
				onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("natsbus: reconnected")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			logging.Error(logger, err, "natsbus: async error", map[string]any{"subject": subjectOf(sub)})
		}),
	}
	return nats.Connect(cfg.URL, opts...)
}

func subjectOf(sub *nats.Subscription) string {
	if sub == nil {
		return ""
	}
	return sub.Subject
}

// Server is a channel.ServerTransport multiplexing over one shared NATS
// connection, addressing clients by subject rather than by socket.
type Server struct {
	conn   *nats.Conn
	prefix string
	subs   []*nats.Subscription

	mu      sync.Mutex
	inbound map[channel.Id][]channel.ServerMessage
	events  []channel.Event
}

// NewServer connects to the broker and subscribes to the up/connect/
// disconnect subjects for every channel registered in channels.
func NewServer(cfg Config, channels *channel.Channels, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		prefix:  cfg.prefix(),
		inbound: make(map[channel.Id][]channel.ServerMessage),
	}

	conn, err := connect(cfg, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	s.conn = conn

	for id := 0; id < channels.Len(); id++ {
		chID := channel.Id(id)
		sub, err := conn.Subscribe(s.subjectUp(chID), func(msg *nats.Msg) {
			clientID, payload, err := decodeUpMessage(msg.Data)
			if err != nil {
				logging.Error(logger, err, "natsbus: malformed up message", map[string]any{"channel": chID})
				return
			}
			metrics.BytesReceived.WithLabelValues("natsbus").Add(float64(len(payload)))
			s.mu.Lock()
			s.inbound[chID] = append(s.inbound[chID], channel.ServerMessage{
				Client:  clientID,
				Message: channel.Message{Channel: chID, Data: payload},
			})
			s.mu.Unlock()
		})
		if err != nil {
			return nil, fmt.Errorf("natsbus: subscribe %s: %w", s.subjectUp(chID), err)
		}
		s.subs = append(s.subs, sub)
	}

	connectSub, err := conn.Subscribe(s.prefix+".connect", func(msg *nats.Msg) {
		clientID, err := decodePresence(msg.Data)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.events = append(s.events, channel.Event{Client: clientID, Connected: true})
		s.mu.Unlock()
		metrics.ConnectionsTotal.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe connect: %w", err)
	}
	s.subs = append(s.subs, connectSub)

	disconnectSub, err := conn.Subscribe(s.prefix+".disconnect", func(msg *nats.Msg) {
		clientID, err := decodePresence(msg.Data)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.events = append(s.events, channel.Event{Client: clientID, Connected: false, DisconnectReason: "client_disconnect"})
		s.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe disconnect: %w", err)
	}
	s.subs = append(s.subs, disconnectSub)

	return s, nil
}

func (s *Server) subjectUp(ch channel.Id) string {
	return fmt.Sprintf("%s.up.%d", s.prefix, ch)
}

func (s *Server) subjectDown(client channel.ClientId, ch channel.Id) string {
	return fmt.Sprintf("%s.down.%d.%d", s.prefix, client, ch)
}

// Send publishes data to client's down-subject for ch. NATS publish is
// fire-and-forget, matching the non-blocking contract every
// channel.ServerTransport must offer.
func (s *Server) Send(client channel.ClientId, ch channel.Id, data []byte) error {
	if err := s.conn.Publish(s.subjectDown(client, ch), data); err != nil {
		return fmt.Errorf("natsbus: publish: %w", err)
	}
	metrics.BytesSent.WithLabelValues("natsbus").Add(float64(len(data)))
	return nil
}

// TryRecv drains every message received on ch since the last call.
func (s *Server) TryRecv(ch channel.Id) []channel.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.inbound[ch]
	delete(s.inbound, ch)
	return msgs
}

// TryRecvEvents drains connect/disconnect presence notifications since the
// last call.
func (s *Server) TryRecvEvents() []channel.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

// Close drains subscriptions and closes the underlying connection.
func (s *Server) Close() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.conn.Close()
}

// Client is a channel.ClientTransport publishing to a Server's up-subjects
// and subscribing to its own down-subjects.
type Client struct {
	conn     *nats.Conn
	prefix   string
	id       channel.ClientId
	sub      *nats.Subscription
	closed   atomicBool

	mu      sync.Mutex
	inbound map[channel.Id][][]byte
}

// Connect dials the broker, announces presence under a fresh random
// ClientId, and subscribes to that id's down-subjects.
func Connect(cfg Config, logger zerolog.Logger) (*Client, error) {
	id, err := randomClientID()
	if err != nil {
		return nil, fmt.Errorf("natsbus: generate client id: %w", err)
	}

	c := &Client{prefix: cfg.prefix(), id: id, inbound: make(map[channel.Id][][]byte)}
	conn, err := connect(cfg, logger, func(error) { c.closed.set(true) })
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	c.conn = conn

	sub, err := conn.Subscribe(fmt.Sprintf("%s.down.%d.*", cfg.prefix(), id), func(msg *nats.Msg) {
		ch, err := subjectChannel(msg.Subject)
		if err != nil {
			logging.Error(logger, err, "natsbus: malformed down subject", map[string]any{"subject": msg.Subject})
			return
		}
		metrics.BytesReceived.WithLabelValues("natsbus").Add(float64(len(msg.Data)))
		c.mu.Lock()
		c.inbound[ch] = append(c.inbound[ch], msg.Data)
		c.mu.Unlock()
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbus: subscribe down: %w", err)
	}
	c.sub = sub

	if err := conn.Publish(c.prefix+".connect", encodePresence(id)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbus: announce connect: %w", err)
	}
	return c, nil
}

// ClientId reports the ID this client announced itself under.
func (c *Client) ClientId() channel.ClientId {
	return c.id
}

// Send publishes data to the server's up-subject for ch, tagged with this
// client's id so the server can route TryRecv results back to a
// per-client ClientsInfo entry.
func (c *Client) Send(ch channel.Id, data []byte) error {
	if err := c.conn.Publish(fmt.Sprintf("%s.up.%d", c.prefix, ch), encodeUpMessage(c.id, data)); err != nil {
		return fmt.Errorf("natsbus: publish: %w", err)
	}
	metrics.BytesSent.WithLabelValues("natsbus").Add(float64(len(data)))
	return nil
}

// TryRecv drains every message received on ch since the last call.
func (c *Client) TryRecv(ch channel.Id) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.inbound[ch]
	delete(c.inbound, ch)
	return msgs
}

// Connected reports whether the underlying NATS connection believes it is
// connected.
func (c *Client) Connected() bool {
	return !c.closed.get() && c.conn.IsConnected()
}

// Close announces disconnect and tears down the subscription/connection.
func (c *Client) Close() error {
	c.conn.Publish(c.prefix+".disconnect", encodePresence(c.id))
	c.sub.Unsubscribe()
	c.conn.Close()
	c.closed.set(true)
	return nil
}

func randomClientID() (channel.ClientId, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return channel.ClientId(binary.LittleEndian.Uint64(b[:])), nil
}

func encodePresence(id channel.ClientId) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func decodePresence(data []byte) (channel.ClientId, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("natsbus: presence message must be 8 bytes, got %d", len(data))
	}
	return channel.ClientId(binary.LittleEndian.Uint64(data)), nil
}

func encodeUpMessage(id channel.ClientId, data []byte) []byte {
	var buf bytes.Buffer
	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], uint64(id))
	buf.Write(idBytes[:])
	buf.Write(data)
	return buf.Bytes()
}

func decodeUpMessage(data []byte) (channel.ClientId, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("natsbus: up message shorter than client id header")
	}
	id := channel.ClientId(binary.LittleEndian.Uint64(data[:8]))
	return id, data[8:], nil
}

func subjectChannel(subject string) (channel.Id, error) {
	idx := bytes.LastIndexByte([]byte(subject), '.')
	if idx < 0 {
		return 0, fmt.Errorf("natsbus: malformed subject %q", subject)
	}
	var n uint64
	for _, r := range subject[idx+1:] {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("natsbus: malformed subject %q", subject)
		}
		n = n*10 + uint64(r-'0')
	}
	return channel.Id(n), nil
}

// atomicBool is a tiny helper so Client doesn't need to import sync/atomic
// just for one flag alongside its mutex-guarded maps.
type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (b *atomicBool) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *atomicBool) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}
