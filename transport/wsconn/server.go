// Package wsconn is a channel.ServerTransport/channel.ClientTransport pair
// backed by raw WebSocket framing from github.com/gobwas/ws, grounded in
// the teacher's handlers_ws.go/pump_write.go/server.go readPump-writePump
// split. Every replication channel (spec package channel) is multiplexed
// over one WebSocket connection per client: each frame is a small envelope
// — a varint channel.Id followed by the channel's payload — so the
// logical channel set never needs its own socket.
package wsconn

import (
	"bytes"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/internal/logging"
	"github.com/projectharmonia/replicon/internal/metrics"
	"github.com/projectharmonia/replicon/wire"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// serverConn is one accepted WebSocket connection and its per-client send
// queue, mirroring the teacher's Client struct.
type serverConn struct {
	id        channel.ClientId
	conn      net.Conn
	send      chan []byte
	closeOnce sync.Once
}

// Server is a channel.ServerTransport that accepts WebSocket upgrades on an
// http.Handler and multiplexes every registered channel over one socket
// per client.
type Server struct {
	channels *channel.Channels
	logger   zerolog.Logger

	// connLimiter throttles upgrade attempts, mirroring the teacher's
	// ConnectionRateLimiter global token bucket (per-IP tracking is left to
	// a reverse proxy in front of this listener).
	connLimiter *rate.Limiter

	nextID  atomic.Uint64
	clients sync.Map // channel.ClientId -> *serverConn

	mu      sync.Mutex
	inbound map[channel.Id][]channel.ServerMessage
	events  []channel.Event
}

// NewServer returns a Server ready to accept connections. channels must be
// the same registry the replication core uses, so envelope channel IDs
// decode consistently on both ends.
func NewServer(channels *channel.Channels, logger zerolog.Logger) *Server {
	return NewServerWithLimit(channels, logger, 50, 300)
}

// NewServerWithLimit is NewServer with an explicit global connection-attempt
// token bucket: connRate sustained connections/sec, connBurst burst size.
func NewServerWithLimit(channels *channel.Channels, logger zerolog.Logger, connRate float64, connBurst int) *Server {
	return &Server{
		channels:    channels,
		logger:      logger,
		connLimiter: rate.NewLimiter(rate.Limit(connRate), connBurst),
		inbound:     make(map[channel.Id][]channel.ServerMessage),
	}
}

// Handler returns the http.HandlerFunc to mount at the WebSocket upgrade
// path.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleUpgrade
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.connLimiter.Allow() {
		metrics.SkippedComponents.WithLabelValues("wsconn connection rate limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logging.Error(s.logger, err, "wsconn: websocket upgrade failed", map[string]any{
			"remote_addr": r.RemoteAddr,
		})
		return
	}

	id := channel.ClientId(s.nextID.Add(1))
	c := &serverConn{id: id, conn: conn, send: make(chan []byte, sendBuffer)}
	s.clients.Store(id, c)

	s.mu.Lock()
	s.events = append(s.events, channel.Event{Client: id, Connected: true})
	s.mu.Unlock()
	metrics.ConnectionsTotal.Inc()

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *serverConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { c.conn.Close() })
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpBinary, data); err != nil {
				logging.Error(s.logger, err, "wsconn: write failed", map[string]any{"client": c.id})
				return
			}
			metrics.BytesSent.WithLabelValues("wsconn").Add(float64(len(data)))
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *serverConn) {
	defer s.disconnect(c, "read_error")
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if op != ws.OpBinary && op != ws.OpText {
			continue
		}
		metrics.BytesReceived.WithLabelValues("wsconn").Add(float64(len(data)))

		chID, payload, err := decodeEnvelope(data)
		if err != nil {
			logging.Error(s.logger, err, "wsconn: malformed envelope", map[string]any{"client": c.id})
			continue
		}

		s.mu.Lock()
		s.inbound[chID] = append(s.inbound[chID], channel.ServerMessage{
			Client:  c.id,
			Message: channel.Message{Channel: chID, Data: payload},
		})
		s.mu.Unlock()
	}
}

func (s *Server) disconnect(c *serverConn, reason string) {
	if _, loaded := s.clients.LoadAndDelete(c.id); !loaded {
		return
	}
	c.closeOnce.Do(func() { c.conn.Close() })

	s.mu.Lock()
	s.events = append(s.events, channel.Event{Client: c.id, Connected: false, DisconnectReason: reason})
	s.mu.Unlock()
}

// Send encodes data behind a channel-id envelope and enqueues it for
// client. All channels share the connection's one send buffer; when it is
// full the frame is dropped rather than blocking, on every channel
// including the reliable ones. A drop is counted in SkippedComponents and
// not reported to the caller.
func (s *Server) Send(client channel.ClientId, ch channel.Id, data []byte) error {
	v, ok := s.clients.Load(client)
	if !ok {
		return nil
	}
	c := v.(*serverConn)
	frame := encodeEnvelope(ch, data)
	select {
	case c.send <- frame:
	default:
		metrics.SkippedComponents.WithLabelValues("wsconn send buffer full").Inc()
	}
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

// TryRecvEvents drains connect/disconnect notifications since the last call.
func (s *Server) TryRecvEvents() []channel.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}

func encodeEnvelope(ch channel.Id, data []byte) []byte {
	var buf bytes.Buffer
	wire.PutUvarint(&buf, uint64(ch))
	buf.Write(data)
	return buf.Bytes()
}

func decodeEnvelope(frame []byte) (channel.Id, []byte, error) {
	v, n, err := wire.ReadUvarint(frame)
	if err != nil {
		return 0, nil, err
	}
	return channel.Id(v), frame[n:], nil
}
