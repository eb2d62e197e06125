package wsconn

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/internal/logging"
	"github.com/projectharmonia/replicon/internal/metrics"
)

// Client is a channel.ClientTransport dialing a wsconn Server.
type Client struct {
	conn   net.Conn
	logger zerolog.Logger

	connected atomic.Bool
	send      chan []byte
	closeOnce sync.Once

	mu      sync.Mutex
	inbound map[channel.Id][][]byte
}

// Dial connects to addr (a ws:// or wss:// URL) and starts the read/write
// pumps, mirroring the server's pump split so the client side behaves
// symmetrically under the same gobwas/ws primitives.
func Dial(addr string, logger zerolog.Logger) (*Client, error) {
	conn, _, _, err := ws.Dial(nil, addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		send:    make(chan []byte, sendBuffer),
		inbound: make(map[channel.Id][][]byte),
	}
	c.connected.Store(true)
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { c.conn.Close() })
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteClientMessage(c.conn, ws.OpBinary, data); err != nil {
				logging.Error(c.logger, err, "wsconn: client write failed", nil)
				c.connected.Store(false)
				return
			}
			metrics.BytesSent.WithLabelValues("wsconn").Add(float64(len(data)))
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteClientMessage(c.conn, ws.OpPing, nil); err != nil {
				c.connected.Store(false)
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.connected.Store(false)
		c.closeOnce.Do(func() { c.conn.Close() })
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		data, op, err := wsutil.ReadServerData(c.conn)
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
			logging.Error(c.logger, err, "wsconn: malformed envelope", nil)
			continue
		}
		c.mu.Lock()
		c.inbound[chID] = append(c.inbound[chID], payload)
		c.mu.Unlock()
	}
}

// Send encodes data behind a channel-id envelope and enqueues it for the
// server; a full buffer drops the frame (same non-blocking contract as the
// server side).
func (c *Client) Send(ch channel.Id, data []byte) error {
	frame := encodeEnvelope(ch, data)
	select {
	case c.send <- frame:
	default:
		metrics.SkippedComponents.WithLabelValues("wsconn client send buffer full").Inc()
	}
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

// Connected reports whether the underlying socket is still established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close shuts down the connection and both pumps.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { c.conn.Close() })
	return nil
}
