package server

import (
	"fmt"
	"time"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/internal/logging"
	"github.com/projectharmonia/replicon/internal/metrics"
	"github.com/projectharmonia/replicon/wire"
	"github.com/rs/zerolog"
)

// PendingTimeout is the default duration after which an unacked mutations
// packet is dropped from a client's pending set without being resent — the
// entity's floor simply stays where it was, so the next tick's assembler run
// naturally re-sends anything still outstanding as a fresh mutation rather
// than as an explicit retransmit (spec §4.7, Testable Property 4
// "retransmit on ack loss").
const PendingTimeout = 10 * time.Second

// SendLoop drives one full server tick: reconcile connect/disconnect
// events, drain and apply acks, run the assembler, then reap any mutation
// packets that timed out unacked (spec §4.7).
type SendLoop struct {
	Clients   *ClientsInfo
	Assembler *Assembler
	Transport channel.ServerTransport
	Timeout   time.Duration

	logger zerolog.Logger
}

// NewSendLoop wires together the per-tick send pipeline.
func NewSendLoop(clients *ClientsInfo, assembler *Assembler, transport channel.ServerTransport) *SendLoop {
	return &SendLoop{Clients: clients, Assembler: assembler, Transport: transport, Timeout: PendingTimeout, logger: logging.Nop()}
}

// SetLogger attaches a structured logger used for malformed-ack reporting.
func (l *SendLoop) SetLogger(logger zerolog.Logger) {
	l.logger = logger
}

// Tick runs one iteration: connect/disconnect bookkeeping, ack draining,
// message assembly, and stale-pending reaping, in that order so a client
// that disconnected this tick is never assembled for, and an ack that
// arrived this tick is applied before deciding what is still outstanding.
func (l *SendLoop) Tick(input TickInput, now time.Time) error {
	l.applyConnectionEvents()

	if err := l.drainAcks(); err != nil {
		return fmt.Errorf("server: drain acks: %w", err)
	}

	if err := l.Assembler.Assemble(l.Transport, l.Clients, input, now); err != nil {
		return fmt.Errorf("server: assemble: %w", err)
	}
	metrics.TicksAssembled.Inc()
	metrics.ConnectionsActive.Set(float64(len(l.Clients.All())))

	l.reapStalePending(now)
	return nil
}

func (l *SendLoop) applyConnectionEvents() {
	for _, ev := range l.Transport.TryRecvEvents() {
		if ev.Connected {
			l.Clients.Connect(ev.Client)
		} else {
			l.Clients.Disconnect(ev.Client)
		}
	}
}

// drainAcks decodes every pending ack message (tick:varint,
// mutate_index:u16, spec §6) and applies it to the sending client's state.
// A malformed ack from one client does not prevent acks from other clients
// in the same batch from being applied.
func (l *SendLoop) drainAcks() error {
	var firstErr error
	for _, msg := range l.Transport.TryRecv(channel.MutationAcksChannel) {
		client, ok := l.Clients.Get(msg.Client)
		if !ok {
			continue
		}
		r := wire.NewReader(msg.Data)
		tick, err := replicon.DecodeTick(r)
		if err != nil {
			logging.Error(l.logger, err, "malformed ack: bad tick", map[string]any{"client": msg.Client})
			if firstErr == nil {
				firstErr = fmt.Errorf("decode ack tick from client %d: %w", msg.Client, err)
			}
			continue
		}
		idx, err := r.Uint16LE()
		if err != nil {
			logging.Error(l.logger, err, "malformed ack: bad mutate_index", map[string]any{"client": msg.Client})
			if firstErr == nil {
				firstErr = fmt.Errorf("decode ack mutate_index from client %d: %w", msg.Client, err)
			}
			continue
		}
		client.ApplyAck(idx, tick)
	}
	return firstErr
}

func (l *SendLoop) reapStalePending(now time.Time) {
	for _, id := range l.Clients.All() {
		client, _ := l.Clients.Get(id)
		if dropped := client.Reap(now, l.Timeout); dropped > 0 {
			metrics.PendingReaped.Add(float64(dropped))
		}
	}
}
