// Command replicon-demo is a minimal in-memory world with one replicated
// Position component, a server ticking at a fixed rate over wsconn, and an
// in-process client proving the wire protocol end-to-end. It demonstrates
// the engine; it is not part of the core API.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/projectharmonia/replicon"
	"github.com/projectharmonia/replicon/channel"
	"github.com/projectharmonia/replicon/client"
	"github.com/projectharmonia/replicon/internal/config"
	"github.com/projectharmonia/replicon/internal/logging"
	"github.com/projectharmonia/replicon/internal/metrics"
	"github.com/projectharmonia/replicon/internal/resource"
	"github.com/projectharmonia/replicon/registry"
	"github.com/projectharmonia/replicon/rules"
	"github.com/projectharmonia/replicon/server"
	"github.com/projectharmonia/replicon/transport/wsconn"
	"github.com/projectharmonia/replicon/wire"
)

// Position is the demo's one replicated component.
type Position struct {
	X, Y float32
}

const positionComponent replicon.ComponentId = 1

func putFloat32(buf *bytes.Buffer, v float32) {
	bits := math.Float32bits(v)
	buf.WriteByte(byte(bits))
	buf.WriteByte(byte(bits >> 8))
	buf.WriteByte(byte(bits >> 16))
	buf.WriteByte(byte(bits >> 24))
}

func getFloat32(r *wire.Reader) (float32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, fmt.Errorf("float32: %w", err)
	}
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits), nil
}

func positionFns(id replicon.ComponentId) registry.Fns {
	return registry.Component(
		id,
		func(buf *bytes.Buffer, v Position) error {
			putFloat32(buf, v.X)
			putFloat32(buf, v.Y)
			return nil
		},
		func(r *wire.Reader) (Position, error) {
			x, err := getFloat32(r)
			if err != nil {
				return Position{}, err
			}
			y, err := getFloat32(r)
			if err != nil {
				return Position{}, err
			}
			return Position{X: x, Y: y}, nil
		},
	)
}

// demoWorld is the toy map-backed store implementing client.World: the
// demo never builds a real ECS, only enough bookkeeping to prove the
// receiver applies inserts/removes/despawns correctly.
type demoWorld struct {
	mu         sync.Mutex
	nextIndex  uint32
	positions  map[replicon.Entity]Position
}

func newDemoWorld() *demoWorld {
	return &demoWorld{positions: make(map[replicon.Entity]Position)}
}

func (w *demoWorld) Insert(e replicon.Entity, id replicon.ComponentId, value any) {
	if id != positionComponent {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.positions[e] = value.(Position)
}

func (w *demoWorld) Remove(e replicon.Entity, id replicon.ComponentId) {
	if id != positionComponent {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.positions, e)
}

func (w *demoWorld) Despawn(e replicon.Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.positions, e)
}

func (w *demoWorld) Spawn() replicon.Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextIndex++
	return replicon.NewEntity(w.nextIndex, 0)
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides REPLICON_LOG_LEVEL)")
	flag.Parse()

	startupLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatConsole})
	startupLogger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("replicon-demo: starting (automaxprocs-adjusted)")

	cfg, err := config.Load(&startupLogger)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat)})
	cfg.LogConfig(logger)

	cpuMonitor := resource.NewCPUMonitor()
	logger.Info().Float64("cpu_allocation", cpuMonitor.Allocation()).Msg("resource monitor initialized")

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(logger, err, "metrics server stopped unexpectedly", nil)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger, cpuMonitor) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("replicon-demo: shutting down")
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Msg("replicon-demo: exited with error")
		}
	}

	cancel()
	_ = metricsServer.Shutdown(context.Background())
}

// run builds the registry, rules, server, and an in-process client, then
// ticks the server while the client observes the replicated position move —
// proving the wire protocol end-to-end.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, cpuMonitor *resource.CPUMonitor) error {
	reg := registry.NewRegistry()
	fnsId := reg.Register(positionFns(positionComponent))

	ruleSet := rules.NewRules()
	ruleSet.Register([]rules.Slot{{ComponentId: positionComponent, FnsId: fnsId}}, 1)

	channels := channel.NewChannels()

	transportServer := wsconn.NewServerWithLimit(channels, logger, float64(cfg.MaxConnections)/10, cfg.MaxConnections)
	mux := http.NewServeMux()
	mux.Handle("/ws", transportServer.Handler())
	httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(logger, err, "demo http server stopped unexpectedly", nil)
		}
	}()
	defer httpServer.Close()

	clients := server.NewClientsInfo(server.All)
	assembler := server.NewAssembler(reg, ruleSet, 1200)
	sendLoop := server.NewSendLoop(clients, assembler, transportServer)
	sendLoop.SetLogger(logger)

	world := newDemoWorld()
	receiver := client.NewReceiver(reg, nil, world)
	receiver.SetLogger(logger)

	// Give the HTTP listener a moment before the in-process client dials it.
	time.Sleep(50 * time.Millisecond)
	clientTransport, err := wsconn.Dial("ws://"+cfg.Addr+"/ws", logger)
	if err != nil {
		return fmt.Errorf("demo: dial self: %w", err)
	}
	defer clientTransport.Close()

	ticker := time.NewTicker(cfg.TickRate)
	defer ticker.Stop()

	var tick replicon.Tick
	box := replicon.NewEntity(1, 0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			tick++
			input := server.TickInput{
				Tick: tick,
				Entities: []server.EntityInput{{
					Entity:    box,
					Archetype: rules.Archetype{positionComponent},
					Values: []server.ComponentValue{{
						ComponentId: positionComponent,
						Value:       Position{X: float32(tick), Y: float32(tick) * 2},
						AddedTick:   1,
						ChangedTick: tick,
					}},
				}},
			}
			if err := sendLoop.Tick(input, now); err != nil {
				logging.Error(logger, err, "demo: server tick failed", nil)
			}
			if err := receiver.Receive(clientTransport); err != nil {
				logging.Error(logger, err, "demo: client receive failed", nil)
			}
			if percent, err := cpuMonitor.Percent(); err == nil {
				logger.Debug().Float64("cpu_percent", percent).Msg("resource sample")
			}
		}
	}
}
