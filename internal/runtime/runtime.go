package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bridge"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"golang.org/x/sync/errgroup"
)

// Runtime owns the single transcript session of the process and everything
// that exposes it.
type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	metricsHandler http.Handler
	ready          atomic.Bool

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	session *transcript.Session
	bridge  *bridge.Service
	beacon  *presence.Beacon
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves until ctx is cancelled and then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		_ = r.shutdownTelemetry()
		return err
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("recognition_mode", r.cfg.Recognition.Mode),
		slog.Bool("bridge", r.bridge != nil))

	runErr := g.Wait()
	r.stopComponents()
	return errors.Join(runErr, r.shutdownTelemetry())
}

func (r *Runtime) startComponents(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	provider, err := stt.New(r.cfg.Recognition, r.logger)
	if err != nil {
		return fmt.Errorf("create recognition provider: %w", err)
	}

	opts := []transcript.Option{
		transcript.WithLogger(r.logger),
		transcript.WithStreamConfig(stt.StreamConfigFrom(r.cfg.Recognition)),
		transcript.WithObserver(store.Observer()),
	}

	var host transcript.Host = logHost{log: r.logger.With(slog.String("component", "host"))}
	if r.cfg.Bridge.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
		notifier := bridge.NewNotifier(r.bus, r.cfg.Bridge.PublishSegments, r.logger)
		host = notifier
		opts = append(opts, transcript.WithObserver(notifier.Observer()))
	}

	r.session = transcript.New(provider, host, opts...)

	if r.bus != nil {
		r.bridge = bridge.NewService(ctx, r.cfg.Bridge, r.bus, r.session, r.logger)
		if err := r.bridge.Start(); err != nil {
			r.bridge = nil
			return fmt.Errorf("start bridge: %w", err)
		}

		beacon, err := presence.NewBeacon(ctx, r.cfg.Node, r.cfg.RuntimeName, r.cfg.Recognition.Mode, r.bus, r.session.Status, r.logger)
		if err != nil {
			return fmt.Errorf("start presence beacon: %w", err)
		}
		r.beacon = beacon
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) stopComponents() {
	if r.beacon != nil {
		r.beacon.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.session != nil {
		r.session.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) shutdownTelemetry() error {
	if r.telemetryClose == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetryClose(ctx); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// logHost is used when no bus is configured; notifications only reach the log.
type logHost struct {
	log *slog.Logger
}

func (h logHost) StartFailed(err error) {
	h.log.Warn("recognition could not be started", slog.String("error", err.Error()))
}

func (h logHost) Volume(level int) {
	h.log.Debug("input volume", slog.Int("level", level))
}
