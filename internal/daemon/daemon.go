package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/transferd/internal/api"
	"github.com/tutu-network/transferd/internal/app/banking"
	"github.com/tutu-network/transferd/internal/app/engine"
	"github.com/tutu-network/transferd/internal/app/executor"
	"github.com/tutu-network/transferd/internal/app/saga"
	"github.com/tutu-network/transferd/internal/domain"
	"github.com/tutu-network/transferd/internal/infra/kvstore"
	"github.com/tutu-network/transferd/internal/infra/logging"
	"github.com/tutu-network/transferd/internal/infra/observability"
	"github.com/tutu-network/transferd/internal/infra/sqlite"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 10 * time.Second

// Daemon owns every long-lived component of a transferd process.
type Daemon struct {
	Config   Config
	Engine   *engine.Engine
	Executor *executor.Executor
	Tracer   *observability.Tracer

	store  domain.TransferStore
	closer io.Closer
	traces *sdktrace.TracerProvider
	server *http.Server
	logger *zap.Logger
	addr   string
	ready  chan struct{}
}

// New opens the store and wires the orchestration stack. Nothing runs until Run.
func New(cfg Config, logger *zap.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	store, journal, closer, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	d := &Daemon{Config: cfg, store: store, closer: closer, logger: logger.Named("daemon"), ready: make(chan struct{})}
	if err := d.wire(journal, logger); err != nil {
		closer.Close()
		if d.traces != nil {
			d.traces.Shutdown(context.Background())
		}
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(journal domain.Journal, logger *zap.Logger) error {
	cfg := d.Config

	bankCfg, err := cfg.Bank()
	if err != nil {
		return err
	}
	bank, err := banking.New(bankCfg, journal, logger)
	if err != nil {
		return err
	}

	d.traces = observability.NewTracerProvider("transferd", api.Version)
	d.Tracer = observability.NewTracer(observability.TracerConfig{
		Enabled:  cfg.Tracing.Enabled,
		MaxSpans: cfg.Tracing.MaxSpans,
		Provider: d.traces,
	})
	execCfg, err := cfg.ExecutorConfig()
	if err != nil {
		return err
	}
	d.Executor = executor.New(execCfg, d.Tracer, logger)
	d.Executor.RegisterAccountOperations(bank)

	sagaCfg, err := cfg.Saga()
	if err != nil {
		return err
	}
	orch, err := saga.New(sagaCfg)
	if err != nil {
		return err
	}
	d.Engine, err = engine.New(engine.Config{TaskQueue: cfg.Transfer.TaskQueue}, d.store, orch, d.Executor, logger)
	if err != nil {
		return err
	}

	srv := api.NewServer(&api.TransferAPI{Service: d.Engine})
	srv.SetTaskQueue(d.Engine.TaskQueue())
	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}
	d.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// openStore opens the configured driver. Both drivers serve as transfer
// store and operation journal.
func openStore(cfg Config) (domain.TransferStore, domain.Journal, io.Closer, error) {
	dir := cfg.DataDir()
	switch cfg.Storage.Driver {
	case DriverPebble:
		s, err := kvstore.Open(dir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open pebble store: %w", err)
		}
		return s, s, s, nil
	default:
		db, err := sqlite.Open(dir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return db.Transfers(), db.Journal(), db, nil
	}
}

// Run starts the engine and the HTTP server and blocks until ctx is
// cancelled or either fails, then shuts everything down in order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Engine.Start(ctx); err != nil {
		d.closer.Close()
		d.traces.Shutdown(context.Background())
		return fmt.Errorf("start engine: %w", err)
	}

	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		d.shutdown()
		return fmt.Errorf("listen %s: %w", d.server.Addr, err)
	}
	d.addr = ln.Addr().String()
	close(d.ready)
	d.logger.Info("transferd listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("storage", d.Config.Storage.Driver),
		zap.String("data_dir", d.Config.DataDir()),
		zap.String("task_queue", d.Engine.TaskQueue()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("gracefully shutting down")
		d.shutdown()
		return nil
	})
	return g.Wait()
}

// Ready is closed once the listener is bound.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr is the bound listen address, valid after Ready.
func (d *Daemon) Addr() string { return d.addr }

// shutdown stops the listener first so no new work arrives, then the
// engine, the store and the tracer provider.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := d.Engine.Stop(ctx); err != nil {
		d.logger.Warn("engine stop", zap.Error(err))
	}
	if err := d.closer.Close(); err != nil {
		d.logger.Warn("store close", zap.Error(err))
	}
	if err := d.traces.Shutdown(ctx); err != nil {
		d.logger.Warn("tracer provider shutdown", zap.Error(err))
	}
	d.logger.Sync()
}
