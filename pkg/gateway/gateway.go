// Package gateway assembles the job-coordination gateway: the durable
// store, the discovery-fed connection pool, the scheduler, and the gRPC
// control surface, all wired from one configuration.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/docstream/workgate/pkg/balancer"
	"github.com/docstream/workgate/pkg/config"
	"github.com/docstream/workgate/pkg/discovery"
	"github.com/docstream/workgate/pkg/distributor"
	"github.com/docstream/workgate/pkg/job"
	"github.com/docstream/workgate/pkg/manager"
	"github.com/docstream/workgate/pkg/metrics"
	"github.com/docstream/workgate/pkg/reconciler"
	"github.com/docstream/workgate/pkg/scheduler"
	"github.com/docstream/workgate/pkg/store"
	"github.com/docstream/workgate/pkg/transport"
)

// Gateway is the assembled system.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	pool       *balancer.Pool
	dist       *distributor.Distributor
	dispatcher *scheduler.Dispatcher
	scheduler  *scheduler.Scheduler
	manager    *manager.Manager
	collector  *metrics.Collector
	janitor    *store.Janitor
	resolver   discovery.Resolver
	reconciler *reconciler.Reconciler
	handler    Handler

	dryRun bool
}

// Option configures a Gateway before assembly.
type Option func(*Gateway)

// WithLogger overrides the configured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithStore injects a prebuilt store instead of opening one from the
// configuration.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithResolver injects a discovery resolver. Without one, and without
// configured etcd endpoints, the gateway runs with an empty pool until
// told otherwise.
func WithResolver(r discovery.Resolver) Option {
	return func(g *Gateway) { g.resolver = r }
}

// WithDryRun serves the control verbs without admitting or executing jobs.
func WithDryRun() Option {
	return func(g *Gateway) { g.dryRun = true }
}

// New assembles a Gateway from cfg.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = cfg.Logger()
	}

	if g.store == nil {
		st, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		g.store = st
	}

	g.collector = metrics.NewCollector()
	g.pool = balancer.NewPool(dialNode,
		balancer.WithPolicy(balancer.Policy(cfg.Balancer.Policy)),
		balancer.WithInterceptors(g.collector),
		balancer.WithLogger(g.logger),
	)
	g.dist = distributor.New(g.pool, distributor.WithLogger(g.logger))

	schedCfg := scheduler.Config{
		SweepInterval: cfg.Scheduler.SweepInterval,
		BatchLimit:    cfg.Scheduler.BatchLimit,
		BackoffCap:    cfg.Scheduler.BackoffCap,
	}
	g.dispatcher = scheduler.NewDispatcher(g.store, g.dist, job.NewEmitter(), schedCfg, g.logger)
	g.scheduler = scheduler.New(g.store, g.dispatcher, schedCfg, scheduler.WithLogger(g.logger))
	g.manager = manager.New(g.store, g.dispatcher, g.dist,
		manager.WithLogger(g.logger),
		manager.WithConfig(manager.Config{
			DefaultKeepFor: cfg.Manager.DefaultKeepFor,
			MaxPayload:     cfg.Manager.MaxPayload,
			DedupByContent: cfg.Manager.DedupByContent,
		}),
	)

	janitor, err := store.NewJanitor(g.store, cfg.Store.JanitorSchedule, g.logger)
	if err != nil {
		return nil, fmt.Errorf("janitor: %w", err)
	}
	g.janitor = janitor

	if g.resolver == nil && len(cfg.Discovery.Endpoints) > 0 {
		r, err := discovery.NewEtcdResolver(cfg.Discovery.Endpoints,
			discovery.WithEtcdPrefix(cfg.Discovery.Prefix),
			discovery.WithEtcdLogger(g.logger),
		)
		if err != nil {
			return nil, err
		}
		g.resolver = r
	}
	if g.resolver != nil {
		g.reconciler = reconciler.New(g.resolver, reconciler.GRPCInspector{}, g.pool,
			reconciler.WithLogger(g.logger),
			reconciler.WithConfig(reconciler.Config{
				ReadyTries:    cfg.Reconciler.ReadyTries,
				ReadyInterval: cfg.Reconciler.ReadyInterval,
				MaxErrors:     cfg.Reconciler.MaxErrors,
			}),
		)
	}

	if g.dryRun {
		g.handler = &dryRunHandler{nodes: g.pool}
	} else {
		g.handler = &liveHandler{manager: g.manager, nodes: g.pool}
	}
	return g, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Store.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", cfg.Store.DSN, err)
		}
		return store.NewGormStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func dialNode(_ context.Context, addr string) (balancer.Conn, error) {
	return transport.Dial(addr)
}

// Manager exposes the job manager, mainly for embedding and tests.
func (g *Gateway) Manager() *manager.Manager { return g.manager }

// Handler returns the control handler selected at construction.
func (g *Gateway) Handler() Handler { return g.handler }

// Pool exposes the connection pool.
func (g *Gateway) Pool() *balancer.Pool { return g.pool }

// Metrics exposes the collector.
func (g *Gateway) Metrics() *metrics.Collector { return g.collector }

// Run serves until ctx ends. It owns migration, the background loops, the
// gRPC listener, and the optional metrics listener.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := g.dispatcher.Emitter().Subscribe()
	defer g.dispatcher.Emitter().Unsubscribe(events)
	go g.collector.Watch(runCtx, events)

	go func() {
		if err := g.janitor.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("janitor stopped", "error", err)
		}
	}()
	go func() {
		if err := g.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("scheduler stopped", "error", err)
		}
	}()

	errCh := make(chan error, 3)
	if g.reconciler != nil {
		go func() {
			err := g.reconciler.Run(runCtx, g.cfg.Discovery.Service)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("reconciler: %w", err)
			}
		}()
	}

	grpcServer := grpc.NewServer()
	RegisterControlServer(grpcServer, g.handler)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", g.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.cfg.Server.Listen, err)
	}
	g.logger.Info("gateway serving", "address", lis.Addr().String(), "dry_run", g.dryRun)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()

	var metricsServer *http.Server
	if g.cfg.Server.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", g.collector.Handler())
		metricsServer = &http.Server{Addr: g.cfg.Server.MetricsListen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
		g.logger.Info("metrics serving", "address", g.cfg.Server.MetricsListen)
	}

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errCh:
		runErr = err
	}

	g.logger.Info("gateway shutting down")
	cancel()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	g.dispatcher.Wait()
	if err := g.pool.Close(); err != nil {
		g.logger.Warn("pool close", "error", err)
	}
	if g.resolver != nil {
		if err := g.resolver.Close(); err != nil {
			g.logger.Warn("resolver close", "error", err)
		}
	}
	return runErr
}
