package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	auditpg "fazendabrasil/gonfpe/internal/adapters/audit/postgres"
	"fazendabrasil/gonfpe/internal/adapters/danfe"
	"fazendabrasil/gonfpe/internal/adapters/erp/totvs"
	healthhttp "fazendabrasil/gonfpe/internal/adapters/http/health"
	nfpehttp "fazendabrasil/gonfpe/internal/adapters/http/nfpe"
	"fazendabrasil/gonfpe/internal/adapters/metrics"
	"fazendabrasil/gonfpe/internal/adapters/nfpe/memory"
	nfpepg "fazendabrasil/gonfpe/internal/adapters/nfpe/postgres"
	memqueue "fazendabrasil/gonfpe/internal/adapters/queue/memory"
	redisqueue "fazendabrasil/gonfpe/internal/adapters/queue/redis"
	"fazendabrasil/gonfpe/internal/adapters/sefaz"
	"fazendabrasil/gonfpe/internal/adapters/signing"
	"fazendabrasil/gonfpe/internal/application/compliance"
	"fazendabrasil/gonfpe/internal/application/erpimport"
	appfarm "fazendabrasil/gonfpe/internal/application/farm"
	apphealth "fazendabrasil/gonfpe/internal/application/health"
	"fazendabrasil/gonfpe/internal/application/lifecycle"
	"fazendabrasil/gonfpe/internal/core/audit"
	"fazendabrasil/gonfpe/internal/core/erp"
	"fazendabrasil/gonfpe/internal/core/nfpe"
	"fazendabrasil/gonfpe/internal/core/queue"
	"fazendabrasil/gonfpe/internal/core/secret"
	"fazendabrasil/gonfpe/internal/infrastructure/config"
	"fazendabrasil/gonfpe/internal/infrastructure/database"
	infrahttp "fazendabrasil/gonfpe/internal/infrastructure/http"
	"fazendabrasil/gonfpe/internal/infrastructure/http/middleware"
	"fazendabrasil/gonfpe/internal/infrastructure/http/server"
	"fazendabrasil/gonfpe/internal/infrastructure/secrets"
)

// store is what both document store backends provide.
type store interface {
	nfpe.DocumentRepository
	nfpe.EventRepository
	nfpe.FarmRepository
	Ping(ctx context.Context) error
}

// app holds every wired component. Fields are nil when the matching
// feature is disabled.
type app struct {
	cfg config.AppConfig
	log *slog.Logger

	pool    *pgxpool.Pool
	store   store
	queue   queue.Queue
	secrets secret.Store
	metrics *metrics.Metrics

	provider *signing.Provider
	watcher  *signing.Watcher
	sefaz    *sefaz.Client
	erp      *totvs.Client

	lifecycle  *lifecycle.Service
	farms      *appfarm.Service
	compliance *compliance.Service
	imports    *erpimport.Service
	health     *apphealth.Service
}

// newApp connects to the configured backends and builds the services.
func newApp(ctx context.Context, cfg config.AppConfig, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, secrets: secrets.New(cfg.Secrets.EnvPrefix, cfg.Secrets.Dir)}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	var auditRepo audit.Repository
	switch cfg.Lifecycle.Store {
	case "memory":
		a.store = memory.New()
		log.Warn("using in-memory document store; data is lost on restart")
	default:
		pool, err := database.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		if err := database.RunMigrations(ctx, pool, log); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.store = nfpepg.NewRepository(pool, log)
		if cfg.Audit.Enabled {
			auditRepo = auditpg.NewRepository(pool, log)
		}
		log.Info("database connection established", "database", cfg.Database.Database)
	}

	switch cfg.Lifecycle.Queue {
	case "redis":
		q, err := redisqueue.New(ctx, cfg.Redis)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.queue = q
	default:
		a.queue = memqueue.New(cfg.Lifecycle.QueueBuffer)
	}

	a.provider = signing.NewProvider(a.secrets, cfg.Signing.CacheTTL, cfg.Signing.ExpiryWarning, log)
	if cfg.Signing.WatchCertificates {
		w, err := signing.NewWatcher(a.provider, log)
		if err != nil {
			log.Warn("certificate watcher disabled", "error", err)
		} else {
			a.watcher = w
		}
	}

	opts := []sefaz.Option{sefaz.WithClientFactory(sefaz.TracedFactory(cfg.Sefaz, cfg.Audit, auditRepo, log))}
	if a.metrics != nil {
		opts = append(opts, sefaz.WithRecorder(a.metrics))
	}
	a.sefaz = sefaz.NewClient(cfg.Sefaz, log, opts...)

	var source erp.Source
	if cfg.ERP.Enabled {
		httpClient := infrahttp.NewTracedClient(infrahttp.TracedClientConfig{
			Timeout:         cfg.ERP.Timeout,
			AuditEnabled:    cfg.Audit.Enabled,
			LogRequestBody:  cfg.Audit.LogRequestBody,
			LogResponseBody: cfg.Audit.LogResponseBody,
			MaxBodySize:     cfg.Audit.MaxBodySize,
		}, log, auditRepo, totvs.ProviderName)
		a.erp = totvs.NewClient(cfg.ERP, httpClient, a.secrets, log)
		source = a.erp
	}

	deps := lifecycle.Dependencies{
		Documents: a.store,
		Events:    a.store,
		Farms:     a.store,
		Signer:    a.provider,
		Authority: a.sefaz,
		Queue:     a.queue,
		ERP:       source,
	}
	var importRecorder erpimport.Recorder
	if a.metrics != nil {
		deps.Recorder = a.metrics
		importRecorder = a.metrics
	}
	a.lifecycle = lifecycle.NewService(deps, cfg.Sefaz, cfg.App.Version, log)
	a.farms = appfarm.NewService(a.store, a.provider, log)
	a.compliance = compliance.NewService(a.store)
	if source != nil {
		a.imports = erpimport.NewService(source, a.store, a.store, a.lifecycle, importRecorder, cfg.ERP, cfg.Sefaz.Location(), log)
	}

	a.health = apphealth.NewService(apphealth.Metadata{
		Service:     cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
	})
	a.health.Register("store", a.store.Ping)
	if pinger, ok := a.queue.(interface{ Ping(context.Context) error }); ok {
		a.health.Register("queue", pinger.Ping)
	}
	a.health.Register("sefaz", func(context.Context) error {
		if state := a.sefaz.BreakerState(); state == sefaz.BreakerOpen {
			return sefaz.ErrCircuitOpen
		}
		return nil
	})
	if a.erp != nil {
		a.health.Register("erp", a.erp.Health)
	}
	return a, nil
}

// runBackground starts the worker pool and the periodic loops under g.
func (a *app) runBackground(ctx context.Context, g *errgroup.Group) {
	pool := lifecycle.NewWorkerPool(ctx, a.cfg.Lifecycle.Workers, a.queue, a.lifecycle, a.log)
	pool.Start()
	g.Go(func() error {
		<-ctx.Done()
		pool.Stop()
		return nil
	})

	var depth lifecycle.DepthRecorder
	if a.metrics != nil {
		depth = a.metrics
	}
	sweeper := lifecycle.NewSweeper(a.store, a.queue, a.cfg.Lifecycle, depth, a.log)
	g.Go(func() error { return sweeper.Run(ctx) })

	if a.cfg.Lifecycle.ListenNotify && a.pool != nil {
		listener := nfpepg.NewPendingListener(a.cfg.Database.DSN(), a.log)
		g.Go(func() error {
			return listener.Run(ctx, func(ctx context.Context, id string) {
				if id == "" {
					if _, err := sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
						a.log.ErrorContext(ctx, "sweep after reconnect failed", "error", err)
					}
					return
				}
				if err := a.queue.Enqueue(ctx, id); err != nil && ctx.Err() == nil {
					a.log.WarnContext(ctx, "enqueue notified document failed", "document_id", id, "error", err)
				}
			})
		})
	}

	if a.imports != nil {
		g.Go(func() error { return a.imports.Run(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
}

// newServer builds the HTTP server over the wired services.
func (a *app) newServer() (*server.Server, error) {
	auth, err := middleware.NewJWTAuthenticator(a.cfg.Auth, a.log)
	if err != nil {
		return nil, fmt.Errorf("configure authentication: %w", err)
	}
	opts := server.Options{
		Config:        a.cfg,
		Logger:        a.log,
		HealthHandler: healthhttp.NewHandler(a.health, a.log),
		Auth:          auth,
		API: nfpehttp.NewHandler(nfpehttp.Services{
			Documents:  a.lifecycle,
			Farms:      a.farms,
			Compliance: a.compliance,
			Imports:    a.imports,
			DANFE:      danfe.NewRenderer(a.cfg.Sefaz.Location()),
		}, a.log),
	}
	if a.metrics != nil {
		opts.MetricsHandler = a.metrics.Handler()
	}
	return server.New(opts)
}

// close releases connections. The queue is closed first so workers stop
// dequeuing before the store goes away.
func (a *app) close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
			a.log.Warn("close queue", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// serve runs the HTTP API and, when withWorkers is set, the background
// processing until ctx is cancelled.
func (a *app) serve(ctx context.Context, withHTTP, withWorkers bool) error {
	g, ctx := errgroup.WithContext(ctx)
	if withWorkers {
		a.runBackground(ctx, g)
	}
	if withHTTP {
		srv, err := a.newServer()
		if err != nil {
			return err
		}
		defer srv.Close()
		g.Go(func() error { return srv.Run(ctx) })
	}

	start := time.Now()
	err := g.Wait()
	a.log.Info("service stopped", "uptime", time.Since(start).Round(time.Second).String())
	return err
}
