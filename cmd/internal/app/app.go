// Package app wires the roomsync server runtime: config, logging, stores, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"roomsync/cmd/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// App is the roomsync server runtime: it owns HTTP server wiring and the realtime dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	reg     *prometheus.Registry
	disp    *realtime.Dispatcher
	ws      *realtime.WSGateway
	janitor *realtime.Janitor
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	stores, st, dbPool, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	disp := realtime.NewDispatcher(log, realtime.NewHub(log, metrics), stores, metrics)

	var janitor *realtime.Janitor
	if cfg.JanitorEnabled {
		janitor, err = realtime.NewJanitor(log, stores.Messages, metrics, realtime.JanitorConfig{
			Cron:   cfg.JanitorCron,
			Retain: cfg.JanitorRetain,
		})
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbPool != nil,
		reg:       reg,
		disp:      disp,
		ws:        realtime.NewWSGateway(log, disp, cfg.Gateway()),
		janitor:   janitor,
	}, nil
}

// Dispatcher returns the realtime dispatcher shared by every transport.
func (a *App) Dispatcher() *realtime.Dispatcher { return a.disp }

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.reg)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and the janitor, and blocks until ctx is done or either fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"snapshot_dir", a.cfg.SnapshotDir,
		"janitor", a.janitor != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.janitor != nil {
		g.Go(func() error { return a.janitor.Run(gctx) })
	}

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := a.store.Close(closeCtx); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}

	if err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

// newStores picks Postgres-backed persistence when a database is configured and in-memory stores otherwise.
// A snapshot dir switches document snapshots to pebble in either mode.
func newStores(ctx context.Context, cfg Config, log Logger) (realtime.Stores, Store, *pgxpool.Pool, error) {
	res := &resources{}
	var stores realtime.Stores

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		stores = realtime.Stores{
			Messages:  realtime.NewInMemoryStore(),
			Snapshots: realtime.NewInMemorySnapshotStore(),
			Presence:  realtime.NewInMemoryPresenceStore(),
		}
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return realtime.Stores{}, nil, nil, err
		}
		res.pool = pool

		if err := realtime.EnsureSchema(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return realtime.Stores{}, nil, nil, err
		}

		// Ownership model: the app owns the pool; store Close methods are no-ops.
		opt := realtime.WithSchema(cfg.DBSchema)
		msgs, err := realtime.NewPostgresStore(pool, opt)
		if err != nil {
			pool.Close()
			return realtime.Stores{}, nil, nil, err
		}
		snaps, err := realtime.NewPostgresSnapshotStore(pool, opt)
		if err != nil {
			pool.Close()
			return realtime.Stores{}, nil, nil, err
		}
		pres, err := realtime.NewPostgresPresenceStore(pool, opt)
		if err != nil {
			pool.Close()
			return realtime.Stores{}, nil, nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		stores = realtime.Stores{Messages: msgs, Snapshots: snaps, Presence: pres}
	}
	res.closers = append(res.closers, stores.Messages.Close)

	if cfg.SnapshotDir != "" {
		pebbleStore, err := realtime.OpenPebbleSnapshotStore(cfg.SnapshotDir)
		if err != nil {
			_ = res.Close(ctx)
			return realtime.Stores{}, nil, nil, fmt.Errorf("snapshot store: %w", err)
		}
		log.Info("snapshots.pebble", "dir", cfg.SnapshotDir)
		stores.Snapshots = pebbleStore
	}
	res.closers = append(res.closers, stores.Snapshots.Close)

	return stores, res, res.pool, nil
}

// resources closes stores first and the pool last.
type resources struct {
	pool    *pgxpool.Pool
	closers []func() error
}

func (r *resources) Close(_ context.Context) error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
	return errors.Join(errs...)
}
