// Package app wires the reconcile server runtime: config, logging, storage,
// HTTP routes and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"offpay/cmd/internal/reconcile"
	reconcileapi "offpay/cmd/internal/reconcile/api"
	"offpay/cmd/payment"
)

// App is the reconcile server runtime.
type App struct {
	cfg Config
	log Logger

	store     reconcile.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *prometheus.Registry
	svc      *reconcile.Service
	api      *reconcileapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	tokens, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := payment.LoadPolicyFromEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	rcfg, err := reconcile.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	st, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := reconcile.NewMetrics(reg)
	if err != nil {
		closeStore(st, pool)
		return nil, err
	}

	svc, err := reconcile.NewService(st, policy, rcfg,
		reconcile.WithLogger(log),
		reconcile.WithMetrics(metrics),
	)
	if err != nil {
		closeStore(st, pool)
		return nil, err
	}

	var opts []reconcileapi.HandlerOption
	if tokens != nil {
		opts = append(opts, reconcileapi.WithAccessTokens(tokens))
	}
	api, err := reconcileapi.NewHandler(log, svc, reconcileapi.LoadConfigFromEnv(), opts...)
	if err != nil {
		closeStore(st, pool)
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    pool,
		dbEnabled: pool != nil,
		registry:  reg,
		svc:       svc,
		api:       api,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()
	registerHTTP(r, a.log, a.cfg, a.svc, a.dbEnabled, a.registry, a.api)
	return WithRequestID(WithRequestLogging(WithSecurityHeaders(r), a.log))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", runtimeBaseURL(a.cfg.HTTPAddr),
		"db_enabled", a.dbEnabled,
		"auth_required", a.cfg.RequireAuth,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}
	a.Close()

	a.log.Info("server.stopped")
	return nil
}

// Close releases the store and the DB pool.
func (a *App) Close() {
	closeStore(a.store, a.dbPool)
}

// newStore decides between the Postgres store and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (reconcile.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("db.disabled.inmemory_store")
		return reconcile.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	// Ownership model: app owns the pool; PostgresStore.Close() is a no-op.
	st, err := reconcile.NewPostgresStore(pool, reconcile.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}

func closeStore(st reconcile.Store, pool *pgxpool.Pool) {
	if st != nil {
		_ = st.Close()
	}
	if pool != nil {
		pool.Close()
	}
}

// runtimeBaseURL turns a listen address into a URL clients on this host can use.
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

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
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
