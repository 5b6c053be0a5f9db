// Package daemon wires the configured store, the ledger and the HTTP API
// into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/careerkit/tokens/internal/api"
	"github.com/careerkit/tokens/internal/app/gate"
	"github.com/careerkit/tokens/internal/app/ledger"
	"github.com/careerkit/tokens/internal/app/rewards"
	"github.com/careerkit/tokens/internal/app/tabsync"
	"github.com/careerkit/tokens/internal/domain"
	"github.com/careerkit/tokens/internal/infra/memstore"
	"github.com/careerkit/tokens/internal/infra/observability"
	"github.com/careerkit/tokens/internal/infra/redisstore"
	"github.com/careerkit/tokens/internal/infra/sqlite"
)

const shutdownTimeout = 5 * time.Second

// backend is what every storage adapter provides.
type backend interface {
	domain.Store
	domain.ChangeFeed
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg     Config
	store   backend
	closer  io.Closer
	ledger  *ledger.Ledger
	gate    *gate.Gate
	rewards *rewards.Service
	server  *api.Server
	syncer  *tabsync.Syncer
	limiter *api.LimiterManager
}

// New opens the configured store and builds the service graph.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, closer, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	backoff, _ := cfg.retryBackoff()
	l := ledger.New(ledger.Config{
		SignupBonus:  cfg.Ledger.SignupBonus,
		MaxRetries:   cfg.Ledger.MaxRetries,
		RetryBackoff: backoff,
	}, store)

	g, err := gate.New(l, cfg.featureCosts())
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("feature costs: %w", err)
	}
	rw := rewards.New(l)

	srv := api.NewServer(l, g, rw)
	hub := api.NewNoticeHub()
	srv.SetNoticeHub(hub)
	l.SetNotifier(hub.Broadcast)

	if cfg.Metrics.Enabled {
		srv.EnableMetrics()
	}
	if cfg.Metrics.Tracing {
		tracer := observability.NewTracer(observability.DefaultTracerConfig())
		l.SetTracer(tracer)
		srv.SetTracer(tracer)
	}

	d := &Daemon{
		cfg:     cfg,
		store:   store,
		closer:  closer,
		ledger:  l,
		gate:    g,
		rewards: rw,
		server:  srv,
		syncer:  tabsync.New(store, l),
	}
	if cfg.API.RateLimitPerMin > 0 {
		d.limiter = api.NewLimiterManager(cfg.API.RateLimitPerMin, max(cfg.API.RateBurst, 1))
		srv.SetRateLimiter(d.limiter)
	}
	return d, nil
}

func openStore(ctx context.Context, cfg StorageConfig) (backend, io.Closer, error) {
	switch cfg.Backend {
	case BackendMemory:
		return memstore.New(), nil, nil
	case BackendRedis:
		s, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := sqlite.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	}
}

// Ledger returns the token ledger.
func (d *Daemon) Ledger() *ledger.Ledger { return d.ledger }

// Gate returns the feature gate.
func (d *Daemon) Gate() *gate.Gate { return d.gate }

// Handler returns the HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.server.Handler() }

// Run listens on the configured address and serves until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Addr(), err)
	}
	return d.Serve(ctx, ln)
}

// Serve runs the cross-context syncer and the HTTP server on ln until ctx
// ends, then shuts both down.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		if err := d.syncer.Run(ctx); err != nil {
			log.Printf("[daemon] sync stopped: %v", err)
		}
	}()

	hs := &http.Server{
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Live streams end with the daemon.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[daemon] listening on %s (%s storage)", ln.Addr(), d.cfg.Storage.Backend)
		errCh <- hs.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.Printf("[daemon] shutdown: %v", err)
	}
	<-syncDone
	log.Printf("[daemon] stopped")

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// Close releases the store and background workers.
func (d *Daemon) Close() error {
	if d.limiter != nil {
		d.limiter.Close()
	}
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
