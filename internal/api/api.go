// Package api provides the HTTP server for CallPipe.
//
// It exposes the JSON turn endpoint, the Twilio Voice webhooks, call
// archiving, configuration admin endpoints, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/CallPipe/internal/config"
	"github.com/BTreeMap/CallPipe/internal/engine"
	"github.com/BTreeMap/CallPipe/internal/fallback"
	"github.com/BTreeMap/CallPipe/internal/lockfile"
	"github.com/BTreeMap/CallPipe/internal/metrics"
	"github.com/BTreeMap/CallPipe/internal/scenario"
	"github.com/BTreeMap/CallPipe/internal/scheduler"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/BTreeMap/CallPipe/internal/voice"
)

// Server defaults.
const (
	DefaultAddr           = ":8080"
	DefaultPurgeSchedule  = "*/10 * * * *"
	DefaultJobTimeout     = time.Minute
	DefaultShutdownWait   = 10 * time.Second
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
	DefaultMaxRequestBody = 1 << 20
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	PublicURL       string
	TwilioAuthToken string
	ConfigDir       string
	StateDir        string
	StateTTL        time.Duration
	PurgeSchedule   string
	AdminToken      string

	fallback fallback.Responder
	metrics  *metrics.Recorder
	calls    voice.CallController
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicURL sets the externally visible base URL Twilio signs requests against.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = u }
}

// WithTwilioAuthToken enables webhook signature checks.
func WithTwilioAuthToken(token string) Option {
	return func(o *Opts) { o.TwilioAuthToken = token }
}

// WithConfigDir loads scenario configuration from dir instead of the embedded defaults.
func WithConfigDir(dir string) Option {
	return func(o *Opts) { o.ConfigDir = dir }
}

// WithStateDir locks dir against a second instance using the same local state.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithStateTTL sets how long idle call state is kept.
func WithStateTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.StateTTL = ttl }
}

// WithPurgeSchedule sets the cron expression for purging expired rows from SQL backends.
func WithPurgeSchedule(expr string) Option {
	return func(o *Opts) { o.PurgeSchedule = expr }
}

// WithAdminToken requires a bearer token on admin endpoints.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithFallback sets the responder used for unmatched utterances.
func WithFallback(r fallback.Responder) Option {
	return func(o *Opts) { o.fallback = r }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Opts) { o.metrics = m }
}

// WithCallController sets the Twilio REST client used to hang up live calls.
func WithCallController(c voice.CallController) Option {
	return func(o *Opts) { o.calls = c }
}

// Server wires the turn service to HTTP.
type Server struct {
	svc      *engine.TurnService
	cfg      *config.Source
	pool     *scenario.Pool
	st       store.Store
	fallback fallback.Responder
	metrics  *metrics.Recorder
	calls    voice.CallController
	verifier *voice.Verifier
	renderer *voice.Renderer
	opts     Opts
}

// NewServer creates a Server. The turn service, configuration source, pool
// and store must be the same instances the service was built from.
func NewServer(svc *engine.TurnService, cfg *config.Source, pool *scenario.Pool, st store.Store, opts ...Option) *Server {
	o := buildOpts(opts)
	s := &Server{
		svc:      svc,
		cfg:      cfg,
		pool:     pool,
		st:       st,
		fallback: o.fallback,
		metrics:  o.metrics,
		calls:    o.calls,
		verifier: voice.NewVerifier(o.TwilioAuthToken, o.PublicURL),
		renderer: voice.NewRenderer("/voice/turn", "/voice/recording"),
		opts:     o,
	}
	if s.fallback == nil {
		s.fallback = fallback.Static{}
	}
	slog.Debug("Server.NewServer: created", "signatureCheck", s.verifier.Enabled(),
		"metrics", s.metrics != nil, "callControl", s.calls != nil)
	return s
}

func buildOpts(opts []Option) Opts {
	o := Opts{
		Addr:          DefaultAddr,
		StateTTL:      engine.DefaultStateTTL,
		PurgeSchedule: DefaultPurgeSchedule,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /turn", s.turnHandler)
	s.handle(mux, "GET /calls/{id}", s.getCallHandler)
	s.handle(mux, "POST /calls/{id}/end", s.endCallHandler)
	s.handle(mux, "POST /voice/incoming", s.voiceIncomingHandler)
	s.handle(mux, "POST /voice/turn", s.voiceTurnHandler)
	s.handle(mux, "POST /voice/status", s.voiceStatusHandler)
	s.handle(mux, "POST /voice/recording", s.voiceRecordingHandler)
	s.handle(mux, "GET /admin/tenants", s.admin(s.tenantsHandler))
	s.handle(mux, "POST /admin/tenants/{id}/invalidate", s.admin(s.invalidateHandler))
	s.handle(mux, "POST /admin/reload", s.admin(s.reloadHandler))
	s.handle(mux, "GET /health", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.metrics != nil {
		handler = s.metrics.Middleware(pattern, handler)
	}
	mux.Handle(pattern, handler)
}

// Run builds every module from the given options and serves until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, fallbackOpts []fallback.Option, voiceOpts []voice.Option, apiOpts []Option) error {
	o := buildOpts(apiOpts)

	if o.StateDir != "" {
		lock, err := lockfile.AcquireLock(o.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cfg, err := config.Load(o.ConfigDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rec := metrics.NewRecorder("callpipe")
	pool := scenario.NewPool(cfg, scenario.WithBuildObserver(rec.ObservePoolBuild))
	svc := engine.NewTurnService(st, cfg, pool,
		engine.WithStateTTL(o.StateTTL),
		engine.WithObserver(rec))

	apiOpts = append(apiOpts, WithMetrics(rec))
	if responder, err := fallback.NewOpenAI(fallbackOpts...); err == nil {
		apiOpts = append(apiOpts, WithFallback(responder))
	} else {
		slog.Info("Run: OpenAI fallback disabled, using static replies", "reason", err)
	}
	if calls, err := voice.NewClient(voiceOpts...); err == nil {
		apiOpts = append(apiOpts, WithCallController(calls))
	} else {
		slog.Info("Run: Twilio call control disabled", "reason", err)
	}
	srv := NewServer(svc, cfg, pool, st, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := cfg.Watch(ctx, config.DefaultDebounce, func(tenantID string) {
			if tenantID == "" {
				pool.InvalidateAll()
				return
			}
			pool.Invalidate(tenantID)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Run: configuration watcher stopped", "error", err)
		}
	}()
	sched := scheduler.NewScheduler(DefaultJobTimeout)
	defer sched.Stop()
	if p, ok := st.(store.Purger); ok {
		if err := sched.AddJob("purge-expired", o.PurgeSchedule, scheduler.PurgeJob(p)); err != nil {
			return err
		}
	}

	httpSrv := &http.Server{
		Addr:         o.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("CallPipe API listening", "addr", o.Addr, "configDir", cfg.Dir(), "tenants", cfg.Tenants())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownWait)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
