// Package app wires all voxbridge subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithCallStore, WithBackendDialer, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxbridge/internal/backend"
	"github.com/MrWong99/voxbridge/internal/callstore"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/telephony"
	"github.com/MrWong99/voxbridge/internal/token"
)

// shutdownTimeout bounds graceful HTTP server shutdown once the run context
// is cancelled.
const shutdownTimeout = 10 * time.Second

// BackendDialer opens a fresh speech-backend channel for one call.
type BackendDialer func(ctx context.Context) (relay.Backend, error)

// App owns all subsystem lifetimes and serves the voxbridge HTTP surface.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	dialBackend BackendDialer
	calls       callstore.Store
	pool        *pgxpool.Pool

	handler http.Handler

	// relays tracks the live call relays by record ID so that readiness and
	// shutdown can observe in-flight calls.
	mu     sync.Mutex
	relays map[string]*relay.Relay
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallStore injects a call-record store instead of connecting to
// PostgreSQL from config.
func WithCallStore(s callstore.Store) Option {
	return func(a *App) { a.calls = s }
}

// WithBackendDialer injects the backend connection factory. Used in tests to
// point calls at a fake backend server.
func WithBackendDialer(d BackendDialer) Option {
	return func(a *App) { a.dialBackend = d }
}

// WithMetrics injects a metrics bundle instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		relays: make(map[string]*relay.Relay),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.dialBackend == nil {
		a.dialBackend = defaultDialer(cfg.Backend)
	}
	if err := a.initCallStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init call store: %w", err)
	}

	a.handler = a.buildRoutes()
	return a, nil
}

// initCallStore connects to PostgreSQL when a DSN is configured and no store
// was injected. Without a DSN, call records are not persisted.
func (a *App) initCallStore(ctx context.Context) error {
	if a.calls != nil {
		return nil
	}
	dsn := a.cfg.Calls.PostgresDSN
	if dsn == "" {
		slog.Info("call-record persistence disabled (no calls.postgres_dsn)")
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	store := callstore.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	a.pool = pool
	a.calls = store
	return nil
}

// defaultDialer builds the production backend dialer from config.
func defaultDialer(cfg config.BackendConfig) BackendDialer {
	var creds token.Supplier = token.Static(cfg.APIKey)
	if cfg.EphemeralTokens {
		creds = token.NewEphemeral(cfg.APIKey, cfg.Model)
	}

	return func(ctx context.Context) (relay.Backend, error) {
		return backend.Dial(ctx, backend.Config{
			Model:         cfg.Model,
			BaseURL:       cfg.BaseURL,
			Credentials:   creds,
			Voice:         cfg.Voice,
			Instructions:  cfg.Instructions,
			Temperature:   cfg.Temperature,
			TurnDetection: string(cfg.TurnDetection),
			TurnThreshold: cfg.TurnThreshold,
			TurnSilenceMs: cfg.TurnSilenceMs,
		})
	}
}

// ─── Routes ──────────────────────────────────────────────────────────────────

// Handler returns the fully wired HTTP handler. Exposed for tests.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) buildRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", a.handleIndex)
	mux.HandleFunc("GET /incoming-call", a.handleIncomingCall)
	mux.HandleFunc("POST /incoming-call", a.handleIncomingCall)
	mux.HandleFunc("GET /media-stream", a.handleMediaStream)

	checkers := []health.Checker{
		{Name: "backend_config", Check: func(context.Context) error {
			if a.cfg.Backend.APIKey == "" {
				return errors.New("backend api key not configured")
			}
			return nil
		}},
	}
	if a.pool != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.pool.Ping})
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

// handleIndex reports that the server is up. Useful as a smoke check when
// pointing a telephony webhook at a fresh deployment.
func (a *App) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]string{"message": "voxbridge media relay is running"})
}

// handleIncomingCall answers the telephony provider's call webhook with an
// XML document instructing it to open a media stream back to this server.
func (a *App) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	host := a.cfg.Server.PublicHost
	if host == "" {
		host = r.Host
	}
	streamURL := "wss://" + host + "/media-stream"

	doc, err := telephony.ConnectStreamTwiML(a.cfg.Telephony.Greeting, streamURL)
	if err != nil {
		slog.Error("render call answer document", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write(doc)
}

// handleMediaStream upgrades to a websocket, connects the speech backend, and
// relays both directions until either side hangs up.
func (a *App) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slog.With("remote", r.RemoteAddr)

	leg, err := telephony.Accept(w, r)
	if err != nil {
		log.Error("accept media stream", "err", err)
		return
	}

	dialStart := time.Now()
	be, err := a.dialBackend(ctx)
	if err != nil {
		log.Error("connect speech backend", "err", err)
		a.metrics.BackendErrors.Add(ctx, 1)
		leg.Close()
		return
	}
	a.metrics.SetupDuration.Record(ctx, time.Since(dialStart).Seconds())

	recordID := uuid.NewString()
	relayOpts := []relay.Option{
		relay.WithMetrics(a.metrics),
		relay.WithStreamStartFunc(func(streamSID, callSID string) {
			a.beginCallRecord(recordID, streamSID, callSID)
		}),
	}
	if d := a.cfg.Backend.NegotiateTimeout; d > 0 {
		relayOpts = append(relayOpts, relay.WithNegotiateTimeout(d))
	}
	if d := a.cfg.Telephony.DrainGrace; d > 0 {
		relayOpts = append(relayOpts, relay.WithDrainGrace(d))
	}
	rl := relay.New(leg, be, relayOpts...)

	a.trackRelay(recordID, rl)
	a.metrics.ActiveCalls.Add(ctx, 1)
	callStart := time.Now()

	err = rl.Run(ctx)

	a.metrics.ActiveCalls.Add(context.Background(), -1)
	a.untrackRelay(recordID)

	outcome := callstore.OutcomeCompleted
	detail := ""
	if err != nil && !errors.Is(err, context.Canceled) {
		outcome = callstore.OutcomeError
		detail = err.Error()
		log.Error("relay finished with error", "err", err)
	}
	a.metrics.RecordCallFinished(context.Background(), outcome, time.Since(callStart).Seconds())
	a.finishCallRecord(recordID, outcome, detail)
}

// ─── Call records ────────────────────────────────────────────────────────────

func (a *App) beginCallRecord(recordID, streamSID, callSID string) {
	if a.calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &callstore.CallRecord{ID: recordID, StreamSID: streamSID, CallSID: callSID}
	if err := a.calls.Begin(ctx, rec); err != nil {
		slog.Warn("record call start", "err", err)
	}
}

func (a *App) finishCallRecord(recordID, outcome, detail string) {
	if a.calls == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.calls.Finish(ctx, recordID, outcome, detail); err != nil {
		// Calls that never produced a start event have no record to finish.
		slog.Debug("record call end", "err", err)
	}
}

func (a *App) trackRelay(id string, rl *relay.Relay) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relays[id] = rl
}

func (a *App) untrackRelay(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.relays, id)
}

// ActiveRelays returns the number of calls currently being relayed.
func (a *App) ActiveRelays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.relays)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then shuts the server down
// gracefully. Live call websockets are bound to their request contexts and
// end with the server.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if a.pool != nil {
		a.pool.Close()
	}
	if err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}
