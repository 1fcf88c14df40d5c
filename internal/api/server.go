// Package api provides the HTTP API for RemindPipe.
//
// It exposes patient profile management, manual scheduling and dispatch
// triggers, outcome recording, cohort summaries and the Twilio webhooks that
// feed delivery receipts and patient replies into the tracker.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/dispatch"
	"github.com/BTreeMap/RemindPipe/internal/metrics"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/reporting"
	"github.com/BTreeMap/RemindPipe/internal/schedule"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/tracker"
)

// DefaultShutdownTimeout bounds graceful shutdown in ListenAndServe.
const DefaultShutdownTimeout = 10 * time.Second

// Server wires the engine components to HTTP handlers.
type Server struct {
	store      store.Store
	engine     *schedule.Engine
	dispatcher *dispatch.Dispatcher
	tracker    *tracker.Tracker
	reports    *reporting.Aggregator
	cfg        config.Engine

	twilioAuthToken string
	publicBaseURL   string
	rateLimit       RateLimitConfig
	now             func() time.Time
}

// RateLimitConfig limits requests per client IP. A zero value disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	EntryTTL          time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithTwilioWebhookAuth enables X-Twilio-Signature validation on the webhooks.
// baseURL is the public scheme and host Twilio posts to, e.g. "https://remind.example.org".
func WithTwilioWebhookAuth(authToken, baseURL string) Option {
	return func(s *Server) {
		s.twilioAuthToken = authToken
		s.publicBaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithRateLimit enables per-client rate limiting.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(s *Server) {
		s.rateLimit = cfg
	}
}

// WithClock overrides time.Now for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a Server. All components are required.
func NewServer(st store.Store, eng *schedule.Engine, disp *dispatch.Dispatcher, trk *tracker.Tracker, rep *reporting.Aggregator, cfg config.Engine, opts ...Option) *Server {
	s := &Server{
		store:      st,
		engine:     eng,
		dispatcher: disp,
		tracker:    trk,
		reports:    rep,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP handler serving every endpoint.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(rateLimitMiddleware(s.rateLimit))

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/patients", s.createPatientHandler).Methods(http.MethodPost)
	r.HandleFunc("/patients/{id}", s.upsertPatientHandler).Methods(http.MethodPut)
	r.HandleFunc("/patients/{id}", s.getPatientHandler).Methods(http.MethodGet)
	r.HandleFunc("/patients/{id}/events", s.patientEventsHandler).Methods(http.MethodGet)

	r.HandleFunc("/schedule/run", s.scheduleRunHandler).Methods(http.MethodPost)
	r.HandleFunc("/dispatch/run", s.dispatchRunHandler).Methods(http.MethodPost)
	r.HandleFunc("/dispatch/stalled", s.stalledEventsHandler).Methods(http.MethodGet)

	r.HandleFunc("/events/{id}/dispatch", s.dispatchEventHandler).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}/release", s.releaseEventHandler).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}/response", s.responseHandler).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}/no-show", s.noShowHandler).Methods(http.MethodPost)
	r.HandleFunc("/events/{id}/delivered", s.deliveredHandler).Methods(http.MethodPost)

	r.HandleFunc("/cohorts/summary", s.cohortSummaryHandler).Methods(http.MethodPost)

	r.HandleFunc("/webhooks/twilio/status", s.twilioStatusHandler).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/twilio/inbound", s.twilioInboundHandler).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.ListenAndServe: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.ListenAndServe: shutdown failed", "error", err)
		return err
	}
	return nil
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[string]*rateLimitEntry
	swept   time.Time
}

func (c *clientLimiter) allow(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.swept) >= c.ttl {
		for k, e := range c.entries {
			if now.Sub(e.lastSeen) > c.ttl {
				delete(c.entries, k)
			}
		}
		c.swept = now
	}

	e, ok := c.entries[key]
	if !ok {
		e = &rateLimitEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func rateLimitMiddleware(cfg RateLimitConfig) mux.MiddlewareFunc {
	if cfg.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	cl := &clientLimiter{
		limit:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*rateLimitEntry),
		swept:   time.Now(),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cl.allow(clientIP(r), time.Now()) {
				slog.Warn("Server.rateLimit: request throttled", "client", clientIP(r), "path", r.URL.Path)
				w.Header().Set("Retry-After", "60")
				writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
