// Package daemon serves a long-running engine over HTTP: Prometheus
// metrics, health probes and a JSON API for sessions.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/kartta/internal/session"
	"github.com/yairfalse/kartta/types"
)

// Config holds daemon configuration
type Config struct {
	Addr string
	// Session is applied to sessions started over the API.
	Session session.Config
	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// Daemon serves the engine.
type Daemon struct {
	engine    *session.Engine
	config    Config
	metrics   *DaemonMetrics
	startTime time.Time
	ready     atomic.Bool
	port      atomic.Int64
	requests  atomic.Int64
}

// NewDaemon creates a new daemon instance. metrics may be nil.
func NewDaemon(engine *session.Engine, config Config, metrics *DaemonMetrics) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("daemon requires an engine")
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	return &Daemon{
		engine:    engine,
		config:    config,
		metrics:   metrics,
		startTime: time.Now(),
	}, nil
}

// Start serves until ctx is done, then shuts the server down gracefully.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.config.Addr, err)
	}
	d.port.Store(int64(ln.Addr().(*net.TCPAddr).Port))

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	d.ready.Store(true)
	log.Info().Str("addr", ln.Addr().String()).Msg("daemon listening")

	select {
	case err := <-errCh:
		d.ready.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	d.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	log.Info().Msg("daemon stopped")
	return nil
}

// MetricsPort returns the bound port once Start is listening.
func (d *Daemon) MetricsPort() int {
	return int(d.port.Load())
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	active := 0
	for _, rec := range d.engine.ListSessions() {
		if rec.State.Active() {
			active++
		}
	}
	return HealthStatus{
		Status:         "healthy",
		Uptime:         int64(time.Since(d.startTime).Seconds()),
		ActiveSessions: active,
		Requests:       d.requests.Load(),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status         string `json:"status"`
	Uptime         int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
	Requests       int64  `json:"requests"`
}

// Handler returns the HTTP routes.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /-/healthy", d.handleHealth)
	mux.HandleFunc("GET /-/ready", d.handleReady)

	mux.HandleFunc("GET /v1/sessions", d.handleList)
	mux.HandleFunc("POST /v1/sessions", d.handleStart)
	mux.HandleFunc("GET /v1/sessions/{id}", d.handleGet)
	mux.HandleFunc("GET /v1/sessions/{id}/progress", d.handleProgress)
	mux.HandleFunc("GET /v1/sessions/{id}/checkpoint", d.handleCheckpoint)
	mux.HandleFunc("GET /v1/sessions/{id}/dangling", d.handleDangling)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", d.handlePause)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", d.handleResume)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", d.handleCancel)
	mux.HandleFunc("POST /v1/sessions/{id}/retry", d.handleRetry)
	return d.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (d *Daemon) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		d.requests.Add(1)

		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		if d.metrics != nil {
			d.metrics.RecordRequest(r.Context(), route, rec.status, time.Since(start))
		}
		log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Health())
}

func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !d.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (d *Daemon) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.engine.ListSessions())
}

func (d *Daemon) handleStart(w http.ResponseWriter, r *http.Request) {
	var scope types.DiscoveryScope
	if err := json.NewDecoder(r.Body).Decode(&scope); err != nil {
		writeError(w, types.WrapError(types.KindInvalidScope, "decode scope", err))
		return
	}
	id, err := d.engine.StartSession(r.Context(), scope, d.config.Session)
	if err != nil {
		writeError(w, err)
		return
	}
	if d.metrics != nil {
		d.metrics.RecordSessionStarted(r.Context(), scope.Provider)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (d *Daemon) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := d.engine.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (d *Daemon) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := d.engine.GetProgress(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d *Daemon) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := d.engine.GetCheckpoint(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (d *Daemon) handleDangling(w http.ResponseWriter, r *http.Request) {
	edges, err := d.engine.GetDangling(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (d *Daemon) handlePause(w http.ResponseWriter, r *http.Request) {
	d.mutate(w, r, d.engine.PauseSession)
}

func (d *Daemon) handleResume(w http.ResponseWriter, r *http.Request) {
	d.mutate(w, r, d.engine.ResumeSession)
}

func (d *Daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	d.mutate(w, r, d.engine.CancelSession)
}

// mutate applies op and answers with the resulting progress.
func (d *Daemon) mutate(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	p, err := d.engine.GetProgress(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d *Daemon) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := d.engine.RetrySession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, types.ErrNoCheckpoint):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrCredential):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	var derr *types.DiscoveryError
	if errors.As(err, &derr) {
		body["kind"] = string(derr.Kind)
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}
