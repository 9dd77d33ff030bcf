// Package status serves a read-only HTTP view of a run in flight.
//
// The surface is two endpoints: GET /health for liveness probes and
// GET /status for live counters (queue backlog, worker pool, GPU
// ceiling). The server is optional; the orchestrator starts it only
// when a listen address is configured.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smartice/camq/gpuhealth"
	"github.com/smartice/camq/queue"
	"github.com/smartice/camq/sched"
)

// Backlog is the queue view surfaced by GET /status.
type Backlog interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Pool is the worker pool view.
type Pool interface {
	Stats() sched.Stats
}

// GPU is the health monitor view.
type GPU interface {
	Recommended() int
	Last() (gpuhealth.Snapshot, bool)
	Stats() gpuhealth.Stats
}

// RunInfo identifies the run being served.
type RunInfo interface {
	RunID() string
	StartedAt() time.Time
}

// Options configures the server.
type Options struct {
	// Listen is the bind address, for example "127.0.0.1:9090".
	Listen string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server owns the listener and the route table.
type Server struct {
	backlog Backlog
	pool    Pool
	gpu     GPU
	run     RunInfo
	log     *slog.Logger
	srv     *http.Server
	ln      net.Listener
}

// New builds a server bound to nothing yet; call Run to serve.
func New(b Backlog, p Pool, g GPU, run RunInfo, opts Options) (*Server, error) {
	opts.defaults()
	if opts.Listen == "" {
		return nil, errors.New("status: Listen address is required")
	}
	s := &Server{
		backlog: b,
		pool:    p,
		gpu:     g,
		run:     run,
		log:     opts.Logger,
	}
	s.srv = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the route table without starting the listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.getStatus)
	return r
}

// Listen binds the configured address. Run calls it when needed; binding
// early lets the caller surface a bad address before the run starts and
// read the resolved port when the address was ":0".
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr reports the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Run serves until ctx is cancelled, then drains in-flight requests with
// a short grace period. Returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info("status: serving", "addr", s.Addr())

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status: shutdown: %w", err)
	}
	return nil
}

type statusBody struct {
	RunID       string          `json:"run_id"`
	StartedAt   time.Time       `json:"started_at"`
	UptimeMs    int64           `json:"uptime_ms"`
	Queue       queue.Counts    `json:"queue"`
	Outstanding int             `json:"outstanding"`
	Workers     sched.Stats     `json:"workers"`
	Ceiling     int             `json:"ceiling"`
	GPU         *gpuView        `json:"gpu,omitempty"`
	Monitor     gpuhealth.Stats `json:"monitor"`
}

type gpuView struct {
	TemperatureC   int       `json:"temperature_c"`
	UtilizationPct int       `json:"utilization_pct"`
	MemoryUsedPct  int       `json:"memory_used_pct"`
	Degraded       bool      `json:"degraded"`
	At             time.Time `json:"at"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.backlog.Counts(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	body := statusBody{
		RunID:       s.run.RunID(),
		StartedAt:   s.run.StartedAt().UTC(),
		UptimeMs:    time.Since(s.run.StartedAt()).Milliseconds(),
		Queue:       counts,
		Outstanding: counts.Outstanding(),
		Workers:     s.pool.Stats(),
		Ceiling:     s.gpu.Recommended(),
		Monitor:     s.gpu.Stats(),
	}
	if snap, ok := s.gpu.Last(); ok {
		body.GPU = &gpuView{
			TemperatureC:   snap.TemperatureC,
			UtilizationPct: snap.UtilizationPct,
			MemoryUsedPct:  snap.MemoryUsedPct(),
			Degraded:       snap.Degraded,
			At:             snap.Time.UTC(),
		}
	}
	writeJSON(w, 200, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
