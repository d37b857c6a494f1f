// Package api serves the JSON HTTP interface over the job lifecycle
// controller.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"scriptsched/internal/job"
	"scriptsched/internal/jobs"
	"scriptsched/internal/validate"
	logx "scriptsched/pkg/logx"
)

const (
	DefaultMaxUploadBytes = 16 << 20
	DefaultRatePerSec     = 5
	DefaultBurst          = 20
)

type Config struct {
	MaxUploadBytes int64
	// RatePerSec and Burst size the per-client token bucket applied to
	// mutating routes. RatePerSec < 0 disables limiting.
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	return c
}

// Controller is the subset of the job lifecycle API the handlers use.
type Controller interface {
	Location() *time.Location
	ValidateScript(ctx context.Context, src []byte) validate.Result
	Submit(ctx context.Context, nj jobs.NewJob, uploadName string, src []byte) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context) ([]*job.Job, error)
	Pause(ctx context.Context, id string) (*job.Job, error)
	Resume(ctx context.Context, id string) (*job.Job, error)
	Delete(ctx context.Context, id string) error
	RunNow(ctx context.Context, id string) error
	CalculateNextExecution(j *job.Job) *time.Time
	Executions(ctx context.Context, id string, limit int) ([]*job.Execution, error)
	Execution(ctx context.Context, execID int64) (*job.Execution, error)
}

type handlers struct {
	cfg    Config
	ctrl   Controller
	log    logx.Logger
	status func() Status
}

type Option func(h *handlers)

// WithStatus enables GET /api/status, served from fn.
func WithStatus(fn func() Status) Option {
	return func(h *handlers) { h.status = fn }
}

// NewRouter builds the chi router with its middleware stack and routes.
func NewRouter(cfg Config, ctrl Controller, log logx.Logger, opts ...Option) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	h := &handlers{cfg: cfg, ctrl: ctrl, log: log}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(requestLogger(log))
	r.Use(recovery(log))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	r.Get("/healthz", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Get("/jobs/{id}/executions", h.listExecutions)
		r.Get("/executions/{id}/log", h.executionLog)
		r.Get("/status", h.getStatus)

		r.Group(func(r chi.Router) {
			if cfg.RatePerSec > 0 {
				r.Use(newClientLimiter(cfg.RatePerSec, cfg.Burst).middleware)
			}
			r.Post("/validate", h.validate)
			r.Post("/jobs", h.createJob)
			r.Post("/jobs/{id}/pause", h.pauseJob)
			r.Post("/jobs/{id}/resume", h.resumeJob)
			r.Post("/jobs/{id}/run", h.runJob)
			r.Delete("/jobs/{id}", h.deleteJob)
		})
	})

	return r
}
