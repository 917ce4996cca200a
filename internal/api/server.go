package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/epoch"
	"github.com/gridharvest/coordinator/internal/monitoring"
	"github.com/gridharvest/coordinator/internal/pipeline"
	"github.com/gridharvest/coordinator/internal/registry"
	"github.com/gridharvest/coordinator/internal/store"
)

// Options holds the API server knobs.
type Options struct {
	// ProofWindow bounds the request timestamp skew.
	ProofWindow time.Duration

	// StatusRate and StatusBurst cap the unauthenticated status endpoint
	// globally.
	StatusRate  rate.Limit
	StatusBurst int

	// SubmitRate and SubmitBurst cap each submitter's write traffic.
	SubmitRate  rate.Limit
	SubmitBurst int
}

// DefaultOptions returns the standard API limits.
func DefaultOptions() Options {
	return Options{
		ProofWindow: 5 * time.Minute,
		StatusRate:  5,
		StatusBurst: 10,
		SubmitRate:  2,
		SubmitBurst: 5,
	}
}

// Server is the coordinator's HTTP surface: assignment retrieval,
// submission intake, and the public status snapshot.
type Server struct {
	schedule  epoch.Schedule
	scheduler *pipeline.Scheduler
	registry  *registry.Registry
	catalog   *catalog.Catalog
	store     store.Store
	collector *monitoring.Collector
	opts      Options

	statusLimiter *rate.Limiter
	submitters    *submitterLimiters
	now           func() time.Time
}

// NewServer creates the API server.
func NewServer(sched epoch.Schedule, sch *pipeline.Scheduler, reg *registry.Registry, cat *catalog.Catalog, st store.Store, col *monitoring.Collector, opts Options) *Server {
	if opts.ProofWindow <= 0 {
		opts.ProofWindow = 5 * time.Minute
	}
	return &Server{
		schedule:      sched,
		scheduler:     sch,
		registry:      reg,
		catalog:       cat,
		store:         st,
		collector:     col,
		opts:          opts,
		statusLimiter: rate.NewLimiter(opts.StatusRate, opts.StatusBurst),
		submitters:    newSubmitterLimiters(opts.SubmitRate, opts.SubmitBurst),
		now:           time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", headerSubmitter, headerTimestamp, headerProof},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/assignments", s.handleRequestAssignment)
		r.Get("/assignments/{epochID}", s.handleGetAssignment)
		r.Post("/submissions", s.handleSubmit)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// requestLogger logs each request with latency at debug level, errors
// surface through handler logs instead.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Error codes returned by the API.
const (
	errAuthInvalid      = "auth_invalid"
	errTimestampOutside = "timestamp_out_of_window"
	errRateLimited      = "rate_limited"
	errNoCurrentEpoch   = "no_current_epoch"
	errUnknownEpoch     = "unknown_epoch"
	errEpochExpired     = "epoch_expired"
	errForbidden        = "forbidden"
	errTokenMismatch    = "token_mismatch"
	errDeadlinePassed   = "deadline_passed"
	errNotAssigned      = "not_assigned"
	errBadRequest       = "bad_request"
	errInternal         = "internal"
)

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
