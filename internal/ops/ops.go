// Package ops serves the health, readiness, metrics and state endpoints of
// the riskcore worker.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pensionrisk/riskcore/internal/kri"
	"github.com/pensionrisk/riskcore/pkg/logger"
	"github.com/pensionrisk/riskcore/pkg/models"
	"github.com/pensionrisk/riskcore/pkg/resilience"
	"github.com/pensionrisk/riskcore/pkg/telemetry"
)

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// SummaryProvider computes the KRI portfolio summary.
type SummaryProvider interface {
	Summary(ctx context.Context) (*models.KRISummary, error)
}

// BuildInfo contains build-time information.
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	GitCommit string `json:"gitCommit"`
}

// Config holds the handler's dependencies. Every field except Logger may be
// left zero; the matching endpoint then reports "not configured".
type Config struct {
	Checks       map[string]CheckFunc
	CheckTimeout time.Duration
	State        *kri.MonitorState
	Breakers     *resilience.Registry
	Summary      SummaryProvider
	BuildInfo    BuildInfo
	Env          string
	Logger       *logger.Logger
}

// Handler serves the ops endpoints.
type Handler struct {
	checks       map[string]CheckFunc
	checkTimeout time.Duration
	state        *kri.MonitorState
	breakers     *resilience.Registry
	summary      SummaryProvider
	buildInfo    BuildInfo
	env          string
	log          *logger.Logger
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	return &Handler{
		checks:       cfg.Checks,
		checkTimeout: cfg.CheckTimeout,
		state:        cfg.State,
		breakers:     cfg.Breakers,
		summary:      cfg.Summary,
		buildInfo:    cfg.BuildInfo,
		env:          cfg.Env,
		log:          cfg.Logger.WithComponent("ops"),
	}
}

// Router returns the HTTP router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.loggingMiddleware)
	r.Use(telemetry.HTTPMiddleware("riskcore-ops"))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", h.healthCheck)
	r.Get("/readyz", h.readyCheck)
	r.Get("/version", h.version)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/monitor", func(r chi.Router) {
		r.Get("/state", h.monitorState)
		r.Get("/summary", h.kriSummary)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// =============================================================================
// Health Endpoints
// =============================================================================

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "riskcore",
		"version":   h.buildInfo.Version,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) readyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			checks[name] = "error: " + err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	h.respond(w, status, map[string]interface{}{
		"status": map[string]bool{"ready": status == http.StatusOK},
		"checks": checks,
	})
}

func (h *Handler) version(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.buildInfo)
}

// =============================================================================
// Monitor Endpoints
// =============================================================================

type stateResponse struct {
	Monitor  *kri.StateSnapshot            `json:"monitor"`
	Breakers []resilience.BreakerSnapshot `json:"breakers"`
}

func (h *Handler) monitorState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{Breakers: []resilience.BreakerSnapshot{}}
	if h.state != nil {
		snap := h.state.Snapshot()
		resp.Monitor = &snap
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Snapshots()
		sort.Slice(resp.Breakers, func(i, j int) bool {
			return resp.Breakers[i].Channel < resp.Breakers[j].Channel
		})
	}
	h.respond(w, http.StatusOK, resp)
}

func (h *Handler) kriSummary(w http.ResponseWriter, r *http.Request) {
	if h.summary == nil {
		h.respondError(w, http.StatusNotFound, "kri summary not configured", nil)
		return
	}
	s, err := h.summary.Summary(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to compute kri summary", err)
		return
	}
	h.respond(w, http.StatusOK, s)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		h.log.Error(message, "error", err)
	}

	response := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil && h.env != "production" {
		response["details"] = err.Error()
	}
	h.respond(w, status, response)
}
