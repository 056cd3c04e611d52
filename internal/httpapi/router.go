package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"wisefido-energy/internal/energy"
	"wisefido-energy/internal/metrics"
	"wisefido-energy/internal/models"
	"wisefido-energy/internal/session"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SystemHeader carries the tenant; authentication happens upstream
const SystemHeader = "X-System-ID"

// SessionService device session commands and classification (session.Manager)
type SessionService interface {
	RequestStart(ctx context.Context, req session.StartRequest) (*models.DeviceUsageSession, error)
	Pause(ctx context.Context, sessionID, reason string) (*models.DeviceUsageSession, error)
	Resume(ctx context.Context, sessionID string) (*models.DeviceUsageSession, error)
	Finish(ctx context.Context, sessionID, reason string) (*models.DeviceUsageSession, error)
	Classify(ctx context.Context, assignmentID, appointmentID string) (models.DeviceStatus, error)
	ClassifyForAppointment(ctx context.Context, appointmentID string) ([]models.DeviceStatus, error)
}

// RiskService risk record queries (anomaly.Scorer)
type RiskService interface {
	Get(ctx context.Context, kind models.EntityKind, systemID, entityID string) (*models.AnomalyScore, error)
	List(ctx context.Context, kind models.EntityKind, systemID string) ([]*models.AnomalyScore, error)
}

// ProfileService energy profile queries (energy.Accumulator)
type ProfileService interface {
	Variability(ctx context.Context, systemID string) ([]energy.ProfileSummary, error)
}

// StatusStream live status push (broadcast.Hub)
type StatusStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request, systemID string)
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Handler HTTP surface of the energy service
type Handler struct {
	sessions SessionService
	risk     RiskService
	profiles ProfileService
	stream   StatusStream
	metrics  *metrics.Metrics
	logger   *zap.Logger

	checkNames []string
	checks     map[string]HealthCheck
}

func NewHandler(
	sessions SessionService,
	risk RiskService,
	profiles ProfileService,
	stream StatusStream,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sessions: sessions,
		risk:     risk,
		profiles: profiles,
		stream:   stream,
		metrics:  m,
		logger:   logger,
		checks:   make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency probe reported by /health
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	if _, ok := h.checks[name]; !ok {
		h.checkNames = append(h.checkNames, name)
	}
	h.checks[name] = check
}

// Router builds the route table
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
	if h.stream != nil {
		r.HandleFunc("/ws/status", h.serveStatusStream).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	api.Use(h.observe)

	api.HandleFunc("/appointments/{id}/devices", h.appointmentDevices).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}/status", h.assignmentStatus).Methods(http.MethodGet)

	api.HandleFunc("/sessions", h.startSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/pause", h.pauseSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/resume", h.resumeSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/finish", h.finishSession).Methods(http.MethodPost)

	// export.xlsx must be registered before the {entityId} route
	api.HandleFunc("/risk/{kind}/export.xlsx", h.exportRisk).Methods(http.MethodGet)
	api.HandleFunc("/risk/{kind}/{entityId}", h.getRisk).Methods(http.MethodGet)

	api.HandleFunc("/profiles/variability", h.variability).Methods(http.MethodGet)

	return r
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, Fail(r.Method+" not allowed on "+r.URL.Path))
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// observe records request latency labelled by route template
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.metrics.ObserveHTTP(route, r.Method, strconv.Itoa(rec.status), time.Since(start))
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for _, name := range h.checkNames {
		if err := h.checks[name](ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	if status != http.StatusOK {
		writeJSON(w, status, Result[map[string]string]{Code: ResultError, Type: "error", Message: "unhealthy", Result: deps})
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"status": "ok", "dependencies": deps}))
}

func (h *Handler) serveStatusStream(w http.ResponseWriter, r *http.Request) {
	h.stream.ServeWS(w, r, systemID(r))
}

// systemID from the header, or the query for clients that cannot set headers (browser WebSocket)
func systemID(r *http.Request) string {
	if id := r.Header.Get(SystemHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("system_id")
}
