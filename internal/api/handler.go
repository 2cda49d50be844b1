package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/audit"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/counter"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/event"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/metrics"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/sketch"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/store"
	"github.com/Milad-Afdasta/TrueNow/services/sketch-counter/internal/version"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Handler handles HTTP requests for the counter service
type Handler struct {
	svc      *counter.Service
	metrics  *metrics.Metrics
	auditor  *audit.Auditor
	gatherer prometheus.Gatherer
	newID    func() string
	router   *mux.Router
}

type Option func(*Handler)

// WithAuditor records dataset management requests.
func WithAuditor(a *audit.Auditor) Option {
	return func(h *Handler) { h.auditor = a }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithIDGenerator sets how distinct ids are made for events that carry none.
func WithIDGenerator(f func() string) Option {
	return func(h *Handler) { h.newID = f }
}

func NewHandler(svc *counter.Service, m *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		svc:      svc,
		metrics:  m,
		gatherer: prometheus.DefaultGatherer,
		newID:    uuid.NewString,
		router:   mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.router.HandleFunc("/health", h.handleHealth).Methods("GET")
	h.router.HandleFunc("/ready", h.handleReady).Methods("GET")
	h.router.HandleFunc("/version", h.handleVersion).Methods("GET")
	h.router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	h.router.HandleFunc("/add", h.handleRecord).Methods("POST")

	v1 := h.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events", h.handleRecord).Methods("POST")
	v1.HandleFunc("/counts/{dataset}/intersection", h.handleIntersection).Methods("POST")
	v1.HandleFunc("/counts/{dataset}/{field}/{value}", h.handleCount).Methods("GET")
	v1.HandleFunc("/datasets", h.handleListDatasets).Methods("GET")
	v1.HandleFunc("/datasets/{dataset}", h.handleCreateDataset).Methods("PUT")
	v1.HandleFunc("/datasets/{dataset}", h.handleRemoveDataset).Methods("DELETE")

	h.router.Use(h.loggingMiddleware)
	if h.metrics != nil {
		h.router.Use(h.metricsMiddleware)
	}
	if h.auditor != nil {
		h.router.Use(h.auditor.Middleware)
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.statusCode,
			"duration": time.Since(start).Milliseconds(),
			"remote":   r.RemoteAddr,
		}).Debug("Request handled")
	})
}

// metricsMiddleware labels requests by route template so that dataset and
// value names do not become label values.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := "unknown"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		status := metrics.StatusClass(wrapped.statusCode)
		h.metrics.RequestDuration.WithLabelValues(r.Method, endpoint, status).Observe(time.Since(start).Seconds())
		h.metrics.RequestCount.WithLabelValues(r.Method, endpoint, status).Inc()
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, version.Get())
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	events, err := event.Parse(body, func(int) string { return h.newID() })
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recorded := 0
	for _, e := range events {
		n, err := h.svc.Record(r.Context(), e.Dataset, e.DistinctID, e.Fields)
		recorded += n
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"events":   len(events),
		"recorded": recorded,
	})
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	est, err := h.svc.Count(r.Context(), vars["dataset"], vars["field"], vars["value"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"dataset":  vars["dataset"],
		"field":    vars["field"],
		"value":    vars["value"],
		"estimate": est,
	})
}

type intersectionRequest struct {
	Filters []store.Filter `json:"filters"`
}

type intersectionResponse struct {
	Dataset string `json:"dataset"`
	sketch.Estimate
}

func (h *Handler) handleIntersection(w http.ResponseWriter, r *http.Request) {
	var req intersectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	dataset := mux.Vars(r)["dataset"]
	est, err := h.svc.CountIntersection(r.Context(), dataset, req.Filters)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, intersectionResponse{Dataset: dataset, Estimate: est})
}

func (h *Handler) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := h.svc.ListDatasets(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"datasets": datasets,
		"count":    len(datasets),
	})
}

func (h *Handler) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["dataset"]
	id, err := h.svc.ResolveOrCreate(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, store.Dataset{ID: id, Name: name})
}

func (h *Handler) handleRemoveDataset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["dataset"]
	if err := h.svc.RemoveByName(r.Context(), name); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "deleted",
		"dataset": name,
	})
}

// writeServiceError maps service errors to statuses. Anything that is not
// a caller mistake is a store failure and reported as 503.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, counter.ErrInvalidInput), errors.Is(err, sketch.ErrEmptyItem):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "dataset not found")
	case errors.Is(err, store.ErrUnknownDataset):
		h.writeError(w, http.StatusConflict, "dataset was removed while recording")
	default:
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{
		"error":  message,
		"status": http.StatusText(status),
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(data)
}
