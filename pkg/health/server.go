// Package health serves the health, status and event endpoints of fixgated
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/starfail/fixgate/pkg/logx"
	"github.com/starfail/fixgate/pkg/metrics"
	"github.com/starfail/fixgate/pkg/telem"
	"github.com/starfail/fixgate/pkg/tracking"
)

// StatusProvider is the tracking session as seen by the server
type StatusProvider interface {
	Status() tracking.Status
}

// CheckFunc reports the health of a component. A nil error means healthy;
// the message is shown either way.
type CheckFunc func() (string, error)

// Server provides health check endpoints
type Server struct {
	session   StatusProvider
	store     *telem.Store
	metrics   *metrics.Recorder
	logger    *logx.Logger
	router    *mux.Router
	server    *http.Server
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     string                 `json:"uptime"`
	Version    string                 `json:"version"`
	Components map[string]Component   `json:"components"`
	Statistics Statistics             `json:"statistics"`
	Telemetry  map[string]interface{} `json:"telemetry,omitempty"`
	Memory     MemoryInfo             `json:"memory"`
	LastError  *ErrorInfo             `json:"last_error,omitempty"`
}

// Component represents the health of a component
type Component struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Statistics represents session statistics
type Statistics struct {
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Reported    uint64 `json:"reported"`
	FixErrors   uint64 `json:"fix_errors"`
	TotalEvents int    `json:"total_events"`
}

// MemoryInfo represents memory usage information
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapAlloc uint64 `json:"heap_alloc_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
	NumGC     uint32 `json:"num_gc"`
}

// ErrorInfo represents the most recent error event
type ErrorInfo struct {
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewServer creates a new health server. store and recorder may be nil.
func NewServer(session StatusProvider, store *telem.Store, recorder *metrics.Recorder, logger *logx.Logger) *Server {
	if logger == nil {
		logger = logx.Discard()
	}
	s := &Server{
		session:   session,
		store:     store,
		metrics:   recorder,
		logger:    logger,
		router:    mux.NewRouter(),
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/status", s.statusHandler).Methods("GET")
	s.router.HandleFunc("/events", s.eventsHandler).Methods("GET")
	s.router.HandleFunc("/decisions", s.decisionsHandler).Methods("GET")
	s.router.HandleFunc("/export", s.exportHandler).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metricsHandler()).Methods("GET")
	}
	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// AddCheck registers a component health check
func (s *Server) AddCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// Start listens on addr in the background
func (s *Server) Start(addr string) error {
	s.logger.Info("starting health server", "addr", addr)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping health server")
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// healthHandler returns 200 when every component is healthy, 503 otherwise
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.getHealthStatus()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, status)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	var since time.Duration
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = d
	}

	events := []telem.Event{}
	if s.store != nil {
		if since > 0 {
			events = tail(s.store.GetRecentEvents(since), limit)
		} else {
			events = s.store.GetEvents(limit)
		}
	}
	if events == nil {
		events = []telem.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

// exportHandler dumps the whole telemetry store
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotFound, "telemetry store not configured")
		return
	}
	data, err := s.store.ExportJSON()
	if err != nil {
		s.logger.Error("telemetry export failed", "error", err)
		respondError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func tail(events []telem.Event, limit int) []telem.Event {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}

func (s *Server) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	samples := []telem.Sample{}
	if s.store != nil {
		samples = s.store.GetSamples(limit)
	}
	respondJSON(w, http.StatusOK, samples)
}

func (s *Server) metricsHandler() http.Handler {
	inner := s.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.UpdateTelemetryMetrics(s.store)
		s.metrics.UpdateDaemonMetrics()
		inner.ServeHTTP(w, r)
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		respondError(w, http.StatusBadRequest, "invalid limit parameter")
		return 0, false
	}
	return limit, true
}

func (s *Server) getHealthStatus() HealthStatus {
	session := s.session.Status()

	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Version:    metrics.Version,
		Components: make(map[string]Component),
		Statistics: Statistics{
			Accepted:  session.Counters.Accepted,
			Rejected:  session.Counters.Rejected,
			Reported:  session.Counters.Reported,
			FixErrors: session.Counters.Errors,
		},
		Memory:    s.getMemoryInfo(),
		LastError: s.getLastError(),
	}

	if session.Running {
		status.Components["session"] = Component{Status: "healthy", Message: session.Mode}
	} else {
		status.Components["session"] = Component{Status: "unhealthy", Message: "not running"}
	}

	s.mu.RLock()
	for name, check := range s.checks {
		msg, err := check()
		if err != nil {
			if msg != "" {
				msg = err.Error() + ", " + msg
			} else {
				msg = err.Error()
			}
			status.Components[name] = Component{Status: "unhealthy", Message: msg}
		} else {
			status.Components[name] = Component{Status: "healthy", Message: msg}
		}
	}
	s.mu.RUnlock()

	for _, component := range status.Components {
		if component.Status != "healthy" {
			status.Status = "unhealthy"
			break
		}
	}

	if s.store != nil {
		status.Telemetry = s.store.GetStats()
		if total, ok := status.Telemetry["total_events"].(int); ok {
			status.Statistics.TotalEvents = total
		}
	}
	return status
}

func (s *Server) getMemoryInfo() MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryInfo{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		HeapAlloc: m.HeapAlloc,
		HeapInuse: m.HeapInuse,
		NumGC:     m.NumGC,
	}
}

// getLastError returns the most recent warn or error event
func (s *Server) getLastError() *ErrorInfo {
	if s.store == nil {
		return nil
	}
	events := s.store.GetEvents(0)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Level == "warn" || events[i].Level == "error" {
			return &ErrorInfo{
				Message:   events[i].Message,
				Type:      events[i].Type,
				Timestamp: events[i].Timestamp,
			}
		}
	}
	return nil
}
