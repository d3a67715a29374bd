package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pricefinder/internal/coordinator"
	"pricefinder/internal/domain"
	"pricefinder/internal/worker"
)

// SearchCoordinator is everything the HTTP surface needs from the dispatch core.
type SearchCoordinator interface {
	RequestSearch(ctx context.Context, rawQuery, requesterID string) (coordinator.SearchOutcome, error)
	SubmitResults(ctx context.Context, credential, rawQuery string, raw []domain.RawOffer) ([]domain.Offer, error)

	VerifyAdmin(code string) bool
	SetMaintenance(enabled bool)
	Maintenance() bool
	SetQueuePaused(paused bool)
	QueuePaused() bool
	EvictCache(ctx context.Context, rawQuery string) (bool, error)
	ClearCache(ctx context.Context) int
	ClearQueue() int
	DisconnectWorker() bool
	ResetTraffic()
	Traffic() domain.TrafficSnapshot
	Stats() coordinator.Stats
}

// WorkerGate authenticates and attaches worker sockets.
type WorkerGate interface {
	Authenticate(credential string) bool
	Connect(credential string, transport worker.Transport) (*worker.Session, error)
	State() domain.WorkerState
}

type Server struct {
	coord           SearchCoordinator
	workers         WorkerGate
	logger          *slog.Logger
	pollInterval    time.Duration
	pollMaxAttempts int
	rateRPS         float64
	rateBurst       int
	pingInterval    time.Duration
	pongWait        time.Duration
	metricsHandler  http.Handler
}

const (
	maxQueryLength         = 500
	defaultPollInterval    = 3 * time.Second
	defaultPollMaxAttempts = 40
	adminCodeHeader        = "X-Admin-Code"
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPolling sets the re-poll hint given to clients with a pending search.
func WithPolling(interval time.Duration, maxAttempts int) ServerOption {
	return func(s *Server) {
		if interval > 0 {
			s.pollInterval = interval
		}
		if maxAttempts > 0 {
			s.pollMaxAttempts = maxAttempts
		}
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithKeepalive(pingInterval, pongWait time.Duration) ServerOption {
	return func(s *Server) {
		if pingInterval > 0 {
			s.pingInterval = pingInterval
		}
		if pongWait > 0 {
			s.pongWait = pongWait
		}
	}
}

func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

func NewServer(coord SearchCoordinator, workers WorkerGate, options ...ServerOption) *Server {
	server := &Server{
		coord:           coord,
		workers:         workers,
		logger:          slog.Default(),
		pollInterval:    defaultPollInterval,
		pollMaxAttempts: defaultPollMaxAttempts,
		pingInterval:    defaultPingInterval,
		pongWait:        defaultPongWait,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	if server.metricsHandler == nil {
		server.metricsHandler = promhttp.Handler()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metricsHandler)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/submit-results", s.handleSubmitResults)
	mux.HandleFunc("/worker", s.handleWorker)
	mux.HandleFunc("/admin/maintenance", s.admin(s.handleMaintenance))
	mux.HandleFunc("/admin/queue/pause", s.admin(s.handleQueuePause))
	mux.HandleFunc("/admin/queue/clear", s.admin(s.handleQueueClear))
	mux.HandleFunc("/admin/cache/clear", s.admin(s.handleCacheClear))
	mux.HandleFunc("/admin/worker/disconnect", s.admin(s.handleWorkerDisconnect))
	mux.HandleFunc("/admin/traffic/reset", s.admin(s.handleTrafficReset))
	mux.HandleFunc("/admin/stats", s.admin(s.handleStats))
	mux.HandleFunc("/admin/traffic-data", s.admin(s.handleTrafficData))

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "pricefinder",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health" && p != "/worker"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(traced))))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC(),
		"worker":      s.workers.State(),
		"maintenance": s.coord.Maintenance(),
	})
}

type pendingResponse struct {
	Status       string `json:"status"`
	Query        string `json:"query"`
	Message      string `json:"message"`
	Position     int    `json:"position"`
	RetryAfterMs int64  `json:"retryAfterMs"`
	MaxAttempts  int    `json:"maxAttempts"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		query = strings.TrimSpace(r.URL.Query().Get("q"))
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_query", fmt.Sprintf("query exceeds %d characters", maxQueryLength))
		return
	}

	outcome, err := s.coord.RequestSearch(r.Context(), query, clientIP(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if outcome.Status == coordinator.StatusReady {
		offers := outcome.Offers
		if offers == nil {
			offers = []domain.Offer{}
		}
		writeJSON(w, http.StatusOK, offers)
		return
	}

	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(s.pollInterval.Seconds()))))
	writeJSON(w, http.StatusAccepted, pendingResponse{
		Status:       string(coordinator.StatusPending),
		Query:        outcome.Key.String(),
		Message:      "search is being processed, retry shortly",
		Position:     outcome.Position,
		RetryAfterMs: s.pollInterval.Milliseconds(),
		MaxAttempts:  s.pollMaxAttempts,
	})
}

type submitResultsRequest struct {
	Secret  string             `json:"secret"`
	Query   string             `json:"query"`
	Results *[]domain.RawOffer `json:"results"`
}

func (s *Server) handleSubmitResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var body submitResultsRequest
	if err := decodeJSONBody(r, &body, 8<<20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	credential := strings.TrimSpace(r.Header.Get(workerSecretHeader))
	if credential == "" {
		credential = body.Secret
	}
	var raw []domain.RawOffer
	if body.Results != nil {
		raw = *body.Results
	}

	offers, err := s.coord.SubmitResults(r.Context(), credential, body.Query, raw)
	if err != nil && offers == nil {
		s.writeDomainError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("results cached but job not completed", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"query":  domain.NormalizeQuery(body.Query).String(),
		"count":  len(offers),
	})
}

type adminRequest struct {
	Code    string `json:"code"`
	Enabled *bool  `json:"enabled,omitempty"`
	Paused  *bool  `json:"paused,omitempty"`
	Query   string `json:"query,omitempty"`
}

type adminHandler func(w http.ResponseWriter, r *http.Request, req adminRequest)

// admin wraps an operator endpoint: POST only, admin code checked before anything runs.
func (s *Server) admin(next adminHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		var req adminRequest
		if err := decodeJSONBody(r, &req, 1<<20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		if code := strings.TrimSpace(r.Header.Get(adminCodeHeader)); code != "" {
			req.Code = code
		}
		if !s.coord.VerifyAdmin(req.Code) {
			s.logger.Warn("admin request rejected",
				slog.String("path", r.URL.Path),
				slog.String("clientIP", clientIP(r)),
			)
			writeError(w, http.StatusForbidden, "forbidden", "invalid admin code")
			return
		}
		next(w, r, req)
	}
}

func (s *Server) handleMaintenance(w http.ResponseWriter, _ *http.Request, req adminRequest) {
	enabled := !s.coord.Maintenance()
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	s.coord.SetMaintenance(enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"maintenance": enabled})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, _ *http.Request, req adminRequest) {
	paused := !s.coord.QueuePaused()
	if req.Paused != nil {
		paused = *req.Paused
	}
	s.coord.SetQueuePaused(paused)
	writeJSON(w, http.StatusOK, map[string]bool{"queuePaused": paused})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, _ *http.Request, _ adminRequest) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.coord.ClearQueue()})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request, req adminRequest) {
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusOK, map[string]int{"cleared": s.coord.ClearCache(r.Context())})
		return
	}
	evicted, err := s.coord.EvictCache(r.Context(), req.Query)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   domain.NormalizeQuery(req.Query).String(),
		"evicted": evicted,
	})
}

func (s *Server) handleWorkerDisconnect(w http.ResponseWriter, _ *http.Request, _ adminRequest) {
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": s.coord.DisconnectWorker()})
}

func (s *Server) handleTrafficReset(w http.ResponseWriter, _ *http.Request, _ adminRequest) {
	s.coord.ResetTraffic()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ adminRequest) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

func (s *Server) handleTrafficData(w http.ResponseWriter, _ *http.Request, _ adminRequest) {
	snapshot := s.coord.Traffic()
	if snapshot.SearchHistory == nil {
		snapshot.SearchHistory = []domain.SearchRecord{}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
	case errors.Is(err, domain.ErrMissingResults):
		writeError(w, http.StatusBadRequest, "missing_results", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrMaintenance):
		writeError(w, http.StatusServiceUnavailable, "maintenance", err.Error())
	case errors.Is(err, domain.ErrNoWorker):
		writeError(w, http.StatusServiceUnavailable, "no_worker", err.Error())
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeJSONBody(r *http.Request, dest any, limit int64) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
