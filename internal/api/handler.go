// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"breachguard/internal/alerting"
	"breachguard/internal/breach"
	"breachguard/internal/ledger"
	"breachguard/internal/logging"
	"breachguard/internal/pipeline"
	"breachguard/internal/siem"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Service is the subset of the pipeline the handler serves.
type Service interface {
	ReportEvent(ctx context.Context, pattern string, details map[string]any) *breach.Detection
	Append(ctx context.Context, category ledger.Category, eventType string, actor ledger.Actor, outcome ledger.Outcome, details map[string]any) (*ledger.Event, error)
	VerifyIntegrity(ctx context.Context) (ledger.VerifyResult, error)
	Seal(ctx context.Context, reason string) (*ledger.Event, error)
	GetEvents(ctx context.Context, filter ledger.Filter) ([]*ledger.Event, error)
	GetStats() pipeline.Stats
	GetRecentDetections(limit int) []*breach.Detection
	GetRecentAlerts(limit int) []*alerting.Alert
	GetRules() []breach.Rule
	GetBlocked() []breach.BlockedPattern
	IsBlocked(pattern string) bool
	SendAlert(ctx context.Context, severity alerting.Severity, title, message, source string, details map[string]any) *alerting.Alert
	FlushSIEM(ctx context.Context) siem.Result
	RetryFailedSIEM(ctx context.Context) siem.Result
}

// Handler serves the HTTP API.
type Handler struct {
	svc       Service
	logger    *slog.Logger
	maxBody   int64
	metrics   http.Handler
	startTime time.Time
}

// NewHandler creates a Handler.
func NewHandler(svc Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:       svc,
		logger:    logger.With("component", "api"),
		maxBody:   1 << 20,
		startTime: time.Now(),
	}
}

// WithMaxBody sets the request body limit.
func (h *Handler) WithMaxBody(n int64) *Handler {
	if n > 0 {
		h.maxBody = n
	}
	return h
}

// WithMetrics serves m on GET /metrics.
func (h *Handler) WithMetrics(m http.Handler) *Handler {
	h.metrics = m
	return h
}

// Routes returns the route table.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.HandleReportEvent)
	mux.HandleFunc("POST /v1/ledger", h.HandleAppend)
	mux.HandleFunc("GET /v1/ledger", h.HandleQuery)
	mux.HandleFunc("GET /v1/ledger/verify", h.HandleVerify)
	mux.HandleFunc("POST /v1/ledger/seal", h.HandleSeal)
	mux.HandleFunc("GET /v1/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/detections", h.HandleDetections)
	mux.HandleFunc("GET /v1/alerts", h.HandleAlerts)
	mux.HandleFunc("POST /v1/alerts", h.HandleSendAlert)
	mux.HandleFunc("GET /v1/rules", h.HandleRules)
	mux.HandleFunc("GET /v1/blocked", h.HandleBlocked)
	mux.HandleFunc("GET /v1/blocked/{pattern}", h.HandleIsBlocked)
	mux.HandleFunc("POST /v1/siem/flush", h.HandleFlushSIEM)
	mux.HandleFunc("POST /v1/siem/retry", h.HandleRetrySIEM)
	mux.HandleFunc("GET /health", h.HealthCheck)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

// ReportEventRequest is the body of POST /v1/events.
type ReportEventRequest struct {
	EventPattern string         `json:"event_pattern"`
	Details      map[string]any `json:"details,omitempty"`
}

// ReportEventResponse is the result of a breach check.
type ReportEventResponse struct {
	Detected  bool              `json:"detected"`
	Detection *breach.Detection `json:"detection,omitempty"`
	Blocked   bool              `json:"blocked"`
	RequestID string            `json:"request_id"`
}

// HandleReportEvent handles POST /v1/events.
func (h *Handler) HandleReportEvent(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req ReportEventRequest
	if !h.decode(w, r, &req, requestID) {
		return
	}
	req.EventPattern = strings.TrimSpace(req.EventPattern)
	if req.EventPattern == "" {
		respondError(w, http.StatusBadRequest, "event_pattern is required", requestID)
		return
	}

	d := h.svc.ReportEvent(r.Context(), req.EventPattern, req.Details)
	respondJSON(w, http.StatusOK, ReportEventResponse{
		Detected:  d != nil,
		Detection: d,
		Blocked:   h.svc.IsBlocked(req.EventPattern),
		RequestID: requestID,
	})
}

// AppendRequest is the body of POST /v1/ledger.
type AppendRequest struct {
	Category  ledger.Category `json:"category"`
	EventType string          `json:"event_type"`
	Actor     ledger.Actor    `json:"actor"`
	// ActorIP is masked before it reaches the ledger.
	ActorIP string         `json:"actor_ip,omitempty"`
	Outcome ledger.Outcome `json:"outcome"`
	Details map[string]any `json:"details,omitempty"`
}

func (req *AppendRequest) validate() error {
	switch {
	case req.Category == "":
		return errors.New("category is required")
	case req.EventType == "":
		return errors.New("event_type is required")
	case req.Actor.Type == "":
		return errors.New("actor.type is required")
	case req.Outcome == "":
		req.Outcome = ledger.OutcomeSuccess
	case !req.Outcome.Valid():
		return fmt.Errorf("invalid outcome %q", req.Outcome)
	}
	return nil
}

// HandleAppend handles POST /v1/ledger.
func (h *Handler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req AppendRequest
	if !h.decode(w, r, &req, requestID) {
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if req.ActorIP != "" {
		req.Actor.MaskedIP = logging.MaskIP(req.ActorIP)
	}

	ev, err := h.svc.Append(r.Context(), req.Category, req.EventType, req.Actor, req.Outcome, req.Details)
	if err != nil {
		h.logger.Error("ledger append failed", "request_id", requestID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrLedgerCorrupt) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "failed to append ledger event", requestID)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

// HandleQuery handles GET /v1/ledger.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	q := r.URL.Query()

	filter := ledger.Filter{
		Category:  ledger.Category(q.Get("category")),
		EventType: q.Get("event_type"),
		ActorID:   q.Get("actor_id"),
		Outcome:   ledger.Outcome(q.Get("outcome")),
	}
	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid since: "+err.Error(), requestID)
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid until: "+err.Error(), requestID)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	filter.Limit = orDefault(limit)

	events, err := h.svc.GetEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("ledger query failed", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to query ledger", requestID)
		return
	}
	if events == nil {
		events = []*ledger.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// HandleVerify handles GET /v1/ledger/verify. A broken chain is reported
// with 200 and valid=false; only I/O failures are errors.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	res, err := h.svc.VerifyIntegrity(r.Context())
	if err != nil {
		h.logger.Error("ledger verification failed", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to verify ledger", requestID)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// HandleSeal handles POST /v1/ledger/seal.
func (h *Handler) HandleSeal(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	var req struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &req, requestID) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		respondError(w, http.StatusBadRequest, "reason is required", requestID)
		return
	}
	ev, err := h.svc.Seal(r.Context(), req.Reason)
	if err != nil {
		h.logger.Error("ledger seal failed", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to seal ledger segment", requestID)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

// HandleStats handles GET /v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.GetStats())
}

// HandleDetections handles GET /v1/detections.
func (h *Handler) HandleDetections(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), uuid.NewString())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"detections": h.svc.GetRecentDetections(orDefault(limit))})
}

// HandleAlerts handles GET /v1/alerts.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), uuid.NewString())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": h.svc.GetRecentAlerts(orDefault(limit))})
}

// SendAlertRequest is the body of POST /v1/alerts.
type SendAlertRequest struct {
	Severity alerting.Severity `json:"severity"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Source   string            `json:"source"`
	Details  map[string]any    `json:"details,omitempty"`
}

// HandleSendAlert handles POST /v1/alerts. A suppressed alert is not an
// error; the response reports sent=false.
func (h *Handler) HandleSendAlert(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	var req SendAlertRequest
	if !h.decode(w, r, &req, requestID) {
		return
	}
	if req.Title == "" {
		respondError(w, http.StatusBadRequest, "title is required", requestID)
		return
	}
	if req.Severity.Rank() == 0 {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid severity %q", req.Severity), requestID)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	alert := h.svc.SendAlert(r.Context(), req.Severity, req.Title, req.Message, req.Source, req.Details)
	respondJSON(w, http.StatusOK, map[string]any{
		"sent":       alert != nil,
		"alert":      alert,
		"request_id": requestID,
	})
}

// HandleRules handles GET /v1/rules.
func (h *Handler) HandleRules(w http.ResponseWriter, r *http.Request) {
	rules := h.svc.GetRules()
	respondJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}

// HandleBlocked handles GET /v1/blocked.
func (h *Handler) HandleBlocked(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"blocked": h.svc.GetBlocked()})
}

// HandleIsBlocked handles GET /v1/blocked/{pattern}.
func (h *Handler) HandleIsBlocked(w http.ResponseWriter, r *http.Request) {
	pattern := r.PathValue("pattern")
	respondJSON(w, http.StatusOK, map[string]any{
		"pattern": pattern,
		"blocked": h.svc.IsBlocked(pattern),
	})
}

// HandleFlushSIEM handles POST /v1/siem/flush.
func (h *Handler) HandleFlushSIEM(w http.ResponseWriter, r *http.Request) {
	res := h.svc.FlushSIEM(r.Context())
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

// HandleRetrySIEM handles POST /v1/siem/retry.
func (h *Handler) HandleRetrySIEM(w http.ResponseWriter, r *http.Request) {
	res := h.svc.RetryFailedSIEM(r.Context())
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.GetStats()

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case stats.Ledger.Failed:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case stats.SIEM != nil && stats.SIEM.PendingRetries > 0:
		status = "degraded"
	}

	respondJSON(w, httpStatus, map[string]any{
		"status":         status,
		"ledger_events":  stats.Ledger.Events,
		"ledger_failed":  stats.Ledger.Failed,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// decode reads a JSON body into v, writing the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, requestID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return false
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return false
	}
	return true
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func orDefault(limit int) int {
	if limit == 0 {
		return defaultListLimit
	}
	return limit
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
