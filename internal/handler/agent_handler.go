package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"Mansoor88-6/worktime-agent/internal/models"
	"Mansoor88-6/worktime-agent/internal/queue"
	"Mansoor88-6/worktime-agent/internal/service"

	"go.uber.org/zap"
)

// Shift is the session surface the agent API exposes
type Shift interface {
	RecordEvent(ctx context.Context, ev models.Event) (int64, error)
	Login(ctx context.Context, req models.LoginRequest) (models.CurrentSession, error)
	ChangeStatus(ctx context.Context, status, comment string) (models.CurrentSession, error)
	Logout(ctx context.Context, reason, comment string) error
	State(ctx context.Context) (models.ShiftState, error)
}

// StatsSource returns the stats of the last sync cycle
type StatsSource interface {
	Stats() models.SyncStats
}

// Pinger receives liveness pings
type Pinger interface {
	Touch()
	LastSeen() time.Time
}

type AgentHandler struct {
	shift  Shift
	stats  StatsSource
	pinger Pinger
	logger *zap.Logger
}

func NewAgentHandler(shift Shift, stats StatsSource, pinger Pinger, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		shift:  shift,
		stats:  stats,
		pinger: pinger,
		logger: logger,
	}
}

func (h *AgentHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{Status: "ok", Timestamp: time.Now()}
	if h.pinger != nil {
		resp.LastPing = h.pinger.LastSeen()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AgentHandler) Ping(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		h.pinger.Touch()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AgentHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if !h.decode(w, r, &ev) {
		return
	}

	id, err := h.shift.RecordEvent(r.Context(), ev)
	if err != nil {
		h.fail(w, "Failed to record event", err)
		return
	}
	writeJSON(w, http.StatusCreated, models.RecordEventResponse{ID: id})
}

func (h *AgentHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.shift.State(r.Context())
	if err != nil {
		h.fail(w, "Failed to load session", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *AgentHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	cur, err := h.shift.Login(r.Context(), req)
	if err != nil {
		h.fail(w, "Failed to log in", err)
		return
	}
	writeJSON(w, http.StatusCreated, cur)
}

func (h *AgentHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req models.StatusChangeRequest
	if !h.decode(w, r, &req) {
		return
	}

	cur, err := h.shift.ChangeStatus(r.Context(), req.Status, req.Comment)
	if err != nil {
		h.fail(w, "Failed to change status", err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (h *AgentHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req models.LogoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.shift.Logout(r.Context(), req.Reason, req.Comment); err != nil {
		h.fail(w, "Failed to log out", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AgentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *AgentHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Warn("Failed to decode request", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// fail maps err onto a status code: validation 400, session state 409, anything else 500
func (h *AgentHandler) fail(w http.ResponseWriter, msg string, err error) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, service.ErrNoSession), errors.Is(err, service.ErrSessionTerminated):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error(msg, zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: msg})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
