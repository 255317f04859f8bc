package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/notify"
	"mediq/queue-service/internal/queue"
	"mediq/queue-service/internal/store"

	"github.com/google/uuid"
)

// Engine is the slice of the queue engine the HTTP layer drives.
type Engine interface {
	IssueToken(ctx context.Context, slotID, userID string, travelTimeMin int) (queue.TokenGrant, error)
	StartSession(ctx context.Context, slotID string) (queue.QueueState, error)
	StartServing(ctx context.Context, appointmentID string) (models.Appointment, error)
	Complete(ctx context.Context, appointmentID string, actualMinutes float64) (queue.CompleteResult, error)
	MarkWrong(ctx context.Context, appointmentID string) (queue.QueueSnapshot, error)
	Cancel(ctx context.Context, appointmentID string) error
	GetSlotQueue(ctx context.Context, slotID string) (queue.QueueSnapshot, error)
	GetQueueState(ctx context.Context, slotID string) (queue.QueueState, error)
}

type Handler struct {
	engine Engine
}

type issueTokenRequest struct {
	UserID        string   `json:"user_id"`
	TravelTimeMin int      `json:"travel_time_min"`
	TravelMode    string   `json:"travel_mode"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	ClinicLat     *float64 `json:"clinic_latitude"`
	ClinicLon     *float64 `json:"clinic_longitude"`
}

type completeRequest struct {
	ActualMinutes float64 `json:"actual_minutes"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/slots/", h.handleSlotActions)
	mux.HandleFunc("/api/appointments/", h.handleAppointmentActions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleSlotActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/slots/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	slotID, action := parts[0], parts[1]
	if !isValidUUID(slotID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "slot id must be a UUID")
		return
	}

	switch action {
	case "tokens":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleIssueToken(w, r, slotID)
	case "session":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleStartSession(w, r, slotID)
	case "queue":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleSlotQueue(w, r, slotID)
	case "state":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleQueueState(w, r, slotID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request, slotID string) {
	var req issueTokenRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if !isValidUUID(req.UserID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id must be a UUID")
		return
	}
	if req.TravelTimeMin < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "travel_time_min must not be negative")
		return
	}

	travelTime := req.TravelTimeMin
	if travelTime == 0 && req.Latitude != nil && req.Longitude != nil && req.ClinicLat != nil && req.ClinicLon != nil {
		distance := notify.DistanceKm(*req.Latitude, *req.Longitude, *req.ClinicLat, *req.ClinicLon)
		travelTime = notify.TravelMinutes(distance, req.TravelMode)
	}

	grant, err := h.engine.IssueToken(r.Context(), slotID, req.UserID, travelTime)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request, slotID string) {
	state, err := h.engine.StartSession(r.Context(), slotID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleSlotQueue(w http.ResponseWriter, r *http.Request, slotID string) {
	snapshot, err := h.engine.GetSlotQueue(r.Context(), slotID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleQueueState(w http.ResponseWriter, r *http.Request, slotID string) {
	state, err := h.engine.GetQueueState(r.Context(), slotID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleAppointmentActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/appointments/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	appointmentID, action := parts[0], parts[1]
	if !isValidUUID(appointmentID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "appointment id must be a UUID")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "serve":
		h.handleStartServing(w, r, appointmentID)
	case "complete":
		h.handleComplete(w, r, appointmentID)
	case "wrong":
		h.handleMarkWrong(w, r, appointmentID)
	case "cancel":
		h.handleCancel(w, r, appointmentID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleStartServing(w http.ResponseWriter, r *http.Request, appointmentID string) {
	appt, err := h.engine.StartServing(r.Context(), appointmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, appointmentID string) {
	var req completeRequest
	if r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}
	if req.ActualMinutes < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "actual_minutes must not be negative")
		return
	}

	result, err := h.engine.Complete(r.Context(), appointmentID, req.ActualMinutes)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleMarkWrong(w http.ResponseWriter, r *http.Request, appointmentID string) {
	snapshot, err := h.engine.MarkWrong(r.Context(), appointmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, appointmentID string) {
	if err := h.engine.Cancel(r.Context(), appointmentID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrSlotNotFound):
		return http.StatusNotFound, "slot_not_found", "slot not found"
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found"
	case errors.Is(err, store.ErrSlotFull):
		return http.StatusConflict, "capacity_exceeded", "slot has no free tokens"
	case errors.Is(err, store.ErrSlotEnded):
		return http.StatusConflict, "slot_ended", "slot window has ended"
	case errors.Is(err, store.ErrSessionStarted):
		return http.StatusConflict, "session_already_started", "serving session already started"
	case errors.Is(err, store.ErrNoWaiting):
		return http.StatusConflict, "queue_empty", "no waiting appointments"
	case errors.Is(err, store.ErrAlreadyServing):
		return http.StatusConflict, "already_serving", "another appointment is being served"
	case errors.Is(err, store.ErrOutOfOrder):
		return http.StatusConflict, "out_of_order", "appointment is not next in line"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "appointment state does not allow this action"
	case errors.Is(err, store.ErrCancelWindow):
		return http.StatusConflict, "cancel_window_closed", "too close to the estimated start to cancel"
	case errors.Is(err, store.ErrDependencyMissing):
		return http.StatusBadGateway, "dependency_missing", "a required upstream record could not be resolved"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
