package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rescue-service/domain"
	"rescue-service/service"
)

const tracerName = "rescue-service"

// EmergencyService is the dispatch workflow the handlers drive
type EmergencyService interface {
	CreateEmergency(ctx context.Context, in service.CreateEmergencyInput) (*domain.Emergency, service.DispatchResult, error)
	RequestHelp(ctx context.Context, emergencyID string) (service.DispatchResult, error)
	AcceptEmergency(ctx context.Context, emergencyID, garageID string) (*domain.Emergency, error)
	DeleteEmergency(ctx context.Context, emergencyID, sessionID string) (*domain.Emergency, error)
	UpdateEmergency(ctx context.Context, emergencyID string, in service.UpdateEmergencyInput) (*domain.Emergency, error)
	GetEmergency(ctx context.Context, emergencyID string) (*domain.Emergency, error)
	ListOpen(ctx context.Context) ([]*domain.Emergency, error)
}

// EmergencyHandler handles emergency dispatch requests
type EmergencyHandler struct {
	service EmergencyService
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewEmergencyHandler creates a new EmergencyHandler
func NewEmergencyHandler(svc EmergencyService, logger *slog.Logger) *EmergencyHandler {
	return &EmergencyHandler{
		service: svc,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}
}

func (h *EmergencyHandler) fail(w http.ResponseWriter, span trace.Span, msg string, err error, attrs ...any) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	status := statusFor(err)
	logFailure(h.logger, status, msg, append([]any{"error", err}, attrs...)...)
	writeError(w, status, err.Error())
}

func (h *EmergencyHandler) decode(w http.ResponseWriter, r *http.Request, span trace.Span, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid request body")
		h.logger.Warn("Failed to decode request body", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// CreateEmergency raises a new case and dispatches it
func (h *EmergencyHandler) CreateEmergency(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateEmergency")
	defer span.End()

	var input service.CreateEmergencyInput
	if !h.decode(w, r, span, &input) {
		return
	}

	emergency, result, err := h.service.CreateEmergency(ctx, input)
	if err != nil {
		h.fail(w, span, "Failed to create emergency", err, "sessionID", input.SessionID)
		return
	}
	span.SetAttributes(
		attribute.String("emergencyID", emergency.ID.Hex()),
		attribute.Int("notifiedCount", result.NotifiedCount),
	)

	writeJSON(w, http.StatusCreated, map[string]any{
		"emergency": emergency,
		"dispatch":  result,
	})
}

// ListOpen lists cases no garage has accepted
func (h *EmergencyHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListOpenEmergencies")
	defer span.End()

	emergencies, err := h.service.ListOpen(ctx)
	if err != nil {
		h.fail(w, span, "Failed to list emergencies", err)
		return
	}
	if emergencies == nil {
		emergencies = []*domain.Emergency{}
	}
	writeJSON(w, http.StatusOK, emergencies)
}

// GetEmergency returns one case
func (h *EmergencyHandler) GetEmergency(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetEmergency")
	defer span.End()

	id := mux.Vars(r)["id"]
	emergency, err := h.service.GetEmergency(ctx, id)
	if err != nil {
		h.fail(w, span, "Failed to get emergency", err, "emergencyID", id)
		return
	}
	writeJSON(w, http.StatusOK, emergency)
}

// RequestHelp re-dispatches a case to the qualified live garages
func (h *EmergencyHandler) RequestHelp(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RequestHelp")
	defer span.End()

	id := mux.Vars(r)["id"]
	result, err := h.service.RequestHelp(ctx, id)
	if err != nil {
		h.fail(w, span, "Failed to request help", err, "emergencyID", id)
		return
	}
	span.SetAttributes(attribute.Int("notifiedCount", result.NotifiedCount))
	writeJSON(w, http.StatusOK, result)
}

// AcceptEmergency lets a garage claim a case
func (h *EmergencyHandler) AcceptEmergency(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AcceptEmergency")
	defer span.End()

	id := mux.Vars(r)["id"]
	var input struct {
		GarageID string `json:"garageId"`
	}
	if !h.decode(w, r, span, &input) {
		return
	}

	emergency, err := h.service.AcceptEmergency(ctx, id, input.GarageID)
	if err != nil {
		h.fail(w, span, "Failed to accept emergency", err, "emergencyID", id, "garageID", input.GarageID)
		return
	}
	span.SetAttributes(
		attribute.String("emergencyID", id),
		attribute.String("garageID", input.GarageID),
	)
	writeJSON(w, http.StatusOK, emergency)
}

// UpdateEmergency applies a partial update
func (h *EmergencyHandler) UpdateEmergency(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateEmergency")
	defer span.End()

	id := mux.Vars(r)["id"]
	var input service.UpdateEmergencyInput
	if !h.decode(w, r, span, &input) {
		return
	}

	emergency, err := h.service.UpdateEmergency(ctx, id, input)
	if err != nil {
		h.fail(w, span, "Failed to update emergency", err, "emergencyID", id)
		return
	}
	writeJSON(w, http.StatusOK, emergency)
}

// DeleteEmergency withdraws a case. The optional sessionId query parameter
// restricts the call to the requester.
func (h *EmergencyHandler) DeleteEmergency(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "DeleteEmergency")
	defer span.End()

	id := mux.Vars(r)["id"]
	sessionID := r.URL.Query().Get("sessionId")
	emergency, err := h.service.DeleteEmergency(ctx, id, sessionID)
	if err != nil {
		h.fail(w, span, "Failed to delete emergency", err, "emergencyID", id)
		return
	}
	writeJSON(w, http.StatusOK, emergency)
}
