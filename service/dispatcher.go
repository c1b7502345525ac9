// Package service holds the emergency dispatch workflow and the garage
// proximity search.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rescue-service/domain"
	"rescue-service/realtime"
)

const tracerName = "rescue-service"

// Fan-out outcomes that are not errors
const (
	MessageNoActiveGarage    = "No active garage is connected right now"
	MessageNoQualifiedGarage = "No qualified garage is connected right now"
	MessageDispatchFailed    = "Dispatch could not be completed"
)

// DispatchResult is the outcome of one qualified fan-out
type DispatchResult struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message,omitempty"`
	NotifiedCount int      `json:"notifiedCount"`
	GarageIDs     []string `json:"garageIds,omitempty"`
}

// EventRecorder stores lifecycle events for later publication
type EventRecorder interface {
	Record(ctx context.Context, eventType string, e *domain.Emergency, notified int) error
}

// CreateEmergencyInput carries the requester's fields. The location is
// only set when both coordinates are present.
type CreateEmergencyInput struct {
	SessionID   string   `json:"sessionId"`
	Description string   `json:"description"`
	Images      []string `json:"images"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Address     string   `json:"address"`
	Phone       string   `json:"phone"`
}

// UpdateEmergencyInput is a partial update, nil fields are untouched
type UpdateEmergencyInput struct {
	Garage      *string  `json:"garage"`
	IsAccepted  *bool    `json:"isAccepted"`
	Description *string  `json:"description"`
	Images      []string `json:"images"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Address     *string  `json:"address"`
	Phone       *string  `json:"phone"`
}

// Dispatcher drives an emergency from creation to acceptance or withdrawal
type Dispatcher struct {
	store         domain.EmergencyStore
	catalog       domain.ServiceCatalog
	notifier      realtime.Notifier
	recorder      EventRecorder
	allowOverride bool
	logger        *slog.Logger
	tracer        trace.Tracer
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithEventRecorder records lifecycle events after each transition
func WithEventRecorder(r EventRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithAcceptOverride lets a later accept replace an earlier one
func WithAcceptOverride(allow bool) DispatcherOption {
	return func(d *Dispatcher) { d.allowOverride = allow }
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(store domain.EmergencyStore, catalog domain.ServiceCatalog, notifier realtime.Notifier, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		catalog:  catalog,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateEmergency persists a new case and offers it to every qualified
// live garage. A failed or empty fan-out does not fail the call.
func (d *Dispatcher) CreateEmergency(ctx context.Context, in CreateEmergencyInput) (*domain.Emergency, DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "ServiceCreateEmergency")
	defer span.End()

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		err := fmt.Errorf("%w: sessionId is required", domain.ErrValidation)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, DispatchResult{}, err
	}

	e := &domain.Emergency{
		SessionID:   sessionID,
		Description: in.Description,
		Images:      in.Images,
		Address:     in.Address,
		Phone:       in.Phone,
	}
	if in.Latitude != nil && in.Longitude != nil {
		e.Location = domain.NewPoint(*in.Latitude, *in.Longitude)
	}

	created, err := d.store.Create(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create emergency")
		d.logger.Error("Failed to create emergency", "error", err, "sessionID", sessionID)
		return nil, DispatchResult{}, fmt.Errorf("failed to create emergency: %w", err)
	}
	span.SetAttributes(attribute.String("emergencyID", created.ID.Hex()))

	result, err := d.fanOut(ctx, domain.EventNewEmergency, created)
	if err != nil {
		span.RecordError(err)
		d.logger.Warn("Dispatch of new emergency failed", "error", err, "emergencyID", created.ID.Hex())
		result = DispatchResult{Message: MessageDispatchFailed}
	}

	d.record(ctx, domain.EmergencyCreated, created, result.NotifiedCount)
	d.logger.Info("Emergency created", "emergencyID", created.ID.Hex(), "sessionID", sessionID, "notifiedCount", result.NotifiedCount)
	return created, result, nil
}

// RequestHelp re-offers an open case. It fails with ErrNotFound when the
// case is missing or no garage is connected at all.
func (d *Dispatcher) RequestHelp(ctx context.Context, emergencyID string) (DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "ServiceRequestHelp")
	defer span.End()

	e, err := d.find(ctx, emergencyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DispatchResult{}, err
	}
	if e.IsAccepted {
		err := fmt.Errorf("%w: emergency %s", domain.ErrAlreadyAccepted, emergencyID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DispatchResult{}, err
	}

	result, err := d.fanOut(ctx, domain.EventNewEmergency, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to dispatch emergency")
		d.logger.Error("Failed to dispatch emergency", "error", err, "emergencyID", emergencyID)
		return DispatchResult{}, fmt.Errorf("failed to dispatch emergency: %w", err)
	}
	if !result.Success && result.Message == MessageNoActiveGarage {
		err := fmt.Errorf("%w: no active garage for emergency %s", domain.ErrNotFound, emergencyID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	if result.Success {
		d.record(ctx, domain.EmergencyOffered, e, result.NotifiedCount)
	}
	d.logger.Info("Emergency re-dispatched", "emergencyID", emergencyID, "notifiedCount", result.NotifiedCount, "success", result.Success)
	return result, nil
}

// AcceptEmergency assigns the case to garageID, tells the requester and
// retracts the offer from the other qualified garages. Unless override is
// enabled only the first accept wins; a repeat by the same garage is a no-op.
func (d *Dispatcher) AcceptEmergency(ctx context.Context, emergencyID, garageID string) (*domain.Emergency, error) {
	ctx, span := d.tracer.Start(ctx, "ServiceAcceptEmergency")
	defer span.End()
	span.SetAttributes(
		attribute.String("emergencyID", emergencyID),
		attribute.String("garageID", garageID),
	)

	id, err := domain.ParseID("emergency id", emergencyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	garage, err := domain.ParseID("garage id", garageID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	accepted, err := d.store.AcceptByID(ctx, id, garage, !d.allowOverride)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to accept emergency")
		d.logger.Error("Failed to accept emergency", "error", err, "emergencyID", emergencyID, "garageID", garageID)
		return nil, fmt.Errorf("failed to accept emergency: %w", err)
	}
	if accepted == nil {
		existing, err := d.store.FindByID(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to find emergency")
			return nil, fmt.Errorf("failed to find emergency: %w", err)
		}
		if existing == nil {
			err := fmt.Errorf("%w: emergency %s", domain.ErrNotFound, emergencyID)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if existing.Garage != nil && *existing.Garage == garage {
			return existing, nil
		}
		err = fmt.Errorf("%w: emergency %s", domain.ErrAlreadyAccepted, emergencyID)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("Late accept rejected", "emergencyID", emergencyID, "garageID", garageID)
		return nil, err
	}

	sent, err := d.notifier.SendToUser(ctx, accepted.SessionID, domain.EventAcceptedRescue, accepted)
	if err != nil {
		span.RecordError(err)
		d.logger.Warn("Failed to notify requester", "error", err, "emergencyID", emergencyID, "sessionID", accepted.SessionID)
	} else if !sent {
		d.logger.Info("Requester no longer connected", "emergencyID", emergencyID, "sessionID", accepted.SessionID)
	}

	result, err := d.fanOut(ctx, domain.EventAcceptedRescue, accepted)
	if err != nil {
		span.RecordError(err)
		d.logger.Warn("Failed to broadcast acceptance", "error", err, "emergencyID", emergencyID)
	}

	d.record(ctx, domain.EmergencyAccepted, accepted, result.NotifiedCount)
	d.logger.Info("Emergency accepted", "emergencyID", emergencyID, "garageID", garageID, "notifiedCount", result.NotifiedCount)
	return accepted, nil
}

// DeleteEmergency retracts the offer from the qualified garages and then
// removes the case. A non-empty sessionID must match the requester.
func (d *Dispatcher) DeleteEmergency(ctx context.Context, emergencyID, sessionID string) (*domain.Emergency, error) {
	ctx, span := d.tracer.Start(ctx, "ServiceDeleteEmergency")
	defer span.End()

	e, err := d.find(ctx, emergencyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if sessionID != "" && sessionID != e.SessionID {
		err := fmt.Errorf("%w: emergency %s belongs to another session", domain.ErrUnauthorized, emergencyID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := d.fanOut(ctx, domain.EventCancelRescue, e)
	if err != nil {
		span.RecordError(err)
		d.logger.Warn("Failed to broadcast cancellation", "error", err, "emergencyID", emergencyID)
	}

	deleted, err := d.store.DeleteByID(ctx, e.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to delete emergency")
		d.logger.Error("Failed to delete emergency", "error", err, "emergencyID", emergencyID)
		return nil, fmt.Errorf("failed to delete emergency: %w", err)
	}
	if deleted == nil {
		return nil, fmt.Errorf("%w: emergency %s", domain.ErrNotFound, emergencyID)
	}

	d.record(ctx, domain.EmergencyWithdrawn, deleted, result.NotifiedCount)
	d.logger.Info("Emergency withdrawn", "emergencyID", emergencyID, "notifiedCount", result.NotifiedCount)
	return deleted, nil
}

// UpdateEmergency applies a partial update. Setting a garage implies
// acceptance and clearing acceptance drops the garage.
func (d *Dispatcher) UpdateEmergency(ctx context.Context, emergencyID string, in UpdateEmergencyInput) (*domain.Emergency, error) {
	ctx, span := d.tracer.Start(ctx, "ServiceUpdateEmergency")
	defer span.End()

	id, err := domain.ParseID("emergency id", emergencyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	patch, err := buildPatch(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var updated *domain.Emergency
	if patch.IsEmpty() {
		updated, err = d.store.FindByID(ctx, id)
	} else {
		updated, err = d.store.UpdateByID(ctx, id, patch)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update emergency")
		d.logger.Error("Failed to update emergency", "error", err, "emergencyID", emergencyID)
		return nil, fmt.Errorf("failed to update emergency: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: emergency %s", domain.ErrNotFound, emergencyID)
	}
	return updated, nil
}

func buildPatch(in UpdateEmergencyInput) (domain.EmergencyPatch, error) {
	patch := domain.EmergencyPatch{
		IsAccepted:  in.IsAccepted,
		Description: in.Description,
		Images:      in.Images,
		Address:     in.Address,
		Phone:       in.Phone,
	}
	if in.Garage != nil {
		garage, err := domain.ParseID("garage", *in.Garage)
		if err != nil {
			return patch, err
		}
		if in.IsAccepted != nil && !*in.IsAccepted {
			return patch, fmt.Errorf("%w: garage cannot be set on an unaccepted emergency", domain.ErrValidation)
		}
		accepted := true
		patch.Garage = &garage
		patch.IsAccepted = &accepted
	} else if in.IsAccepted != nil && *in.IsAccepted {
		return patch, fmt.Errorf("%w: isAccepted requires a garage", domain.ErrValidation)
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return patch, fmt.Errorf("%w: latitude and longitude must be set together", domain.ErrValidation)
	}
	if in.Latitude != nil {
		patch.Location = domain.NewPoint(*in.Latitude, *in.Longitude)
	}
	return patch, nil
}

// GetEmergency returns one case
func (d *Dispatcher) GetEmergency(ctx context.Context, emergencyID string) (*domain.Emergency, error) {
	ctx, span := d.tracer.Start(ctx, "ServiceGetEmergency")
	defer span.End()

	e, err := d.find(ctx, emergencyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return e, nil
}

// ListOpen returns every case not yet accepted, newest first
func (d *Dispatcher) ListOpen(ctx context.Context) ([]*domain.Emergency, error) {
	ctx, span := d.tracer.Start(ctx, "ServiceListOpenEmergencies")
	defer span.End()

	emergencies, err := d.store.FindOpen(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to list emergencies")
		d.logger.Error("Failed to list emergencies", "error", err)
		return nil, fmt.Errorf("failed to list emergencies: %w", err)
	}
	span.SetAttributes(attribute.Int("emergencyCount", len(emergencies)))
	return emergencies, nil
}

func (d *Dispatcher) find(ctx context.Context, emergencyID string) (*domain.Emergency, error) {
	id, err := domain.ParseID("emergency id", emergencyID)
	if err != nil {
		return nil, err
	}
	e, err := d.store.FindByID(ctx, id)
	if err != nil {
		d.logger.Error("Failed to find emergency", "error", err, "emergencyID", emergencyID)
		return nil, fmt.Errorf("failed to find emergency: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: emergency %s", domain.ErrNotFound, emergencyID)
	}
	return e, nil
}

// fanOut sends event to every live garage that offers a rescue service.
// The qualified set is derived anew on every call.
func (d *Dispatcher) fanOut(ctx context.Context, event string, e *domain.Emergency) (DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "ServiceFanOut")
	defer span.End()
	span.SetAttributes(
		attribute.String("event", event),
		attribute.String("emergencyID", e.ID.Hex()),
	)

	live, err := d.notifier.ActiveGarageIDs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to list live garages")
		return DispatchResult{}, fmt.Errorf("failed to list live garages: %w", err)
	}
	if len(live) == 0 {
		return DispatchResult{Message: MessageNoActiveGarage}, nil
	}

	qualified, err := d.catalog.FindGaragesOfferingRescue(ctx, live)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to filter qualified garages")
		return DispatchResult{}, fmt.Errorf("failed to filter qualified garages: %w", err)
	}
	if len(qualified) == 0 {
		return DispatchResult{Message: MessageNoQualifiedGarage}, nil
	}

	notified := make([]string, 0, len(qualified))
	for _, garageID := range qualified {
		if err := d.notifier.SendToGroup(ctx, event, e, garageID); err != nil {
			span.RecordError(err)
			d.logger.Warn("Failed to notify garage", "error", err, "event", event, "garageID", garageID, "emergencyID", e.ID.Hex())
			continue
		}
		notified = append(notified, garageID)
	}
	span.SetAttributes(
		attribute.Int("liveCount", len(live)),
		attribute.Int("notifiedCount", len(notified)),
	)
	return DispatchResult{Success: true, NotifiedCount: len(notified), GarageIDs: notified}, nil
}

func (d *Dispatcher) record(ctx context.Context, eventType string, e *domain.Emergency, notified int) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(ctx, eventType, e, notified); err != nil {
		d.logger.Warn("Failed to record emergency event", "error", err, "eventType", eventType, "emergencyID", e.ID.Hex())
	}
}
