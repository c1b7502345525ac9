package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rescue-service/domain"
	"rescue-service/geo"
)

// GarageSearch finds approved garages around a point and ranks them
type GarageSearch struct {
	finder   domain.GarageFinder
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewGarageSearch evaluates opening hours in loc. A nil clock means time.Now.
func NewGarageSearch(finder domain.GarageFinder, loc *time.Location, clock func() time.Time, logger *slog.Logger) *GarageSearch {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	return &GarageSearch{
		finder:   finder,
		location: loc,
		now:      clock,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// Nearby returns garages within radiusKm ordered open first, pro first,
// rating descending, distance ascending
func (s *GarageSearch) Nearby(ctx context.Context, latitude, longitude, radiusKm float64) ([]geo.RankedGarage, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceNearbyGarages")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("latitude", latitude),
		attribute.Float64("longitude", longitude),
		attribute.Float64("radiusKm", radiusKm),
	)

	if err := validateQuery(latitude, longitude, radiusKm); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	garages, err := s.finder.FindGaragesWithin(ctx, latitude, longitude, radiusKm)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find garages")
		s.logger.Error("Failed to find garages", "error", err, "latitude", latitude, "longitude", longitude, "radiusKm", radiusKm)
		return nil, fmt.Errorf("failed to find garages: %w", err)
	}

	ranked := geo.RankAndFilter(s.now().In(s.location), latitude, longitude, garages, radiusKm)
	span.SetAttributes(
		attribute.Int("candidateCount", len(garages)),
		attribute.Int("resultCount", len(ranked)),
	)
	return ranked, nil
}

func validateQuery(latitude, longitude, radiusKm float64) error {
	for name, v := range map[string]float64{"latitude": latitude, "longitude": longitude, "radius": radiusKm} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be a finite number", domain.ErrValidation, name)
		}
	}
	if latitude < -90 || latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", domain.ErrValidation, latitude)
	}
	if longitude < -180 || longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", domain.ErrValidation, longitude)
	}
	if radiusKm <= 0 {
		return fmt.Errorf("%w: radius must be positive", domain.ErrValidation)
	}
	return nil
}
