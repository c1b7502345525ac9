package handlers

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rescue-service/geo"
)

// GarageSearcher ranks garages around a point
type GarageSearcher interface {
	Nearby(ctx context.Context, latitude, longitude, radiusKm float64) ([]geo.RankedGarage, error)
}

// GarageHandler serves the proximity search
type GarageHandler struct {
	search GarageSearcher
	tracer trace.Tracer
	logger *slog.Logger
}

// NewGarageHandler creates a new GarageHandler
func NewGarageHandler(search GarageSearcher, logger *slog.Logger) *GarageHandler {
	return &GarageHandler{
		search: search,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

// Nearby handles GET /garages/nearby?latitude=&longitude=&radius=
func (h *GarageHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "NearbyGarages")
	defer span.End()

	query := r.URL.Query()
	var values [3]float64
	for i, name := range []string{"latitude", "longitude", "radius"} {
		raw := query.Get(name)
		if raw == "" {
			span.SetStatus(codes.Error, name+" is required")
			writeError(w, http.StatusBadRequest, name+" is required")
			return
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err = strconv.ErrRange
		}
		if err != nil {
			span.SetStatus(codes.Error, "invalid "+name)
			writeError(w, http.StatusBadRequest, "invalid "+name+": "+raw)
			return
		}
		values[i] = v
	}
	latitude, longitude, radius := values[0], values[1], values[2]

	garages, err := h.search.Nearby(ctx, latitude, longitude, radius)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := statusFor(err)
		logFailure(h.logger, status, "Failed to search garages",
			"error", err, "latitude", latitude, "longitude", longitude, "radius", radius)
		writeError(w, status, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("garageCount", len(garages)))

	if garages == nil {
		garages = []geo.RankedGarage{}
	}
	writeJSON(w, http.StatusOK, garages)
}
