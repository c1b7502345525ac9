package domain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rescue-service"

// EarthRadiusKm is the sphere radius shared by the $centerSphere prefilter
// and the Haversine distances computed on its results
const EarthRadiusKm = 6371.0

// EmergencyStore persists emergency cases. Lookups of missing records
// return (nil, nil).
type EmergencyStore interface {
	Create(ctx context.Context, e *Emergency) (*Emergency, error)
	FindOpen(ctx context.Context) ([]*Emergency, error)
	FindByID(ctx context.Context, id primitive.ObjectID) (*Emergency, error)
	UpdateByID(ctx context.Context, id primitive.ObjectID, patch EmergencyPatch) (*Emergency, error)
	// AcceptByID sets the accepting garage. With onlyIfOpen the write only
	// matches a case that is not accepted yet.
	AcceptByID(ctx context.Context, id, garageID primitive.ObjectID, onlyIfOpen bool) (*Emergency, error)
	DeleteByID(ctx context.Context, id primitive.ObjectID) (*Emergency, error)
}

// ServiceCatalog answers capability questions about garages
type ServiceCatalog interface {
	FindGaragesOfferingRescue(ctx context.Context, garageIDs []string) ([]string, error)
}

// GarageFinder returns approved garages inside a radius
type GarageFinder interface {
	FindGaragesWithin(ctx context.Context, latitude, longitude, radiusKm float64) ([]*Garage, error)
}

// OutboxStore holds lifecycle events until they are published
type OutboxStore interface {
	SaveOutboxEvent(ctx context.Context, event *OutboxEvent) error
	GetUnprocessedOutboxEvents(ctx context.Context, limit int64) ([]*OutboxEvent, error)
	MarkOutboxEventProcessed(ctx context.Context, eventID string) error
}

// MongoRepository implements the stores above on one database
type MongoRepository struct {
	EmergencyCollection *mongo.Collection
	GarageCollection    *mongo.Collection
	ServiceCollection   *mongo.Collection
	OutboxCollection    *mongo.Collection
	rescuePattern       string
}

// NewMongoRepository creates a new MongoRepository. rescueKeywords are
// matched case-insensitively against service names.
func NewMongoRepository(client *mongo.Client, database string, rescueKeywords []string) *MongoRepository {
	db := client.Database(database)
	quoted := make([]string, 0, len(rescueKeywords))
	for _, k := range rescueKeywords {
		if k = strings.TrimSpace(k); k != "" {
			quoted = append(quoted, regexp.QuoteMeta(k))
		}
	}
	return &MongoRepository{
		EmergencyCollection: db.Collection("emergencies"),
		GarageCollection:    db.Collection("garages"),
		ServiceCollection:   db.Collection("services"),
		OutboxCollection:    db.Collection("outbox"),
		rescuePattern:       strings.Join(quoted, "|"),
	}
}

// EnsureIndexes creates the geo and lookup indexes the queries rely on
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoEnsureIndexes")
	defer span.End()

	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{r.GarageCollection, mongo.IndexModel{Keys: bson.D{{Key: "location", Value: "2dsphere"}}}},
		{r.EmergencyCollection, mongo.IndexModel{Keys: bson.D{{Key: "location", Value: "2dsphere"}}}},
		{r.EmergencyCollection, mongo.IndexModel{Keys: bson.D{{Key: "isAccepted", Value: 1}, {Key: "createdAt", Value: -1}}}},
		{r.ServiceCollection, mongo.IndexModel{Keys: bson.D{{Key: "garage", Value: 1}}}},
		{r.OutboxCollection, mongo.IndexModel{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "created_at", Value: 1}}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to create index")
			return fmt.Errorf("failed to create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// Create inserts a new emergency
func (r *MongoRepository) Create(ctx context.Context, e *Emergency) (*Emergency, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoCreateEmergency")
	defer span.End()

	if e.ID.IsZero() {
		e.ID = primitive.NewObjectID()
	}
	if e.Images == nil {
		e.Images = []string{}
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	if _, err := r.EmergencyCollection.InsertOne(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to insert emergency")
		return nil, fmt.Errorf("failed to insert emergency: %w", err)
	}
	span.SetAttributes(
		attribute.String("emergencyID", e.ID.Hex()),
		attribute.String("sessionID", e.SessionID),
	)
	return e, nil
}

// FindOpen retrieves emergencies no garage has accepted, newest first
func (r *MongoRepository) FindOpen(ctx context.Context) ([]*Emergency, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoFindOpenEmergencies")
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := r.EmergencyCollection.Find(ctx, bson.M{"isAccepted": false}, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find emergencies")
		return nil, fmt.Errorf("failed to find emergencies: %w", err)
	}
	defer cursor.Close(ctx)

	emergencies := []*Emergency{}
	if err := cursor.All(ctx, &emergencies); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode emergencies")
		return nil, fmt.Errorf("failed to decode emergencies: %w", err)
	}
	span.SetAttributes(attribute.Int("emergencyCount", len(emergencies)))
	return emergencies, nil
}

// FindByID retrieves an emergency by ID
func (r *MongoRepository) FindByID(ctx context.Context, id primitive.ObjectID) (*Emergency, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoFindEmergencyByID")
	defer span.End()
	span.SetAttributes(attribute.String("emergencyID", id.Hex()))

	var e Emergency
	err := r.EmergencyCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find emergency")
		return nil, fmt.Errorf("failed to find emergency: %w", err)
	}
	return &e, nil
}

// UpdateByID applies a partial update and returns the updated emergency
func (r *MongoRepository) UpdateByID(ctx context.Context, id primitive.ObjectID, patch EmergencyPatch) (*Emergency, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoUpdateEmergency")
	defer span.End()
	span.SetAttributes(attribute.String("emergencyID", id.Hex()))

	set := bson.M{"updatedAt": time.Now().UTC()}
	if patch.Garage != nil {
		set["garage"] = *patch.Garage
	}
	if patch.IsAccepted != nil {
		set["isAccepted"] = *patch.IsAccepted
		if !*patch.IsAccepted {
			set["garage"] = nil
		}
	}
	if patch.Description != nil {
		set["description"] = *patch.Description
	}
	if patch.Images != nil {
		set["images"] = patch.Images
	}
	if patch.Location != nil {
		set["location"] = patch.Location
	}
	if patch.Address != nil {
		set["address"] = *patch.Address
	}
	if patch.Phone != nil {
		set["phone"] = *patch.Phone
	}

	return r.findOneAndSet(ctx, bson.M{"_id": id}, set)
}

// AcceptByID assigns a garage to an emergency
func (r *MongoRepository) AcceptByID(ctx context.Context, id, garageID primitive.ObjectID, onlyIfOpen bool) (*Emergency, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoAcceptEmergency")
	defer span.End()
	span.SetAttributes(
		attribute.String("emergencyID", id.Hex()),
		attribute.String("garageID", garageID.Hex()),
		attribute.Bool("onlyIfOpen", onlyIfOpen),
	)

	filter := bson.M{"_id": id}
	if onlyIfOpen {
		filter["isAccepted"] = false
	}
	return r.findOneAndSet(ctx, filter, bson.M{
		"garage":     garageID,
		"isAccepted": true,
		"updatedAt":  time.Now().UTC(),
	})
}

func (r *MongoRepository) findOneAndSet(ctx context.Context, filter, set bson.M) (*Emergency, error) {
	span := trace.SpanFromContext(ctx)
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var e Emergency
	err := r.EmergencyCollection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update emergency")
		return nil, fmt.Errorf("failed to update emergency: %w", err)
	}
	return &e, nil
}

// DeleteByID removes an emergency and returns the deleted record
func (r *MongoRepository) DeleteByID(ctx context.Context, id primitive.ObjectID) (*Emergency, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoDeleteEmergency")
	defer span.End()
	span.SetAttributes(attribute.String("emergencyID", id.Hex()))

	var e Emergency
	err := r.EmergencyCollection.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to delete emergency")
		return nil, fmt.Errorf("failed to delete emergency: %w", err)
	}
	return &e, nil
}

// FindGaragesOfferingRescue keeps the garages that list a live rescue
// service, preserving the input order
func (r *MongoRepository) FindGaragesOfferingRescue(ctx context.Context, garageIDs []string) ([]string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoFindGaragesOfferingRescue")
	defer span.End()

	ids := make([]primitive.ObjectID, 0, len(garageIDs))
	for _, g := range garageIDs {
		if oid, err := primitive.ObjectIDFromHex(g); err == nil {
			ids = append(ids, oid)
		}
	}
	if len(ids) == 0 || r.rescuePattern == "" {
		return []string{}, nil
	}

	filter := bson.M{
		"garage":    bson.M{"$in": ids},
		"isDeleted": bson.M{"$ne": true},
		"name":      primitive.Regex{Pattern: r.rescuePattern, Options: "i"},
	}
	values, err := r.ServiceCollection.Distinct(ctx, "garage", filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to query rescue services")
		return nil, fmt.Errorf("failed to query rescue services: %w", err)
	}

	offering := make(map[string]struct{}, len(values))
	for _, v := range values {
		if oid, ok := v.(primitive.ObjectID); ok {
			offering[oid.Hex()] = struct{}{}
		}
	}
	qualified := make([]string, 0, len(offering))
	for _, g := range garageIDs {
		if _, ok := offering[g]; ok {
			qualified = append(qualified, g)
		}
	}
	span.SetAttributes(
		attribute.Int("candidateCount", len(garageIDs)),
		attribute.Int("qualifiedCount", len(qualified)),
	)
	return qualified, nil
}

func garagesWithinFilter(latitude, longitude, radiusKm float64) bson.M {
	return bson.M{
		"status": GarageStatusApproved,
		"location": bson.M{
			"$geoWithin": bson.M{
				"$centerSphere": bson.A{bson.A{longitude, latitude}, radiusKm / EarthRadiusKm},
			},
		},
	}
}

// FindGaragesWithin retrieves approved garages inside a spherical radius
func (r *MongoRepository) FindGaragesWithin(ctx context.Context, latitude, longitude, radiusKm float64) ([]*Garage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoFindGaragesWithin")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("latitude", latitude),
		attribute.Float64("longitude", longitude),
		attribute.Float64("radiusKm", radiusKm),
	)

	cursor, err := r.GarageCollection.Find(ctx, garagesWithinFilter(latitude, longitude, radiusKm))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find garages")
		return nil, fmt.Errorf("failed to find garages: %w", err)
	}
	defer cursor.Close(ctx)

	garages := []*Garage{}
	if err := cursor.All(ctx, &garages); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode garages")
		return nil, fmt.Errorf("failed to decode garages: %w", err)
	}
	span.SetAttributes(attribute.Int("garageCount", len(garages)))
	return garages, nil
}

// SaveOutboxEvent saves an event to the outbox collection
func (r *MongoRepository) SaveOutboxEvent(ctx context.Context, event *OutboxEvent) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoSaveOutboxEvent")
	defer span.End()

	if _, err := r.OutboxCollection.InsertOne(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to save outbox event")
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	span.SetAttributes(
		attribute.String("eventID", event.ID),
		attribute.String("eventType", event.EventType),
	)
	return nil
}

// GetUnprocessedOutboxEvents retrieves unprocessed outbox events, oldest first
func (r *MongoRepository) GetUnprocessedOutboxEvents(ctx context.Context, limit int64) ([]*OutboxEvent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoGetUnprocessedOutboxEvents")
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(limit)
	cursor, err := r.OutboxCollection.Find(ctx, bson.M{"processed": false}, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find unprocessed outbox events")
		return nil, fmt.Errorf("failed to find unprocessed outbox events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*OutboxEvent
	if err := cursor.All(ctx, &events); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode outbox events")
		return nil, fmt.Errorf("failed to decode outbox events: %w", err)
	}
	span.SetAttributes(attribute.Int("eventCount", len(events)))
	return events, nil
}

// MarkOutboxEventProcessed marks an outbox event as processed
func (r *MongoRepository) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MongoMarkOutboxEventProcessed")
	defer span.End()

	now := time.Now().UTC()
	_, err := r.OutboxCollection.UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set": bson.M{
			"processed":    true,
			"processed_at": now,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to mark outbox event as processed")
		return fmt.Errorf("failed to mark outbox event as processed: %w", err)
	}
	span.SetAttributes(attribute.String("eventID", eventID))
	return nil
}
