package domain

import "time"

// Emergency lifecycle event types
const (
	EmergencyCreated   = "created"
	EmergencyOffered   = "offered"
	EmergencyAccepted  = "accepted"
	EmergencyWithdrawn = "withdrawn"
)

// EmergencyEvent is the lifecycle record published to Kafka
type EmergencyEvent struct {
	EventID       string    `json:"eventID" bson:"eventID" avro:"event_id"`
	Type          string    `json:"type" bson:"type" avro:"type"`
	EmergencyID   string    `json:"emergencyID" bson:"emergencyID" avro:"emergency_id"`
	SessionID     string    `json:"sessionID" bson:"sessionID" avro:"session_id"`
	GarageID      *string   `json:"garageID,omitempty" bson:"garageID,omitempty" avro:"garage_id"`
	IsAccepted    bool      `json:"isAccepted" bson:"isAccepted" avro:"is_accepted"`
	NotifiedCount int       `json:"notifiedCount" bson:"notifiedCount" avro:"notified_count"`
	Latitude      *float64  `json:"latitude,omitempty" bson:"latitude,omitempty" avro:"latitude"`
	Longitude     *float64  `json:"longitude,omitempty" bson:"longitude,omitempty" avro:"longitude"`
	OccurredAt    time.Time `json:"occurredAt" bson:"occurredAt" avro:"occurred_at"`
}

// OutboxEvent represents an event in the outbox collection
type OutboxEvent struct {
	ID          string         `bson:"_id" json:"id"`
	EventType   string         `bson:"event_type" json:"event_type"`
	Event       EmergencyEvent `bson:"event" json:"event"`
	CreatedAt   time.Time      `bson:"created_at" json:"created_at"`
	Processed   bool           `bson:"processed" json:"processed"`
	ProcessedAt *time.Time     `bson:"processed_at" json:"processed_at,omitempty"`
}

// NewEmergencyEvent snapshots an emergency into a lifecycle event
func NewEmergencyEvent(eventType string, e *Emergency, notified int, now time.Time) EmergencyEvent {
	ev := EmergencyEvent{
		Type:          eventType,
		EmergencyID:   e.ID.Hex(),
		SessionID:     e.SessionID,
		IsAccepted:    e.IsAccepted,
		NotifiedCount: notified,
		OccurredAt:    now.UTC(),
	}
	if e.Garage != nil {
		g := e.Garage.Hex()
		ev.GarageID = &g
	}
	if e.Location.HasCoordinates() {
		lat, lon := e.Location.Latitude(), e.Location.Longitude()
		ev.Latitude = &lat
		ev.Longitude = &lon
	}
	return ev
}
