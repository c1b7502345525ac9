package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Events pushed to connected clients
const (
	EventNewEmergency   = "newEmergency"
	EventAcceptedRescue = "acceptedRescue"
	EventCancelRescue   = "cancelRescue"
)

// GeoPoint is a GeoJSON point, coordinates are [longitude, latitude]
type GeoPoint struct {
	Type        string    `json:"type" bson:"type"`
	Coordinates []float64 `json:"coordinates" bson:"coordinates"`
}

// NewPoint builds a GeoJSON point from a latitude/longitude pair
func NewPoint(latitude, longitude float64) *GeoPoint {
	return &GeoPoint{
		Type:        "Point",
		Coordinates: []float64{longitude, latitude},
	}
}

// HasCoordinates reports whether the point carries a usable [lon, lat] pair
func (p *GeoPoint) HasCoordinates() bool {
	return p != nil && len(p.Coordinates) >= 2
}

// Latitude returns the second coordinate
func (p *GeoPoint) Latitude() float64 {
	return p.Coordinates[1]
}

// Longitude returns the first coordinate
func (p *GeoPoint) Longitude() float64 {
	return p.Coordinates[0]
}

// Emergency is a roadside-assistance case raised by a connected requester
type Emergency struct {
	ID          primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	SessionID   string              `json:"sessionId" bson:"sessionId"`
	Description string              `json:"description,omitempty" bson:"description,omitempty"`
	Images      []string            `json:"images" bson:"images"`
	Location    *GeoPoint           `json:"location,omitempty" bson:"location,omitempty"`
	Address     string              `json:"address,omitempty" bson:"address,omitempty"`
	Phone       string              `json:"phone,omitempty" bson:"phone,omitempty"`
	Garage      *primitive.ObjectID `json:"garage" bson:"garage"`
	IsAccepted  bool                `json:"isAccepted" bson:"isAccepted"`
	CreatedAt   time.Time           `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt" bson:"updatedAt"`
}

// EmergencyPatch is a partial update, nil fields are left untouched.
// IsAccepted=false clears Garage.
type EmergencyPatch struct {
	Garage      *primitive.ObjectID
	IsAccepted  *bool
	Description *string
	Images      []string
	Location    *GeoPoint
	Address     *string
	Phone       *string
}

// IsEmpty reports whether the patch changes nothing
func (p EmergencyPatch) IsEmpty() bool {
	return p.Garage == nil && p.IsAccepted == nil && p.Description == nil &&
		p.Images == nil && p.Location == nil && p.Address == nil && p.Phone == nil
}
