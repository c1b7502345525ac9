package domain

import "go.mongodb.org/mongo-driver/bson/primitive"

// Garage tiers
const (
	TagNormal = "normal"
	TagPro    = "pro"
)

// GarageStatusApproved marks garages visible to search
const GarageStatusApproved = "approved"

// Garage is a registered service garage as stored in the garages collection
type Garage struct {
	ID            primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Name          string             `json:"name" bson:"name"`
	Address       string             `json:"address,omitempty" bson:"address,omitempty"`
	Phone         string             `json:"phone,omitempty" bson:"phone,omitempty"`
	Location      *GeoPoint          `json:"location,omitempty" bson:"location,omitempty"`
	Tag           string             `json:"tag" bson:"tag"`
	RatingAverage float64            `json:"ratingAverage" bson:"ratingAverage"`
	OpenTime      string             `json:"openTime,omitempty" bson:"openTime,omitempty"`
	CloseTime     string             `json:"closeTime,omitempty" bson:"closeTime,omitempty"`
	OperatingDays []string           `json:"operatingDays,omitempty" bson:"operatingDays,omitempty"`
	Status        string             `json:"status" bson:"status"`
}

// Service is an offering in a garage's catalog
type Service struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Garage    primitive.ObjectID `json:"garage" bson:"garage"`
	Name      string             `json:"name" bson:"name"`
	IsDeleted bool               `json:"isDeleted" bson:"isDeleted"`
}
