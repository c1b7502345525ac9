// Package geo ranks garages around a requester. Everything here is pure:
// the caller supplies the current time in the requester's timezone.
package geo

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"rescue-service/domain"
)

// EarthRadiusKm is the sphere radius used by Haversine. It matches the
// radius the garage store converts search radii with.
const EarthRadiusKm = domain.EarthRadiusKm

// RankedGarage is a garage decorated with values computed at query time
type RankedGarage struct {
	*domain.Garage
	Distance float64 `json:"distance"`
	IsOpen   bool    `json:"isOpen"`
	IsPro    bool    `json:"isPro"`
}

// Haversine calculates the great-circle distance between two points in kilometers
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// RankAndFilter drops garages without coordinates or farther than
// maxDistanceKm, then orders the rest open first, pro first, rating
// descending, distance ascending. Ties keep their input order.
func RankAndFilter(now time.Time, userLat, userLon float64, garages []*domain.Garage, maxDistanceKm float64) []RankedGarage {
	ranked := make([]RankedGarage, 0, len(garages))
	for _, g := range garages {
		if g == nil || !g.Location.HasCoordinates() {
			continue
		}
		distance := Haversine(userLat, userLon, g.Location.Latitude(), g.Location.Longitude())
		// NaN distances fail this too
		if !(distance <= maxDistanceKm) {
			continue
		}
		ranked = append(ranked, RankedGarage{
			Garage:   g,
			Distance: distance,
			IsOpen:   IsOpen(g, now),
			IsPro:    g.Tag == domain.TagPro,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.IsOpen != b.IsOpen {
			return a.IsOpen
		}
		if a.IsPro != b.IsPro {
			return a.IsPro
		}
		if a.RatingAverage != b.RatingAverage {
			return a.RatingAverage > b.RatingAverage
		}
		return a.Distance < b.Distance
	})
	return ranked
}

// IsOpen reports whether the garage works on now's weekday and now's
// time-of-day lies in [openTime, closeTime). Missing schedule data means closed.
func IsOpen(g *domain.Garage, now time.Time) bool {
	if g.OpenTime == "" || g.CloseTime == "" || len(g.OperatingDays) == 0 {
		return false
	}
	if !worksOn(g.OperatingDays, now.Weekday()) {
		return false
	}
	open, ok := minuteOfDay(g.OpenTime)
	if !ok {
		return false
	}
	closing, ok := minuteOfDay(g.CloseTime)
	if !ok {
		return false
	}
	current := now.Hour()*60 + now.Minute()
	return current >= open && current < closing
}

func worksOn(days []string, weekday time.Weekday) bool {
	full := strings.ToLower(weekday.String())
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == full || (len(d) == 3 && strings.HasPrefix(full, d)) {
			return true
		}
	}
	return false
}

// minuteOfDay parses "HH:MM"
func minuteOfDay(s string) (int, bool) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, false
	}
	return h*60 + m, true
}
