package trialmatch

import (
	"context"
	"math"
	"strings"
)

// HaversineMiles returns the great-circle distance between two points in
// miles.
func HaversineMiles(a, b Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lon1 := a.Lon * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	lon2 := b.Lon * math.Pi / 180

	dlat := lat2 - lat1
	dlon := lon2 - lon1
	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(h))
}

// locationScore maps the minimum geocoded distance between the patient and
// any trial site onto [0.2,1.0]. Missing coordinates on either side yield
// the neutral 0.5.
func locationScore(ctx context.Context, trial *TrialRecord, patientCoords *Coordinates, geocoder Geocoder) float64 {
	if patientCoords == nil || len(trial.Locations) == 0 {
		return 0.5
	}

	minDistance := math.Inf(1)
	for _, loc := range trial.Locations {
		coords, ok := trialLocationCoords(ctx, loc, geocoder)
		if !ok {
			continue
		}
		if d := HaversineMiles(*patientCoords, coords); d < minDistance {
			minDistance = d
		}
	}
	if math.IsInf(minDistance, 1) {
		return 0.5
	}

	switch {
	case minDistance <= 50:
		return 1.0
	case minDistance <= 100:
		return 0.8
	case minDistance <= 200:
		return 0.6
	case minDistance <= 500:
		return 0.4
	default:
		return 0.2
	}
}

func trialLocationCoords(ctx context.Context, loc TrialLocation, geocoder Geocoder) (Coordinates, bool) {
	if loc.Latitude != nil && loc.Longitude != nil {
		return Coordinates{Lat: *loc.Latitude, Lon: *loc.Longitude}, true
	}
	if geocoder == nil || loc.City == "" || loc.State == "" {
		return Coordinates{}, false
	}
	return geocoder.Geocode(ctx, loc.City, loc.State)
}

// proximityProxyMiles estimates the distance between a patient and a trial
// site from city/state equality alone. Coarser than the haversine path on
// purpose: the ranking engine has no geocoded coordinates.
func proximityProxyMiles(patient *Location, trial TrialLocation) float64 {
	if patient.City != "" && trial.City != "" && patient.State != "" && trial.State != "" {
		if strings.EqualFold(patient.City, trial.City) && strings.EqualFold(patient.State, trial.State) {
			return 0.0
		}
		if strings.EqualFold(patient.State, trial.State) {
			return 50.0
		}
		return 200.0
	}
	return 100.0
}
