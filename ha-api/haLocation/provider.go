package haLocation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const earthRadiusMeters = 6371000.0

// Fix is a single position reading.
type Fix struct {
	Latitude  float64
	Longitude float64
	// Accuracy is the horizontal accuracy radius in meters.
	Accuracy  float64
	Timestamp time.Time
}

// Region is a circular geofence.
type Region struct {
	Identifier string
	Latitude   float64
	Longitude  float64
	Radius     float64
}

func (r Region) Contains(lat, lon float64) bool {
	return Distance(r.Latitude, r.Longitude, lat, lon) <= r.Radius
}

// CancelFunc stops a subscription or region monitor.
type CancelFunc func()

// LocationProvider is the host's location service.
type LocationProvider interface {
	SubscribeSignificantChanges(onChange func(Fix), onError func(error)) (CancelFunc, error)
	MonitorRegion(region Region, onEnter, onExit func(Region)) (CancelFunc, error)
	// CurrentLocation returns the first fix at least as accurate as accuracy meters.
	CurrentLocation(ctx context.Context, accuracy float64) (Fix, error)
}

// DeviceInfo reports facts about the device that is being tracked.
type DeviceInfo interface {
	BatteryLevel() int
	Hostname() string
}

// Distance is the great-circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// ParseFix reads "lat,lon[,accuracy]". Accuracy defaults to 0.
func ParseFix(s string) (Fix, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 2 || len(parts) > 3 {
		return Fix{}, fmt.Errorf("invalid fix %q: want lat,lon[,accuracy]", s)
	}
	values := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Fix{}, fmt.Errorf("invalid fix %q: %w", s, err)
		}
		values[i] = v
	}
	fix := Fix{Latitude: values[0], Longitude: values[1], Timestamp: time.Now()}
	if len(values) == 3 {
		fix.Accuracy = values[2]
	}
	if math.Abs(fix.Latitude) > 90 || math.Abs(fix.Longitude) > 180 || fix.Accuracy < 0 {
		return Fix{}, fmt.Errorf("invalid fix %q: out of range", s)
	}
	return fix, nil
}
