package sampler

import (
	"math"

	"github.com/marcus/fieldsync/internal/models"
)

// Speed thresholds in m/s.
const (
	stationaryBelow = 0.5
	movingBelow     = 3.0
)

// MovementDetector infers the movement state from successive fixes.
type MovementDetector struct {
	last  *models.Fix
	state models.MovementState
}

// NewMovementDetector starts in the unknown state.
func NewMovementDetector() *MovementDetector {
	return &MovementDetector{state: models.MovementUnknown}
}

// State returns the current movement state.
func (d *MovementDetector) State() models.MovementState {
	return d.state
}

// Observe feeds a fix and returns the new state and whether it changed.
// A provider-reported speed wins over one derived from the previous fix.
func (d *MovementDetector) Observe(f models.Fix) (models.MovementState, bool) {
	speed := -1.0
	if f.Speed != nil && *f.Speed >= 0 {
		speed = *f.Speed
	} else if d.last != nil {
		dt := f.Timestamp.Sub(d.last.Timestamp).Seconds()
		if dt > 0 {
			speed = DistanceMeters(d.last.Latitude, d.last.Longitude, f.Latitude, f.Longitude) / dt
		}
	}
	fix := f
	d.last = &fix

	if speed < 0 {
		return d.state, false
	}
	next := classify(speed)
	changed := next != d.state
	d.state = next
	return next, changed
}

func classify(speed float64) models.MovementState {
	switch {
	case speed < stationaryBelow:
		return models.MovementStationary
	case speed < movingBelow:
		return models.MovementMoving
	default:
		return models.MovementActive
	}
}

const earthRadiusM = 6371000.0

// DistanceMeters is the great-circle distance between two coordinates.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
