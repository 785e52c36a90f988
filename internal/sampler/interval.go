package sampler

import (
	"time"

	"github.com/marcus/fieldsync/internal/models"
)

// Interval returns the wait between samples for a movement state and a
// battery level in [0, 1]. Below 20% battery the interval is fixed; above it
// movement decides. An unknown movement state samples like Moving.
func Interval(m models.MovementState, battery float64) time.Duration {
	switch {
	case battery < 0.2:
		return 180 * time.Second
	case battery < 0.5:
		switch m {
		case models.MovementStationary:
			return 180 * time.Second
		case models.MovementActive:
			return 60 * time.Second
		default:
			return 120 * time.Second
		}
	default:
		switch m {
		case models.MovementStationary:
			return 120 * time.Second
		case models.MovementActive:
			return 30 * time.Second
		default:
			return 60 * time.Second
		}
	}
}

// effectiveLevel maps a power reading onto the level used for the interval
// table. A charging device samples as if its battery were full.
func effectiveLevel(p models.PowerReading) float64 {
	if p.Charging {
		return 1
	}
	return p.Level
}
