// Package netmon tracks network conditions and decides which classes of
// network operation are worth attempting under them.
package netmon

import (
	"fmt"
	"time"

	"github.com/marcus/fieldsync/internal/models"
)

// Transport is the kind of link the device is using.
type Transport string

const (
	TransportNone     Transport = "none"
	TransportWiFi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportEthernet Transport = "ethernet"
	TransportOther    Transport = "other"
)

// Quality is an ordered estimate of link quality.
type Quality int

const (
	QualityNone Quality = iota
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

var qualityNames = [...]string{"none", "poor", "fair", "good", "excellent"}

func (q Quality) String() string {
	if q < QualityNone || q > QualityExcellent {
		return "unknown"
	}
	return qualityNames[q]
}

// ParseQuality converts a name back into a Quality.
func ParseQuality(s string) (Quality, bool) {
	for i, n := range qualityNames {
		if n == s {
			return Quality(i), true
		}
	}
	return QualityNone, false
}

// MarshalText encodes the quality by name.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// State is a snapshot of network conditions.
type State struct {
	Connected bool          `json:"connected"`
	Transport Transport     `json:"transport"`
	Quality   Quality       `json:"quality"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Offline is the state before anything is known.
var Offline = State{Transport: TransportNone, Quality: QualityNone}

// Latency above these bounds downgrades the transport-derived quality.
const (
	poorLatency = 2 * time.Second
	fairLatency = 800 * time.Millisecond
)

// QualityFor derives link quality from the transport, downgraded by a
// measured round trip when one is available (latency > 0).
func QualityFor(t Transport, latency time.Duration) Quality {
	var q Quality
	switch t {
	case TransportEthernet, TransportWiFi:
		q = QualityExcellent
	case TransportCellular:
		q = QualityGood
	case TransportOther:
		q = QualityPoor
	default:
		return QualityNone
	}
	switch {
	case latency > poorLatency:
		q = min(q, QualityPoor)
	case latency > fairLatency:
		q = min(q, QualityFair)
	}
	return q
}

// minQuality is the lowest quality at which each class is admitted.
var minQuality = map[models.OperationClass]Quality{
	models.ClassSmallMutation: QualityPoor,
	models.ClassLocationBatch: QualityFair,
	models.ClassPhotoUpload:   QualityGood,
	models.ClassBulkDownload:  QualityGood,
}

// ShouldAttempt reports whether an operation of class c is worth trying in
// state s. Authentication is always admitted; everything else needs a
// connection of at least the class minimum quality.
func ShouldAttempt(c models.OperationClass, s State) bool {
	if c == models.ClassAuthentication {
		return true
	}
	if !s.Connected {
		return false
	}
	want, ok := minQuality[c]
	if !ok {
		return false
	}
	return s.Quality >= want
}

var baseTimeouts = map[models.OperationClass]time.Duration{
	models.ClassAuthentication: 15 * time.Second,
	models.ClassSmallMutation:  20 * time.Second,
	models.ClassLocationBatch:  30 * time.Second,
	models.ClassPhotoUpload:    120 * time.Second,
	models.ClassBulkDownload:   300 * time.Second,
}

// Timeout returns the request timeout for class c at quality q. Worse links
// get proportionally longer timeouts.
func Timeout(c models.OperationClass, q Quality) time.Duration {
	base, ok := baseTimeouts[c]
	if !ok {
		base = 30 * time.Second
	}
	switch q {
	case QualityExcellent, QualityGood:
		return base
	case QualityFair:
		return 2 * base
	default:
		return 3 * base
	}
}

// UnmarshalText decodes a quality name.
func (q *Quality) UnmarshalText(b []byte) error {
	v, ok := ParseQuality(string(b))
	if !ok {
		return fmt.Errorf("unknown network quality %q", b)
	}
	*q = v
	return nil
}
