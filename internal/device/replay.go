package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/models"
)

// ErrNoFixes is returned by a replay with nothing to replay.
var ErrNoFixes = errors.New("replay has no fixes")

type replayLine struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy float64  `json:"accuracy"`
	Speed    *float64 `json:"speed,omitempty"`
}

// Replay is a location provider that plays back recorded fixes, one per
// Acquire, stamped with the current time. Once exhausted it keeps
// returning the last fix.
type Replay struct {
	mu    sync.Mutex
	fixes []models.Fix
	next  int
	now   func() time.Time
}

// LoadReplay reads JSON lines of {"lat","lon","accuracy","speed"}.
// Blank lines and lines starting with # are ignored.
func LoadReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseReplay(f)
}

// ParseReplay reads a replay from r.
func ParseReplay(r io.Reader) (*Replay, error) {
	var fixes []models.Fix
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var l replayLine
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", lineNo, err)
		}
		fixes = append(fixes, models.Fix{Latitude: l.Lat, Longitude: l.Lon, Accuracy: l.Accuracy, Speed: l.Speed})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NewReplay(fixes), nil
}

// NewReplay plays back fixes in order.
func NewReplay(fixes []models.Fix) *Replay {
	return &Replay{fixes: fixes, now: time.Now}
}

// Acquire returns the next fix.
func (r *Replay) Acquire(ctx context.Context) (models.Fix, error) {
	if err := ctx.Err(); err != nil {
		return models.Fix{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fixes) == 0 {
		return models.Fix{}, ErrNoFixes
	}
	i := min(r.next, len(r.fixes)-1)
	if r.next < len(r.fixes) {
		r.next++
	}
	fix := r.fixes[i]
	fix.Timestamp = r.now()
	return fix, nil
}

// Remaining reports how many fixes have not been played yet.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fixes) - r.next
}
