package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/marcus/fieldsync/internal/models"
)

// DefaultPowerSupplyRoot is where Linux exposes batteries.
const DefaultPowerSupplyRoot = "/sys/class/power_supply"

// ErrNoBattery is returned when no battery can be found.
var ErrNoBattery = errors.New("no battery found")

// SysfsPower reads a Linux power_supply directory (capacity and status).
type SysfsPower struct {
	Dir string
}

// FindBattery returns the first BAT* directory under root.
func FindBattery(root string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(root, "BAT*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrNoBattery
	}
	return matches[0], nil
}

// Read returns the battery level in [0,1] and whether it is charging.
func (p SysfsPower) Read(ctx context.Context) (models.PowerReading, error) {
	if p.Dir == "" {
		return models.PowerReading{}, ErrNoBattery
	}
	raw, err := os.ReadFile(filepath.Join(p.Dir, "capacity"))
	if err != nil {
		return models.PowerReading{}, fmt.Errorf("read capacity: %w", err)
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return models.PowerReading{}, fmt.Errorf("parse capacity %q: %w", raw, err)
	}
	pct = min(max(pct, 0), 100)

	reading := models.PowerReading{Level: float64(pct) / 100}
	if status, err := os.ReadFile(filepath.Join(p.Dir, "status")); err == nil {
		switch strings.TrimSpace(string(status)) {
		case "Charging", "Full":
			reading.Charging = true
		}
	}
	return reading, nil
}

// MainsPower is a power source for devices without a battery.
type MainsPower struct{}

// Read always reports a full, charging battery.
func (MainsPower) Read(context.Context) (models.PowerReading, error) {
	return models.PowerReading{Level: 1, Charging: true}, nil
}
