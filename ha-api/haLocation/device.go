package haLocation

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const defaultPowerSupplyDir = "/sys/class/power_supply"

// HostDevice reads hostname and battery level of the machine the companion runs on.
type HostDevice struct {
	powerSupplyDir string
	logger         *zap.SugaredLogger
}

func NewHostDevice(logger *zap.SugaredLogger) *HostDevice {
	return &HostDevice{powerSupplyDir: defaultPowerSupplyDir, logger: logger}
}

func (d *HostDevice) Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		d.logger.Warnf("Unable to read hostname: %v", err)
		return "unknown"
	}
	return name
}

// BatteryLevel returns the capacity of the first battery in percent, or 100 for
// machines without one.
func (d *HostDevice) BatteryLevel() int {
	matches, _ := filepath.Glob(filepath.Join(d.powerSupplyDir, "*", "capacity"))
	for _, path := range matches {
		kind, err := os.ReadFile(filepath.Join(filepath.Dir(path), "type"))
		if err == nil && strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			d.logger.Debugf("Unable to read %s: %v", path, err)
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		return clampPercent(level)
	}
	return 100
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
