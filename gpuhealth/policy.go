// Package gpuhealth polls GPU telemetry and maps it to a recommended
// worker-concurrency ceiling.
//
// The monitor only advises: it publishes a value, and the scheduler applies
// it at its next control tick. Ceiling moves are monotonic steps (one up
// or one down per poll) except for critical temperature, which forces the
// ceiling straight to 1, and degraded mode (no usable telemetry), which
// pins it to a fixed conservative value.
package gpuhealth

import "time"

// Snapshot is a point-in-time read of GPU state. Recreated on every poll,
// never persisted by this package, read-only for consumers.
type Snapshot struct {
	TemperatureC   int
	UtilizationPct int
	MemoryUsedMB   int
	MemoryTotalMB  int
	Time           time.Time
	// Degraded marks a snapshot with no usable telemetry behind it
	// (non-GPU host, nvidia-smi missing or failing).
	Degraded bool
}

// MemoryUsedPct derives used memory as a percentage. 0 when totals are
// unknown (degraded snapshots).
func (s Snapshot) MemoryUsedPct() int {
	if s.MemoryTotalMB <= 0 {
		return 0
	}
	return s.MemoryUsedMB * 100 / s.MemoryTotalMB
}

// Thresholds are the policy bands. Operator-tunable; defaults come from
// production experience on RTX-class cards.
type Thresholds struct {
	TempWarnC     int `yaml:"temp_warn_c"`     // step down at or above
	TempCriticalC int `yaml:"temp_critical_c"` // force ceiling 1 at or above
	UtilHighPct   int `yaml:"util_high_pct"`   // hold (no step up) at or above
	MemHighPct    int `yaml:"mem_high_pct"`    // step down at or above
}

// DefaultThresholds returns the production defaults: warn 70°C, critical
// 80°C, utilization high-water 95%, memory high-water 90%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempWarnC:     70,
		TempCriticalC: 80,
		UtilHighPct:   95,
		MemHighPct:    90,
	}
}

// Policy turns snapshots into ceiling advice.
type Policy struct {
	Thresholds
	// MaxParallel bounds the ceiling from above. Default: 4.
	MaxParallel int
	// DegradedCeiling is the fixed ceiling used without telemetry.
	// Default: 2.
	DegradedCeiling int
}

func (p *Policy) defaults() {
	if p.TempWarnC <= 0 && p.TempCriticalC <= 0 && p.UtilHighPct <= 0 && p.MemHighPct <= 0 {
		p.Thresholds = DefaultThresholds()
	}
	if p.MaxParallel <= 0 {
		p.MaxParallel = 4
	}
	if p.DegradedCeiling <= 0 {
		p.DegradedCeiling = 2
	}
}

// Advise maps a snapshot to the next ceiling given the previous one.
// prev below 1 is treated as 1.
func (p Policy) Advise(prev int, snap Snapshot) int {
	if snap.Degraded {
		return p.DegradedCeiling
	}
	if prev < 1 {
		prev = 1
	}
	switch {
	case snap.TemperatureC >= p.TempCriticalC:
		return 1
	case snap.TemperatureC >= p.TempWarnC || snap.MemoryUsedPct() >= p.MemHighPct:
		return max(prev-1, 1)
	case snap.UtilizationPct < p.UtilHighPct:
		return min(prev+1, p.MaxParallel)
	default:
		return prev
	}
}
