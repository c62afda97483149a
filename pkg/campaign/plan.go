package campaign

import (
	"fmt"
	"math"
	"strings"

	"github.com/itohio/govfd/pkg/config"
	"github.com/itohio/govfd/pkg/vfd"
)

// Mode is a frequency stepping strategy.
type Mode int

const (
	ModeFixed Mode = iota
	ModeRamp
	ModeSweep
)

func (m Mode) String() string {
	switch m {
	case ModeFixed:
		return config.ModeFixed
	case ModeRamp:
		return config.ModeRamp
	case ModeSweep:
		return config.ModeSweep
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode maps a configuration mode name onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case config.ModeFixed:
		return ModeFixed, nil
	case config.ModeRamp:
		return ModeRamp, nil
	case config.ModeSweep:
		return ModeSweep, nil
	}
	return 0, fmt.Errorf("unknown campaign mode %q", s)
}

// SweepTargets returns the inclusive range start..stop stepped by step,
// both ends clamped into lim first. A stop that is not reached by a whole
// number of steps is not visited. Ranges of more than
// config.MaxSweepTargets targets yield nil.
func SweepTargets(start, stop, step float64, lim vfd.Limits) []float64 {
	if !(step > 0) || math.IsInf(step, 0) {
		return nil
	}

	lo, hi := lim.Clamp(start), lim.Clamp(stop)
	if lo > hi {
		return nil
	}

	count := math.Floor((hi-lo)/step+1e-9) + 1
	if !(count <= config.MaxSweepTargets) {
		return nil
	}
	n := int(count)
	targets := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := roundHz(lo + float64(i)*step)
		if v > hi {
			break
		}
		targets = append(targets, v)
	}
	return targets
}

// RampNext advances a ramp target by step without passing ceiling.
func RampNext(target, step, ceiling float64) float64 {
	return math.Min(ceiling, roundHz(target+step))
}

// roundHz removes accumulated float noise from computed targets.
func roundHz(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
