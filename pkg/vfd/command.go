package vfd

import (
	"math"
	"strconv"
	"strings"
)

// Command verbs understood by the drive controller firmware.
const (
	VerbRun      = "RUN"
	VerbStop     = "STOP"
	VerbReset    = "RESET"
	VerbSetHz    = "SET_HZ"
	VerbHoldStop = "HOLD_STOP"
	VerbStatus   = "STATUS"
)

// Run starts the drive.
func Run() string { return VerbRun }

// Stop stops the drive.
func Stop() string { return VerbStop }

// Reset resets the controller state.
func Reset() string { return VerbReset }

// Status asks the controller for a telemetry line.
func Status() string { return VerbStatus }

// SetHz commands an output frequency. The value is sent as-is; callers clamp it first.
func SetHz(hz float64) string {
	return VerbSetHz + " " + strconv.FormatFloat(hz, 'f', -1, 64)
}

// HoldStop freezes or releases the commanded frequency.
func HoldStop(on bool) string {
	if on {
		return VerbHoldStop + " ON"
	}
	return VerbHoldStop + " OFF"
}

// Verb returns the first word of a command line.
func Verb(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		return cmd[:i]
	}
	return cmd
}

// Limits is the frequency range accepted by the drive.
type Limits struct {
	Min float64
	Max float64
}

// Clamp forces hz into the range. NaN maps to Min.
func (l Limits) Clamp(hz float64) float64 {
	if math.IsNaN(hz) || hz < l.Min {
		return l.Min
	}
	if hz > l.Max {
		return l.Max
	}
	return hz
}
