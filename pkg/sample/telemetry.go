package sample

import (
	"strconv"
	"strings"
	"time"
)

// Status line keys.
const (
	KeyHz    = "hz"
	KeyRPM   = "rpm"
	KeyRun   = "run"
	KeyHold  = "hold"
	KeyFlow1 = "flow1"
	KeyVolt1 = "volt1"
	KeyFlow2 = "flow2"
	KeyVolt2 = "volt2"
	KeyFlow  = "flow" // legacy single channel
	KeyVolt  = "volt" // legacy single channel

	statusPrefix = "STATUS"
)

// Telemetry is one decoded status report.
type Telemetry struct {
	Hz          float64
	RPM         float64
	RPMReported bool // false when RPM was derived from Hz
	Flow1       *float64
	Volt1       *float64
	Flow2       *float64
	Volt2       *float64
	Run         bool
	Hold        bool
	Time        time.Time
}

// Parser turns status lines into Telemetry.
type Parser struct {
	RPMPerHz    float64
	OverrideRPM bool
}

// NewParser creates a parser deriving speed as hz*rpmPerHz when rpm is
// missing, or always when override is set.
func NewParser(rpmPerHz float64, override bool) Parser {
	return Parser{RPMPerHz: rpmPerHz, OverrideRPM: override}
}

// Tokenize splits a status line into its key/value pairs. It reports false
// unless the first token is STATUS and every other token is a unique,
// non-empty key=value pair.
func Tokenize(line string) (map[string]string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != statusPrefix {
		return nil, false
	}

	kv := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" || value == "" {
			return nil, false
		}
		if _, dup := kv[key]; dup {
			return nil, false
		}
		kv[key] = value
	}

	return kv, true
}

// Parse decodes a status line received at the given time.
func (p Parser) Parse(line string, at time.Time) (Telemetry, bool) {
	kv, ok := Tokenize(line)
	if !ok {
		return Telemetry{}, false
	}

	t := Telemetry{Time: at}

	hz, ok := kv[KeyHz]
	if !ok {
		return Telemetry{}, false
	}
	if t.Hz, ok = parseNumber(hz); !ok {
		return Telemetry{}, false
	}
	if t.Run, ok = parseFlag(kv[KeyRun]); !ok {
		return Telemetry{}, false
	}
	if t.Hold, ok = parseFlag(kv[KeyHold]); !ok {
		return Telemetry{}, false
	}

	if v, present := kv[KeyRPM]; present {
		if t.RPM, ok = parseNumber(v); !ok {
			return Telemetry{}, false
		}
		t.RPMReported = true
	}
	if !t.RPMReported || p.OverrideRPM {
		t.RPM = t.Hz * p.RPMPerHz
		t.RPMReported = false
	}

	channels := []struct {
		dst    **float64
		key    string
		legacy string
	}{
		{&t.Flow1, KeyFlow1, KeyFlow},
		{&t.Volt1, KeyVolt1, KeyVolt},
		{&t.Flow2, KeyFlow2, ""},
		{&t.Volt2, KeyVolt2, ""},
	}
	for _, ch := range channels {
		v, present := kv[ch.key]
		if !present && ch.legacy != "" {
			v, present = kv[ch.legacy]
		}
		if !present {
			continue
		}
		f, ok := parseNumber(v)
		if !ok {
			return Telemetry{}, false
		}
		*ch.dst = &f
	}

	// A legacy key is still validated when the numbered key won.
	for _, legacy := range []string{KeyFlow, KeyVolt} {
		if v, present := kv[legacy]; present {
			if _, ok := parseNumber(v); !ok {
				return Telemetry{}, false
			}
		}
	}

	return t, true
}

// IsAck reports whether the line is a command acknowledgement.
func IsAck(line string) bool {
	return strings.HasPrefix(line, "OK") || strings.HasPrefix(line, "ERR")
}

// Format encodes telemetry back into a status line.
func Format(t Telemetry) string {
	var b strings.Builder
	b.WriteString(statusPrefix)
	writeNumber(&b, KeyHz, t.Hz)
	writeNumber(&b, KeyRPM, t.RPM)
	b.WriteString(" " + KeyRun + "=" + flag(t.Run))
	b.WriteString(" " + KeyHold + "=" + flag(t.Hold))
	for _, ch := range []struct {
		key string
		v   *float64
	}{
		{KeyFlow1, t.Flow1},
		{KeyVolt1, t.Volt1},
		{KeyFlow2, t.Flow2},
		{KeyVolt2, t.Volt2},
	} {
		if ch.v != nil {
			writeNumber(&b, ch.key, *ch.v)
		}
	}
	return b.String()
}

func writeNumber(b *strings.Builder, key string, v float64) {
	b.WriteString(" " + key + "=" + strconv.FormatFloat(v, 'f', -1, 64))
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseFlag(s string) (bool, bool) {
	switch s {
	case "0":
		return false, true
	case "1":
		return true, true
	}
	return false, false
}

// parseNumber accepts optionally signed integer and decimal literals only.
func parseNumber(s string) (float64, bool) {
	digits, dot := 0, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' && !dot:
			dot = true
		case (c == '-' || c == '+') && i == 0:
		default:
			return 0, false
		}
	}
	if digits == 0 {
		return 0, false
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
