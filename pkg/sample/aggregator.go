package sample

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Analog conversion of the second voltage channel onto a 10-bit ADC at 5 V.
const (
	analogFullScale = 1023
	analogVRef      = 5
)

// Record is the reduction of one observation window.
type Record struct {
	Hz      float64
	RPM     float64
	Flow1   float64 // scaled
	Volt1   float64
	Flow2   float64 // scaled
	Volt2   float64
	Analog  float64
	Samples int
	Start   time.Time
	End     time.Time
}

// Reduction controls how window means are scaled and rounded.
type Reduction struct {
	FlowScale    float64
	RPMPlaces    int32
	FlowPlaces   int32
	VoltPlaces   int32
	AnalogPlaces int32
}

// Aggregator buffers the samples of a single open window.
type Aggregator struct {
	tolerance float64
	reduce    Reduction

	open     bool
	target   float64
	start    time.Time
	duration time.Duration
	samples  []Telemetry
}

// NewAggregator creates an aggregator accepting samples within tolerance of
// the window target.
func NewAggregator(tolerance float64, reduce Reduction) *Aggregator {
	if tolerance < 0 {
		tolerance = 0
	}
	if reduce.FlowScale == 0 {
		reduce.FlowScale = 1
	}
	return &Aggregator{tolerance: tolerance, reduce: reduce}
}

// Open starts a new window, discarding any window still open.
func (a *Aggregator) Open(target float64, start time.Time, duration time.Duration) {
	a.open = true
	a.target = target
	a.start = start
	a.duration = duration
	a.samples = a.samples[:0]
}

// Active reports whether a window is open.
func (a *Aggregator) Active() bool { return a.open }

// Target returns the frequency of the open window.
func (a *Aggregator) Target() float64 { return a.target }

// Len returns the number of samples collected so far.
func (a *Aggregator) Len() int { return len(a.samples) }

// Start returns the start time of the open window.
func (a *Aggregator) Start() time.Time { return a.start }

// Deadline returns when the open window reaches its duration.
func (a *Aggregator) Deadline() time.Time { return a.start.Add(a.duration) }

// Elapsed reports whether the open window has reached its duration.
func (a *Aggregator) Elapsed(now time.Time) bool {
	return a.open && !now.Before(a.Deadline())
}

// Matches reports whether hz equals the open window target.
func (a *Aggregator) Matches(hz float64) bool {
	return a.open && math.Abs(hz-a.target) <= a.tolerance
}

// Observe adds a sample to the open window. It returns false when no window
// is open, the sample was taken at another frequency or at or after the
// window deadline. Samples without a timestamp are not time checked.
func (a *Aggregator) Observe(t Telemetry) bool {
	if !a.Matches(t.Hz) {
		return false
	}
	if !t.Time.IsZero() && !t.Time.Before(a.Deadline()) {
		return false
	}
	a.samples = append(a.samples, t)
	return true
}

// Discard drops the open window without producing a record.
func (a *Aggregator) Discard() {
	a.open = false
	a.samples = a.samples[:0]
}

// Close ends the open window. The record is only valid when at least one
// sample was collected. The buffer is cleared in every case.
func (a *Aggregator) Close(end time.Time) (Record, bool) {
	if !a.open {
		return Record{}, false
	}
	defer a.Discard()

	rec := Record{
		Hz:      a.target,
		Samples: len(a.samples),
		Start:   a.start,
		End:     end,
	}
	if rec.Samples == 0 {
		return rec, false
	}

	rpm := mean(a.samples, func(t Telemetry) *float64 { return &t.RPM })
	flow1 := mean(a.samples, func(t Telemetry) *float64 { return t.Flow1 })
	volt1 := mean(a.samples, func(t Telemetry) *float64 { return t.Volt1 })
	flow2 := mean(a.samples, func(t Telemetry) *float64 { return t.Flow2 })
	volt2 := mean(a.samples, func(t Telemetry) *float64 { return t.Volt2 })

	scale := decimal.NewFromFloat(a.reduce.FlowScale)
	rec.RPM = round(rpm, a.reduce.RPMPlaces, nil)
	rec.Flow1 = round(flow1, a.reduce.FlowPlaces, &scale)
	rec.Volt1 = round(volt1, a.reduce.VoltPlaces, nil)
	rec.Flow2 = round(flow2, a.reduce.FlowPlaces, &scale)
	rec.Volt2 = round(volt2, a.reduce.VoltPlaces, nil)
	rec.Analog = Analog(rec.Volt2, a.reduce.AnalogPlaces)

	return rec, true
}

// Analog maps a voltage onto the 0..1023 scale of a 5 V ADC.
func Analog(volt float64, places int32) float64 {
	if math.IsNaN(volt) || math.IsInf(volt, 0) {
		return math.NaN()
	}
	v := decimal.NewFromFloat(volt).Mul(decimal.NewFromInt(analogFullScale)).Div(decimal.NewFromInt(analogVRef))
	return v.Round(places).InexactFloat64()
}

// mean averages the finite values of one channel. It returns nil when no
// sample carried the channel.
func mean(samples []Telemetry, pick func(Telemetry) *float64) *decimal.Decimal {
	sum := decimal.Zero
	n := int64(0)
	for _, s := range samples {
		v := pick(s)
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			continue
		}
		sum = sum.Add(decimal.NewFromFloat(*v))
		n++
	}
	if n == 0 {
		return nil
	}
	m := sum.Div(decimal.NewFromInt(n))
	return &m
}

func round(v *decimal.Decimal, places int32, scale *decimal.Decimal) float64 {
	if v == nil {
		return math.NaN()
	}
	d := *v
	if scale != nil {
		d = d.Mul(*scale)
	}
	return d.Round(places).InexactFloat64()
}
