package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestParse(t *testing.T) {
	at := time.Unix(1700000000, 0)
	p := NewParser(56, false)

	tests := []struct {
		name   string
		line   string
		want   Telemetry
		wantOK bool
	}{
		{
			name:   "firmware line",
			line:   "STATUS hz=12 rpm=672 run=1 hold=0",
			want:   Telemetry{Hz: 12, RPM: 672, RPMReported: true, Run: true, Time: at},
			wantOK: true,
		},
		{
			name: "two channels",
			line: "STATUS hz=30 rpm=1680.5 run=1 hold=1 flow1=2.5 volt1=3.1 flow2=0.75 volt2=4",
			want: Telemetry{
				Hz: 30, RPM: 1680.5, RPMReported: true, Run: true, Hold: true,
				Flow1: ptr(2.5), Volt1: ptr(3.1), Flow2: ptr(0.75), Volt2: ptr(4),
				Time: at,
			},
			wantOK: true,
		},
		{
			name:   "rpm derived from hz",
			line:   "STATUS hz=10 run=1 hold=0",
			want:   Telemetry{Hz: 10, RPM: 560, Run: true, Time: at},
			wantOK: true,
		},
		{
			name:   "legacy channel keys",
			line:   "STATUS hz=5 rpm=280 run=0 hold=0 flow=1.2 volt=2.2",
			want:   Telemetry{Hz: 5, RPM: 280, RPMReported: true, Flow1: ptr(1.2), Volt1: ptr(2.2), Time: at},
			wantOK: true,
		},
		{
			name:   "numbered keys win over legacy",
			line:   "STATUS hz=5 run=0 hold=0 flow=1.2 flow1=9",
			want:   Telemetry{Hz: 5, RPM: 280, Flow1: ptr(9), Time: at},
			wantOK: true,
		},
		{
			name:   "unknown keys ignored",
			line:   "STATUS hz=1 run=1 hold=0 temp=40",
			want:   Telemetry{Hz: 1, RPM: 56, Run: true, Time: at},
			wantOK: true,
		},
		{
			name:   "negative rpm",
			line:   "STATUS hz=1 rpm=-3 run=1 hold=0",
			want:   Telemetry{Hz: 1, RPM: -3, RPMReported: true, Run: true, Time: at},
			wantOK: true,
		},
		{"missing run", "STATUS hz=12 rpm=672 hold=0", Telemetry{}, false},
		{"missing hold", "STATUS hz=12 rpm=672 run=1", Telemetry{}, false},
		{"missing hz", "STATUS rpm=672 run=1 hold=0", Telemetry{}, false},
		{"non numeric hz", "STATUS hz=abc rpm=672 run=1 hold=0", Telemetry{}, false},
		{"nan hz", "STATUS hz=NaN run=1 hold=0", Telemetry{}, false},
		{"inf rpm", "STATUS hz=1 rpm=Inf run=1 hold=0", Telemetry{}, false},
		{"exponent", "STATUS hz=1e1 run=1 hold=0", Telemetry{}, false},
		{"bad flag", "STATUS hz=12 run=2 hold=0", Telemetry{}, false},
		{"bad channel", "STATUS hz=12 run=1 hold=0 volt2=x", Telemetry{}, false},
		{"bad legacy", "STATUS hz=12 run=1 hold=0 volt1=1 volt=x", Telemetry{}, false},
		{"token without equals", "STATUS hz=12 run=1 hold=0 junk", Telemetry{}, false},
		{"empty value", "STATUS hz= run=1 hold=0", Telemetry{}, false},
		{"duplicate key", "STATUS hz=1 hz=2 run=1 hold=0", Telemetry{}, false},
		{"wrong prefix", "STATUSX hz=1 run=1 hold=0", Telemetry{}, false},
		{"lowercase prefix", "status hz=1 run=1 hold=0", Telemetry{}, false},
		{"ack", "OK SET_HZ 10", Telemetry{}, false},
		{"banner", "Arduino Ready", Telemetry{}, false},
		{"empty", "", Telemetry{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.Parse(tt.line, at)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_OverrideRPM(t *testing.T) {
	p := NewParser(46, true)

	got, ok := p.Parse("STATUS hz=20 rpm=999 run=1 hold=0", time.Time{})
	require.True(t, ok)
	assert.Equal(t, float64(920), got.RPM)
	assert.False(t, got.RPMReported)
}

func TestFormat_RoundTrip(t *testing.T) {
	p := NewParser(56, false)

	for _, in := range []Telemetry{
		{Hz: 0, RPM: 0},
		{Hz: 12, RPM: 672, Run: true},
		{Hz: 59.5, RPM: 3332, Run: true, Hold: true, Flow1: ptr(1.25), Volt2: ptr(3.3)},
	} {
		line := Format(in)
		out, ok := p.Parse(line, time.Time{})
		require.True(t, ok, line)
		assert.Equal(t, in.Hz, out.Hz, line)
		assert.Equal(t, in.Run, out.Run, line)
		assert.Equal(t, in.Hold, out.Hold, line)
		assert.Equal(t, in.RPM, out.RPM, line)
		assert.Equal(t, in.Flow1, out.Flow1, line)
		assert.Equal(t, in.Volt2, out.Volt2, line)
	}
}

func TestFormat(t *testing.T) {
	line := Format(Telemetry{Hz: 12, RPM: 672, Run: true, Volt1: ptr(2.5)})
	assert.Equal(t, "STATUS hz=12 rpm=672 run=1 hold=0 volt1=2.5", line)
}

func TestIsAck(t *testing.T) {
	assert.True(t, IsAck("OK RUN"))
	assert.True(t, IsAck("ERR HOLD"))
	assert.False(t, IsAck("STATUS hz=1 run=1 hold=0"))
	assert.False(t, IsAck("Arduino Ready"))
}
