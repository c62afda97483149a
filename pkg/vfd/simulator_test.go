package vfd

import (
	"strings"
	"testing"
	"time"

	"github.com/itohio/govfd/pkg/config"
	"github.com/itohio/govfd/pkg/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()

	cfg := config.Default()
	cfg.Mock.Latency = 0
	cfg.Mock.BannerWait = 0
	cfg.Mock.RPMNoise = 0
	cfg.Serial.ReadTimeout = 5 * time.Millisecond

	sim := NewSimulator(cfg)
	t.Cleanup(func() { sim.Close() })
	return sim
}

// readAll drains pending replies into lines.
func readAll(t *testing.T, sim *Simulator) []string {
	t.Helper()

	var b strings.Builder
	buf := make([]byte, 64)
	for {
		n, err := sim.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		b.Write(buf[:n])
	}
	var out []string
	for _, l := range strings.Split(b.String(), "\r\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func exchange(t *testing.T, sim *Simulator, cmd string) string {
	t.Helper()

	_, err := sim.Write([]byte(cmd + "\n"))
	require.NoError(t, err)

	var b strings.Builder
	buf := make([]byte, 64)
	for !strings.HasSuffix(b.String(), "\r\n") {
		n, err := sim.Read(buf)
		require.NoError(t, err)
		require.NotZero(t, n, "no reply to %q", cmd)
		b.Write(buf[:n])
	}
	return strings.TrimSpace(b.String())
}

func TestSimulator_Banner(t *testing.T) {
	sim := newTestSimulator(t)
	assert.Equal(t, []string{"Arduino Ready"}, readAll(t, sim))
}

func TestSimulator_Protocol(t *testing.T) {
	sim := newTestSimulator(t)
	readAll(t, sim)

	assert.Equal(t, "OK RESET", exchange(t, sim, Reset()))
	assert.Equal(t, "OK RUN", exchange(t, sim, Run()))
	assert.Equal(t, "OK SET_HZ 20", exchange(t, sim, SetHz(20)))
	assert.Equal(t, "OK SET_HZ 60", exchange(t, sim, SetHz(75)))
	assert.Equal(t, "OK SET_HZ 20", exchange(t, sim, SetHz(20)))

	status := exchange(t, sim, Status())
	tel, ok := sample.NewParser(56, false).Parse(status, time.Now())
	require.True(t, ok, status)
	assert.Equal(t, float64(20), tel.Hz)
	assert.Equal(t, float64(1120), tel.RPM)
	assert.True(t, tel.Run)
	assert.False(t, tel.Hold)
	require.NotNil(t, tel.Volt2)

	assert.Equal(t, "OK HOLD_STOP ON", exchange(t, sim, HoldStop(true)))
	assert.Equal(t, "ERR HOLD", exchange(t, sim, SetHz(30)))
	hz, run, hold := sim.State()
	assert.Equal(t, float64(20), hz)
	assert.True(t, run)
	assert.True(t, hold)

	assert.Equal(t, "OK HOLD_STOP OFF", exchange(t, sim, HoldStop(false)))
	assert.Equal(t, "OK STOP", exchange(t, sim, Stop()))
	hz, run, _ = sim.State()
	assert.Equal(t, float64(0), hz)
	assert.False(t, run)

	assert.Equal(t, "ERR BAD_HZ", exchange(t, sim, "SET_HZ fast"))
	assert.Equal(t, "ERR UNKNOWN JUMP", exchange(t, sim, "JUMP"))

	assert.Equal(t, []string{
		"RESET", "RUN", "SET_HZ 20", "SET_HZ 75", "SET_HZ 20", "STATUS",
		"HOLD_STOP ON", "SET_HZ 30", "HOLD_STOP OFF", "STOP", "SET_HZ fast", "JUMP",
	}, sim.Commands())
}

func TestSimulator_Closed(t *testing.T) {
	sim := newTestSimulator(t)
	require.NoError(t, sim.Close())
	require.NoError(t, sim.Close())

	_, err := sim.Read(make([]byte, 8))
	assert.Error(t, err)
	_, err = sim.Write([]byte("RUN\n"))
	assert.Error(t, err)
}

func TestSimulator_Inject(t *testing.T) {
	sim := newTestSimulator(t)
	readAll(t, sim)

	sim.Inject("ERR OVERCURRENT")
	assert.Equal(t, []string{"ERR OVERCURRENT"}, readAll(t, sim))
}
