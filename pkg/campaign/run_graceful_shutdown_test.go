package campaign

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/govfd/pkg/config"
	"github.com/itohio/govfd/pkg/sample"
	"github.com/itohio/govfd/pkg/store"
	"github.com/itohio/govfd/pkg/vfd"
)

func simConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Campaign.Mode = config.ModeSweep
	cfg.Campaign.Sweep = config.SweepConfig{Start: 10, Stop: 20, Step: 1, Settle: 10 * time.Millisecond}
	cfg.Acquisition.SampleRate = 100
	cfg.Acquisition.Window = 60 * time.Millisecond
	cfg.Acquisition.PollTimeout = 20 * time.Millisecond
	cfg.Device.ResetDelay = 10 * time.Millisecond
	cfg.Device.StopPause = 5 * time.Millisecond
	cfg.Serial.ReadTimeout = 5 * time.Millisecond
	cfg.Mock.Latency = 0
	cfg.Mock.BannerWait = 0
	cfg.Output.CSV = filepath.Join(t.TempDir(), "runlog.csv")
	return cfg
}

type simRig struct {
	sim  *vfd.Simulator
	link *vfd.Link
	csv  *store.CSV
	ctrl *Controller
	sup  *Supervisor
}

func newSimRig(t *testing.T, cfg *config.Config, opts ...Option) *simRig {
	sim := vfd.NewSimulator(cfg)
	link := vfd.NewLink(sim)
	sink, err := store.OpenCSV(cfg.Output.CSV)
	require.NoError(t, err)

	ctrl, err := New(cfg, link, sink, opts...)
	require.NoError(t, err)

	return &simRig{
		sim:  sim,
		link: link,
		csv:  sink,
		ctrl: ctrl,
		sup:  NewSupervisor(ctrl, link, sink, cfg.Device.StopPause, nil),
	}
}

func readCSV(t *testing.T, path string) [][]string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

// TestRun_GracefulShutdown tests that an interrupted sweep stops the drive
// with exactly one zero-frequency command followed by one STOP.
func TestRun_GracefulShutdown(t *testing.T) {
	cfg := simConfig(t)

	recorded := make(chan sample.Record, 64)
	rig := newSimRig(t, cfg, OnRecord(func(r sample.Record) {
		select {
		case recorded <- r:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rig.link.Start(ctx))

	done := make(chan error, 1)
	go func() {
		done <- rig.ctrl.Run(ctx, rig.link.Lines())
	}()

	select {
	case <-recorded:
	case <-time.After(5 * time.Second):
		t.Fatal("no record before timeout")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, "interrupted", rig.ctrl.StopReason())

	require.NoError(t, rig.sup.Shutdown())
	assert.Equal(t, PhaseStopped, rig.ctrl.Phase())

	cmds := rig.sim.Commands()
	require.GreaterOrEqual(t, len(cmds), 4)
	assert.Equal(t, []string{"RESET", "RUN"}, cmds[:2])
	assert.Equal(t, []string{"SET_HZ 0", "STOP"}, cmds[len(cmds)-2:])

	zero := 0
	for _, c := range cmds {
		if c == "SET_HZ 0" {
			zero++
		}
	}
	assert.Equal(t, 1, zero)

	hz, run, _ := rig.sim.State()
	assert.Zero(t, hz)
	assert.False(t, run)

	rows := readCSV(t, cfg.Output.CSV)
	require.GreaterOrEqual(t, len(rows), 2)
	assert.Equal(t, store.Header, rows[0])
	assert.Equal(t, "10", rows[1][0])
}

// TestRun_Completes tests that a sweep finishes on its own and the shutdown
// sequence still runs afterwards.
func TestRun_Completes(t *testing.T) {
	cfg := simConfig(t)
	cfg.Campaign.Sweep.Stop = 12
	rig := newSimRig(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.link.Start(ctx))

	require.NoError(t, rig.ctrl.Run(ctx, rig.link.Lines()))
	assert.Equal(t, "sweep complete", rig.ctrl.StopReason())
	require.NoError(t, rig.sup.Shutdown())

	assert.Equal(t, 3, rig.ctrl.Stats().Records)
	assert.Equal(t, 3, rig.csv.Rows())

	rows := readCSV(t, cfg.Output.CSV)
	require.Len(t, rows, 4)
	for i, hz := range []string{"10", "11", "12"} {
		assert.Equal(t, hz, rows[i+1][0])
	}

	// Shutdown is idempotent
	assert.NoError(t, rig.sup.Shutdown())
	assert.NoError(t, rig.link.Close())
}
