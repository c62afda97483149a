package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/itohio/govfd/pkg/campaign"
	"github.com/itohio/govfd/pkg/config"
	"github.com/itohio/govfd/pkg/metrics"
	"github.com/itohio/govfd/pkg/store"
	"github.com/itohio/govfd/pkg/vfd"
)

type cliFlags struct {
	config   string
	port     string
	mode     string
	csv      string
	duration time.Duration
	mock     bool
	list     bool

	set map[string]bool
}

func parseFlags(args []string, out io.Writer) (cliFlags, error) {
	var f cliFlags

	fs := flag.NewFlagSet("vfdbench", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.config, "config", "config.yaml", "Configuration file path")
	fs.StringVar(&f.port, "p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
	fs.StringVar(&f.mode, "mode", "", "Campaign mode: fixed, ramp or sweep (overrides config)")
	fs.StringVar(&f.csv, "csv", "", "CSV record log path (overrides config)")
	fs.DurationVar(&f.duration, "duration", 0, "Stop the campaign after this long (0 = no limit)")
	fs.BoolVar(&f.mock, "mock", false, "Use the simulated controller instead of a serial port")
	fs.BoolVar(&f.list, "list", false, "List serial ports and exit")

	if err := fs.Parse(args); err != nil {
		return f, err
	}

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })

	return f, nil
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(f cliFlags, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	if f.port != "" {
		cfg.Serial.Port = f.port
	}
	if f.mode != "" {
		cfg.Campaign.Mode = strings.ToLower(strings.TrimSpace(f.mode))
	}
	if f.csv != "" {
		cfg.Output.CSV = f.csv
	}
	if f.set["duration"] {
		cfg.Campaign.Duration = f.duration
	}
	if f.mock {
		cfg.Mock.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lv slog.LevelVar
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &lv}))
}

func listPorts(w io.Writer) error {
	ports, err := vfd.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.Description != "" {
			fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Description)
			continue
		}
		fmt.Fprintln(w, p.Name)
	}
	return nil
}

// bench holds everything a campaign run owns.
type bench struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	sinks    store.Multi
	link     *vfd.Link
	ctrl     *campaign.Controller
	sup      *campaign.Supervisor
}

// openSinks opens the CSV log and, when configured, the SQLite store.
func openSinks(cfg *config.Config, logger *slog.Logger) (store.Multi, error) {
	csvSink, err := store.OpenCSV(cfg.Output.CSV,
		store.WithFsync(cfg.Output.Fsync),
		store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	sinks := store.Multi{csvSink}

	if cfg.Output.SQLite != "" {
		run := store.NewRun(cfg.Campaign.Mode, cfg)
		sinks = append(sinks, store.NewSQLite(cfg.Output.SQLite, run))
		logger.Info("recording to sqlite", slog.String("path", cfg.Output.SQLite), slog.String("run", run.ID))
	}

	return sinks, nil
}

func openLink(cfg *config.Config, logger *slog.Logger) (*vfd.Link, error) {
	opts := []vfd.Option{
		vfd.WithLogger(logger),
		vfd.WithQueueSize(cfg.Serial.QueueSize),
		vfd.WithErrorBackoff(cfg.Serial.ErrorBackoff),
	}

	if cfg.Mock.Enabled {
		logger.Info("using simulated controller")
		return vfd.NewLink(vfd.NewSimulator(cfg), opts...), nil
	}

	port := cfg.Serial.Port
	if port == "" {
		detected, err := vfd.Detect()
		if err != nil {
			return nil, err
		}
		logger.Info("serial port detected", slog.String("port", detected))
		port = detected
	}

	link, err := vfd.Open(port, cfg.Serial.BaudRate, cfg.Serial.ReadTimeout, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("serial port opened", slog.String("port", port), slog.Int("baud", cfg.Serial.BaudRate))

	return link, nil
}

func newBench(cfg *config.Config, logger *slog.Logger) (*bench, error) {
	b := &bench{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	m, err := metrics.New(b.registry)
	if err != nil {
		return nil, err
	}
	b.metrics = m

	b.link, err = openLink(cfg, logger)
	if err != nil {
		return nil, err
	}

	b.sinks, err = openSinks(cfg, logger)
	if err != nil {
		return nil, errors.Join(err, b.link.Close())
	}

	b.ctrl, err = campaign.New(cfg, b.link, b.sinks,
		campaign.WithLogger(logger),
		campaign.WithMetrics(b.metrics))
	if err != nil {
		return nil, errors.Join(err, b.link.Close(), b.sinks.Close())
	}

	b.sup = campaign.NewSupervisor(b.ctrl, b.link, b.sinks, cfg.Device.StopPause, logger)

	return b, nil
}

// runCampaign runs the controller against the link until it completes or ctx
// is cancelled, then shuts everything down.
func (b *bench) runCampaign(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	defer func() {
		if err := b.sup.Shutdown(); err != nil {
			b.logger.Error("shutdown finished with errors", slog.String("error", err.Error()))
		}
	}()

	if b.cfg.Metrics.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, b.cfg.Metrics.Listen, b.registry, b.logger); err != nil {
				b.logger.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// The reader is ended by the supervisor after the drive is stopped.
	if err := b.link.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	return b.ctrl.Run(ctx, b.link.Lines())
}

// run is the whole program; it returns the process exit code.
func run(ctx context.Context, args []string, stdout io.Writer, lookup func(string) (string, bool)) int {
	f, err := parseFlags(args, stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if f.list {
		if err := listPorts(stdout); err != nil {
			fmt.Fprintf(stdout, "Failed to list serial ports: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := loadConfig(f, lookup)
	if err != nil {
		fmt.Fprintf(stdout, "Failed to load configuration: %v\n", err)
		return 1
	}

	logger := newLogger(stdout, cfg.LogLevel)

	b, err := newBench(cfg, logger)
	if err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		return 1
	}

	if err := b.runCampaign(ctx); err != nil {
		logger.Error("campaign failed", slog.String("error", err.Error()))
		return 1
	}

	st := b.ctrl.Stats()
	logger.Info("done",
		slog.String("reason", b.ctrl.StopReason()),
		slog.Int("records", st.Records),
		slog.Int("empty_windows", st.EmptyWindows))

	return 0
}
