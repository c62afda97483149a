package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vfd"

// Metrics holds the campaign counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Lines            prometheus.Counter
	ReadErrors       prometheus.Counter
	SamplesParsed    prometheus.Counter
	SamplesDiscarded prometheus.Counter
	Records          prometheus.Counter
	EmptyWindows     prometheus.Counter
	Commands         *prometheus.CounterVec
	CommandErrors    *prometheus.CounterVec
	TargetHz         prometheus.Gauge
	WindowSamples    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Lines received from the controller.",
		}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Failed reads on the serial link.",
		}),
		SamplesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_parsed_total",
			Help:      "Status lines decoded into telemetry.",
		}),
		SamplesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_discarded_total",
			Help:      "Telemetry dropped because no window matched its frequency.",
		}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Window records persisted.",
		}),
		EmptyWindows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_windows_total",
			Help:      "Windows closed without any matching sample.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent to the controller.",
		}, []string{"verb"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Commands that failed to send.",
		}, []string{"verb"}),
		TargetHz: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_hz",
			Help:      "Currently commanded drive frequency.",
		}),
		WindowSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_samples",
			Help:      "Samples collected in the open window.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Lines, m.ReadErrors, m.SamplesParsed, m.SamplesDiscarded, m.Records,
		m.EmptyWindows, m.Commands, m.CommandErrors, m.TargetHz, m.WindowSamples,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) Line() {
	if m != nil {
		m.Lines.Inc()
	}
}

func (m *Metrics) ReadError() {
	if m != nil {
		m.ReadErrors.Inc()
	}
}

func (m *Metrics) Sample(kept bool) {
	if m == nil {
		return
	}
	m.SamplesParsed.Inc()
	if !kept {
		m.SamplesDiscarded.Inc()
	}
}

func (m *Metrics) Record() {
	if m != nil {
		m.Records.Inc()
	}
}

func (m *Metrics) EmptyWindow() {
	if m != nil {
		m.EmptyWindows.Inc()
	}
}

func (m *Metrics) Command(verb string, err error) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(verb).Inc()
	if err != nil {
		m.CommandErrors.WithLabelValues(verb).Inc()
	}
}

func (m *Metrics) Target(hz float64) {
	if m != nil {
		m.TargetHz.Set(hz)
	}
}

func (m *Metrics) Window(n int) {
	if m != nil {
		m.WindowSamples.Set(float64(n))
	}
}

// Handler serves g under /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("metrics endpoint listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
