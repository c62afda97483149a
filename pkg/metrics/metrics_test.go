package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Line()
	m.Line()
	m.ReadError()
	m.Sample(true)
	m.Sample(false)
	m.Record()
	m.EmptyWindow()
	m.Command("SET_HZ", nil)
	m.Command("SET_HZ", errors.New("unplugged"))
	m.Target(42)
	m.Window(7)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Lines))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReadErrors))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SamplesParsed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SamplesDiscarded))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Records))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EmptyWindows))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Commands.WithLabelValues("SET_HZ")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandErrors.WithLabelValues("SET_HZ")))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.TargetHz))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.WindowSamples))
}

func TestMetrics_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Line()
		m.ReadError()
		m.Sample(false)
		m.Record()
		m.EmptyWindow()
		m.Command("RUN", nil)
		m.Target(1)
		m.Window(1)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.Record()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "vfd_records_total 1")
}

func TestServe_GracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", prometheus.NewRegistry(), nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
