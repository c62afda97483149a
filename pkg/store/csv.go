package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/itohio/govfd/pkg/sample"
)

// Header is the first row of a new record log.
var Header = []string{"hz", "rpm", "flowABB", "voltABB", "voltMaf", "analog"}

// CSV appends records to a CSV file. Existing files are never truncated and
// the header is written only when the file is created.
type CSV struct {
	path   string
	fsync  bool
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	w       *csv.Writer
	rows    int
	created bool
	closed  bool
}

var _ Sink = (*CSV)(nil)

// CSVOption configures a CSV sink.
type CSVOption func(*CSV)

// WithFsync syncs the file after every row.
func WithFsync(on bool) CSVOption {
	return func(c *CSV) {
		c.fsync = on
	}
}

// WithLogger sets the logger used for the close summary.
func WithLogger(logger *slog.Logger) CSVOption {
	return func(c *CSV) {
		c.logger = logger
	}
}

// OpenCSV opens path for appending, creating it with a header if needed.
func OpenCSV(path string, opts ...CSVOption) (*CSV, error) {
	c := &CSV{path: path}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	_, err := os.Stat(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		c.created = true
	default:
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	c.file = f
	c.w = csv.NewWriter(f)

	if c.created {
		if err := c.writeRow(Header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}

	return c, nil
}

// Created reports whether OpenCSV created the file.
func (c *CSV) Created() bool {
	return c.created
}

// Rows returns the number of records written since open.
func (c *CSV) Rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Write appends one record and flushes it.
func (c *CSV) Write(rec sample.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("csv %s: %w", c.path, os.ErrClosed)
	}

	row := []string{
		cell(rec.Hz),
		cell(rec.RPM),
		cell(rec.Flow1),
		cell(rec.Volt1),
		cell(rec.Volt2),
		cell(rec.Analog),
	}
	if err := c.writeRow(row); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	c.rows++

	return nil
}

func (c *CSV) writeRow(row []string) error {
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	if c.fsync {
		return c.file.Sync()
	}
	return nil
}

// Close flushes and closes the file. It is safe to call more than once.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.w.Flush()
	err := errors.Join(c.w.Error(), c.file.Close())

	attrs := []any{
		slog.String("path", c.path),
		slog.String("rows", humanize.Comma(int64(c.rows))),
	}
	if st, statErr := os.Stat(c.path); statErr == nil {
		attrs = append(attrs, slog.String("size", humanize.Bytes(uint64(st.Size()))))
	}
	c.logger.Info("record log closed", attrs...)

	return err
}

// cell formats a value; missing channels (NaN) become empty cells.
func cell(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
