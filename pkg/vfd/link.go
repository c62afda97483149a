package vfd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the baud rate of the drive controller firmware.
	DefaultBaudRate = 115200
	// DefaultReadTimeout lets the reader observe StopReading between reads.
	DefaultReadTimeout = 200 * time.Millisecond
)

// ErrClosed is returned when sending on a closed link.
var ErrClosed = errors.New("link closed")

// Conn is a byte stream to the controller. Serial ports and the Simulator
// implement it.
type Conn interface {
	io.ReadWriteCloser
}

type drainer interface {
	Drain() error
}

type flusher interface {
	Flush() error
}

// Link owns a connection, its single line reader and the command writer.
type Link struct {
	conn   Conn
	reader *Reader
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger    *slog.Logger
	queueSize int
	backoff   time.Duration
}

// Option configures a Link.
type Option func(*options)

// WithLogger sets the logger used by the link and its reader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithQueueSize sets the capacity of the line channel.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithErrorBackoff sets the pause after a failed read.
func WithErrorBackoff(d time.Duration) Option {
	return func(o *options) {
		o.backoff = d
	}
}

// Open opens a serial port in 8N1 mode and wraps it in a Link.
func Open(name string, baudRate int, readTimeout time.Duration, opts ...Option) (*Link, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}

	return NewLink(port, opts...), nil
}

// NewLink wraps an already open connection.
func NewLink(conn Conn, opts ...Option) *Link {
	o := options{
		queueSize: DefaultQueueSize,
		backoff:   DefaultErrorBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = discardLogger()
	}

	return &Link{
		conn:   conn,
		reader: NewReader(conn, o.queueSize, o.backoff, o.logger),
		logger: o.logger,
	}
}

// Start launches the background line reader.
func (l *Link) Start(ctx context.Context) error {
	return l.reader.Start(ctx)
}

// Lines returns the channel fed by the reader.
func (l *Link) Lines() <-chan Message {
	return l.reader.Lines()
}

// Send writes one command line terminated by a single newline and flushes it.
func (l *Link) Send(cmd string) error {
	cmd = strings.TrimRight(cmd, "\r\n")
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("empty command")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if _, err := io.WriteString(l.conn, cmd+"\n"); err != nil {
		return fmt.Errorf("failed to send %s: %w", Verb(cmd), err)
	}

	switch c := l.conn.(type) {
	case drainer:
		if err := c.Drain(); err != nil {
			return fmt.Errorf("failed to drain after %s: %w", Verb(cmd), err)
		}
	case flusher:
		if err := c.Flush(); err != nil {
			return fmt.Errorf("failed to flush after %s: %w", Verb(cmd), err)
		}
	}

	l.logger.Debug("command sent", slog.String("cmd", cmd))

	return nil
}

// StopReading stops the reader and waits for it to exit.
func (l *Link) StopReading() error {
	return l.reader.StopReading()
}

// Close stops the reader if still running and closes the connection. It is
// safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		stopErr := l.reader.StopReading()

		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.closeErr = errors.Join(stopErr, l.conn.Close())
	})

	return l.closeErr
}
