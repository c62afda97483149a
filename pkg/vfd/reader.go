package vfd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultQueueSize is the default size of the line channel buffer.
	DefaultQueueSize = 256
	// DefaultErrorBackoff is the pause after a failed read.
	DefaultErrorBackoff = 200 * time.Millisecond
	// DefaultStopWait bounds how long StopReading waits for the reader to quiesce.
	DefaultStopWait = 2 * time.Second

	readChunk = 256
)

// Message is one item produced by the reader: a complete line or a read error.
type Message struct {
	Line string
	Err  error
	Time time.Time
}

// Reader reassembles CR/LF terminated lines from a byte stream.
// The underlying reader must return periodically (read timeout) so that
// StopReading can take effect.
type Reader struct {
	src      io.Reader
	out      chan Message
	backoff  time.Duration
	stopWait time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReader creates a reader over src with a channel of queueSize messages.
func NewReader(src io.Reader, queueSize int, backoff time.Duration, logger *slog.Logger) *Reader {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	if logger == nil {
		logger = discardLogger()
	}

	return &Reader{
		src:      src,
		out:      make(chan Message, queueSize),
		backoff:  backoff,
		stopWait: DefaultStopWait,
		logger:   logger,
		now:      time.Now,
	}
}

// Lines returns the channel of received messages. It is never closed.
func (r *Reader) Lines() <-chan Message {
	return r.out
}

// Start launches the read loop. Starting twice is an error.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("reader already started")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.started = true

	go r.loop(ctx)

	return nil
}

// StopReading ends the read loop and waits for it to exit.
func (r *Reader) StopReading() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(r.stopWait):
		return fmt.Errorf("reader did not stop within %s", r.stopWait)
	}
}

func (r *Reader) loop(ctx context.Context) {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in line reader", slog.Any("panic", p))
		}
		r.logger.Debug("line reader stopped")
	}()

	buf := make([]byte, readChunk)
	var line []byte

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := r.src.Read(buf)
		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				line = append(line, b)
				continue
			}
			if len(line) == 0 {
				continue
			}
			text := decodeLine(line)
			line = line[:0]
			if text == "" {
				continue
			}
			if !r.emit(ctx, Message{Line: text, Time: r.now()}) {
				return
			}
		}

		if err != nil {
			r.logger.Warn("serial read failed", slog.String("error", err.Error()))
			if !r.emit(ctx, Message{Err: err, Time: r.now()}) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.backoff):
			}
		}
	}
}

func (r *Reader) emit(ctx context.Context, msg Message) bool {
	select {
	case r.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeLine drops invalid UTF-8 and surrounding whitespace.
func decodeLine(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
