package vfd

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/govfd/pkg/config"
	"github.com/itohio/govfd/pkg/sample"
)

// Simulator emulates the drive controller firmware behind a Conn. Commands
// written to it are answered with OK/ERR acknowledgements and STATUS lines.
type Simulator struct {
	cfg         config.MockConfig
	banner      string
	limits      Limits
	rpmPerHz    float64
	readTimeout time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	pending  []byte
	partial  []byte
	commands []string
	closed   bool
	notify   chan struct{}

	// Drive state
	hz   float64
	run  bool
	hold bool
}

var _ Conn = (*Simulator)(nil)

// NewSimulator creates a simulated controller. The banner is emitted after
// cfg.BannerWait.
func NewSimulator(cfg *config.Config) *Simulator {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Simulator{
		cfg:         cfg.Mock,
		banner:      cfg.Device.Banner,
		limits:      Limits{Min: cfg.Device.MinHz, Max: cfg.Device.MaxHz},
		rpmPerHz:    cfg.Device.RPMPerHz,
		readTimeout: cfg.Serial.ReadTimeout,
		rng:         rand.New(rand.NewPCG(1, 2)),
		notify:      make(chan struct{}, 1),
	}
	if s.readTimeout <= 0 {
		s.readTimeout = DefaultReadTimeout
	}

	if s.banner != "" {
		s.after(s.cfg.BannerWait, s.banner)
	}

	return s
}

// Read returns pending reply bytes. It returns 0, nil after the read timeout
// like a serial port would.
func (s *Simulator) Read(p []byte) (int, error) {
	deadline := time.NewTimer(s.readTimeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, os.ErrClosed
		}
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Write consumes command bytes and schedules the replies.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, os.ErrClosed
	}

	s.partial = append(s.partial, p...)
	var replies []string
	for {
		i := strings.IndexAny(string(s.partial), "\r\n")
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(s.partial[:i]))
		s.partial = s.partial[i+1:]
		if line == "" {
			continue
		}
		s.commands = append(s.commands, line)
		replies = append(replies, s.handle(line))
	}
	s.mu.Unlock()

	if len(replies) > 0 {
		s.after(s.cfg.Latency, replies...)
	}

	return len(p), nil
}

// Drain is a no-op; writes are processed synchronously.
func (s *Simulator) Drain() error {
	return nil
}

// Close makes every further Read and Write fail.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.signal()

	return nil
}

// Commands returns the command lines received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.commands...)
}

// Inject queues a raw line as if the controller had sent it.
func (s *Simulator) Inject(line string) {
	s.enqueue(line)
}

// State returns the simulated drive state.
func (s *Simulator) State() (hz float64, run, hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hz, s.run, s.hold
}

// handle applies one command and returns the reply. Called with mu held.
func (s *Simulator) handle(line string) string {
	verb := Verb(line)
	arg := strings.TrimSpace(strings.TrimPrefix(line, verb))

	switch verb {
	case VerbRun:
		s.run = true
		return "OK RUN"
	case VerbStop:
		s.run = false
		s.hz = 0
		return "OK STOP"
	case VerbReset:
		s.run = false
		s.hold = false
		s.hz = 0
		return "OK RESET"
	case VerbSetHz:
		hz, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return "ERR BAD_HZ"
		}
		if s.hold {
			return "ERR HOLD"
		}
		s.hz = s.limits.Clamp(hz)
		return "OK SET_HZ " + strconv.FormatFloat(s.hz, 'f', -1, 64)
	case VerbHoldStop:
		switch arg {
		case "ON":
			s.hold = true
		case "OFF":
			s.hold = false
		default:
			return "ERR BAD_ARG"
		}
		return "OK HOLD_STOP " + arg
	case VerbStatus:
		return sample.Format(s.status())
	}

	return "ERR UNKNOWN " + verb
}

// status builds the current telemetry. Called with mu held.
func (s *Simulator) status() sample.Telemetry {
	t := sample.Telemetry{Hz: s.hz, Run: s.run, Hold: s.hold}
	if !s.run {
		return t
	}

	noise := (s.rng.Float64()*2 - 1) * s.cfg.RPMNoise
	t.RPM = round3(s.hz*s.rpmPerHz + noise)

	flow1 := round3(s.hz * s.cfg.FlowPerHz)
	volt1 := round3(s.hz * s.cfg.VoltPerHz)
	flow2 := round3(flow1 / 2)
	volt2 := round3(volt1 / 2)
	t.Flow1, t.Volt1, t.Flow2, t.Volt2 = &flow1, &volt1, &flow2, &volt2

	return t
}

func (s *Simulator) after(d time.Duration, lines ...string) {
	if d <= 0 {
		s.enqueue(lines...)
		return
	}
	time.AfterFunc(d, func() { s.enqueue(lines...) })
}

func (s *Simulator) enqueue(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, line := range lines {
		s.pending = append(s.pending, line+"\r\n"...)
	}
	s.signal()
}

// signal wakes a blocked Read. Called with mu held.
func (s *Simulator) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func round3(v float64) float64 {
	f, _ := strconv.ParseFloat(fmt.Sprintf("%.3f", v), 64)
	return f
}
