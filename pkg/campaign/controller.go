package campaign

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/itohio/govfd/pkg/config"
	"github.com/itohio/govfd/pkg/metrics"
	"github.com/itohio/govfd/pkg/sample"
	"github.com/itohio/govfd/pkg/store"
	"github.com/itohio/govfd/pkg/vfd"
)

// Sender writes command lines to the controller.
type Sender interface {
	Send(cmd string) error
}

// Phase is the lifecycle state of a campaign.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Stats summarizes a campaign.
type Stats struct {
	Records       int
	EmptyWindows  int
	Samples       int
	Discarded     int
	CommandErrors int
}

// Controller drives a campaign. It is a step function over time: the caller
// feeds received messages through Handle and advances it with Tick, using
// NextDue to know when the next action is due. Run does this against a
// live line channel.
type Controller struct {
	cfg     config.Config
	mode    Mode
	limits  vfd.Limits
	period  time.Duration
	parser  sample.Parser
	agg     *sample.Aggregator
	sender  Sender
	sink    store.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	onRecord []func(sample.Record)

	mu         sync.Mutex
	phase      Phase
	stopReason string
	stats      Stats

	target    float64
	hasTarget bool

	deadline      time.Time // duration budget, zero = none
	bannerUntil   time.Time
	waitingBanner bool
	runAt         time.Time
	nextStatus    time.Time

	nextRamp    time.Time
	rampCeiling float64

	targets     []float64
	index       int
	settling    bool
	settleUntil time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records campaign counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClock replaces time.Now for Run.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// OnRecord registers a callback invoked for every closed non-empty window.
// Callbacks run on the controller goroutine and must not call back into it.
func OnRecord(fn func(sample.Record)) Option {
	return func(c *Controller) {
		c.onRecord = append(c.onRecord, fn)
	}
}

// New creates a controller for cfg. The configuration is copied.
func New(cfg *config.Config, sender Sender, sink store.Sink, opts ...Option) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	mode, err := ParseMode(cfg.Campaign.Mode)
	if err != nil {
		return nil, err
	}

	acq := cfg.Acquisition
	c := &Controller{
		cfg:    *cfg,
		mode:   mode,
		limits: vfd.Limits{Min: cfg.Device.MinHz, Max: cfg.Device.MaxHz},
		period: cfg.SamplePeriod(),
		parser: sample.NewParser(cfg.Device.RPMPerHz, cfg.Device.OverrideRPM),
		agg: sample.NewAggregator(cfg.Device.HzTolerance, sample.Reduction{
			FlowScale:    acq.FlowScale,
			RPMPlaces:    acq.Precision.RPM,
			FlowPlaces:   acq.Precision.Flow,
			VoltPlaces:   acq.Precision.Volt,
			AnalogPlaces: acq.Precision.Analog,
		}),
		sender: sender,
		sink:   sink,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	return c, nil
}

// Phase returns the current lifecycle state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// StopReason returns why the campaign left the running state.
func (c *Controller) StopReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

// Stats returns the campaign counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Target returns the last commanded frequency.
func (c *Controller) Target() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.hasTarget
}

// Start begins the campaign at now.
func (c *Controller) Start(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseIdle {
		return fmt.Errorf("campaign already %s", c.phase)
	}

	c.phase = PhaseStarting
	if c.cfg.Campaign.Duration > 0 {
		c.deadline = now.Add(c.cfg.Campaign.Duration)
	}

	c.logger.Info("campaign starting",
		slog.String("mode", c.mode.String()),
		slog.Duration("window", c.cfg.Acquisition.Window),
		slog.Duration("duration", c.cfg.Campaign.Duration))

	if c.cfg.Device.Banner != "" && c.cfg.Device.BannerTimeout > 0 {
		c.waitingBanner = true
		c.bannerUntil = now.Add(c.cfg.Device.BannerTimeout)
		return nil
	}

	c.reset(now)
	return nil
}

// Handle processes one message from the line reader.
func (c *Controller) Handle(now time.Time, msg vfd.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Err != nil {
		c.metrics.ReadError()
		c.logger.Warn("serial read error", slog.String("error", msg.Err.Error()))
		return
	}
	c.metrics.Line()

	line := msg.Line
	if c.waitingBanner && strings.Contains(line, c.cfg.Device.Banner) {
		c.logger.Info("controller ready", slog.String("banner", line))
		c.waitingBanner = false
		c.reset(now)
		return
	}

	at := msg.Time
	if at.IsZero() {
		at = now
	}
	t, ok := c.parser.Parse(line, at)
	if !ok {
		if sample.IsAck(line) {
			c.logger.Info("controller ack", slog.String("line", line))
		} else {
			c.logger.Debug("unrecognized line", slog.String("line", line))
		}
		return
	}

	// A window that elapsed before this sample was taken is closed first.
	if c.phase == PhaseRunning && c.agg.Elapsed(t.Time) {
		c.step(t.Time)
	}

	c.stats.Samples++
	kept := c.phase == PhaseRunning && c.agg.Observe(t)
	if !kept {
		c.stats.Discarded++
	}
	c.metrics.Sample(kept)
	c.metrics.Window(c.agg.Len())
}

// Tick runs every action due at now. It returns false once the campaign is
// no longer starting or running.
func (c *Controller) Tick(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.step(now)
	return c.active()
}

func (c *Controller) step(now time.Time) {
	switch c.phase {
	case PhaseStarting:
		c.tickStarting(now)
	case PhaseRunning:
		c.tickRunning(now)
	}

	if c.active() && !c.deadline.IsZero() && !now.Before(c.deadline) {
		c.halt("duration elapsed")
	}
}

func (c *Controller) active() bool {
	return c.phase == PhaseStarting || c.phase == PhaseRunning
}

func (c *Controller) tickStarting(now time.Time) {
	if c.waitingBanner && !now.Before(c.bannerUntil) {
		c.logger.Warn("controller banner not seen, continuing",
			slog.String("banner", c.cfg.Device.Banner),
			slog.Duration("waited", c.cfg.Device.BannerTimeout))
		c.waitingBanner = false
		c.reset(now)
	}

	if !c.waitingBanner && !c.runAt.IsZero() && !now.Before(c.runAt) {
		c.runAt = time.Time{}
		c.send(vfd.Run())
		c.enterRunning(now)
	}
}

func (c *Controller) tickRunning(now time.Time) {
	if !now.Before(c.nextStatus) {
		c.send(vfd.Status())
		c.nextStatus = c.nextStatus.Add(c.period)
		if !c.nextStatus.After(now) {
			c.nextStatus = now.Add(c.period)
		}
	}

	switch c.mode {
	case ModeFixed:
		if c.agg.Elapsed(now) {
			c.flush(now)
			c.openWindow(now)
		}

	case ModeRamp:
		if c.belowCeiling() && !now.Before(c.nextRamp) {
			if c.agg.Elapsed(now) {
				c.flush(now)
			} else if c.agg.Active() {
				c.logger.Info("ramp step before window filled, discarding",
					slog.Float64("hz", c.target),
					slog.Int("samples", c.agg.Len()))
				c.agg.Discard()
			}
			c.setTarget(RampNext(c.target, c.cfg.Campaign.Ramp.Step, c.rampCeiling))
			c.openWindow(now)
			c.nextRamp = c.nextRamp.Add(c.cfg.Campaign.Ramp.Interval)
			if !c.nextRamp.After(now) {
				c.nextRamp = now.Add(c.cfg.Campaign.Ramp.Interval)
			}
		}
		if c.agg.Elapsed(now) {
			c.flush(now)
			c.openWindow(now)
		}

	case ModeSweep:
		if c.settling {
			if now.Before(c.settleUntil) {
				return
			}
			c.settling = false
			c.openWindow(now)
			return
		}
		if c.agg.Elapsed(now) {
			c.flush(now)
			c.index++
			if c.index >= len(c.targets) {
				c.halt("sweep complete")
				return
			}
			c.beginSweepStep(now)
		}
	}
}

// NextDue returns the earliest time at which Tick has work to do, or the
// zero time when the campaign is not active.
func (c *Controller) NextDue() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active() {
		return time.Time{}
	}

	var due time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if due.IsZero() || t.Before(due) {
			due = t
		}
	}

	consider(c.deadline)
	if c.phase == PhaseStarting {
		if c.waitingBanner {
			consider(c.bannerUntil)
		} else {
			consider(c.runAt)
		}
		return due
	}

	consider(c.nextStatus)
	if c.agg.Active() {
		consider(c.agg.Deadline())
	}
	if c.settling {
		consider(c.settleUntil)
	}
	if c.mode == ModeRamp && c.belowCeiling() {
		consider(c.nextRamp)
	}

	return due
}

// Halt requests the campaign to stop. Open windows are discarded. The
// drive itself is brought down by the Supervisor.
func (c *Controller) Halt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halt(reason)
}

func (c *Controller) halt(reason string) {
	if !c.active() && c.phase != PhaseIdle {
		return
	}
	if c.agg.Active() {
		c.logger.Info("discarding partial window",
			slog.Float64("hz", c.agg.Target()),
			slog.Int("samples", c.agg.Len()))
		c.agg.Discard()
	}
	c.metrics.Window(0)
	c.phase = PhaseDraining
	c.stopReason = reason
	c.logger.Info("campaign stopping", slog.String("reason", reason))
}

// finish marks the campaign as stopped.
func (c *Controller) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseStopped {
		return
	}
	c.phase = PhaseStopped
	c.logger.Info("campaign stopped",
		slog.String("reason", c.stopReason),
		slog.Int("records", c.stats.Records),
		slog.Int("empty_windows", c.stats.EmptyWindows),
		slog.Int("samples", c.stats.Samples),
		slog.Int("command_errors", c.stats.CommandErrors))
}

func (c *Controller) reset(now time.Time) {
	c.send(vfd.Reset())
	c.runAt = now.Add(c.cfg.Device.ResetDelay)
}

func (c *Controller) enterRunning(now time.Time) {
	c.phase = PhaseRunning
	c.nextStatus = now

	switch c.mode {
	case ModeFixed:
		c.setTarget(c.cfg.Campaign.Fixed.Hz)
		c.openWindow(now)

	case ModeRamp:
		c.rampCeiling = c.limits.Clamp(c.cfg.Campaign.Ramp.Stop)
		c.setTarget(c.cfg.Campaign.Ramp.Start)
		c.openWindow(now)
		c.nextRamp = now.Add(c.cfg.Campaign.Ramp.Interval)

	case ModeSweep:
		sw := c.cfg.Campaign.Sweep
		c.targets = SweepTargets(sw.Start, sw.Stop, sw.Step, c.limits)
		c.index = 0
		if len(c.targets) == 0 {
			c.halt("empty sweep")
			return
		}
		c.beginSweepStep(now)
	}
}

func (c *Controller) beginSweepStep(now time.Time) {
	c.setTarget(c.targets[c.index])
	c.logger.Info("sweep step",
		slog.Int("step", c.index+1),
		slog.Int("of", len(c.targets)),
		slog.Float64("hz", c.target))

	c.agg.Discard()
	if c.cfg.Campaign.Sweep.Settle > 0 {
		c.settling = true
		c.settleUntil = now.Add(c.cfg.Campaign.Sweep.Settle)
		return
	}
	c.openWindow(now)
}

func (c *Controller) belowCeiling() bool {
	return c.target < c.rampCeiling-c.cfg.Device.HzTolerance
}

func (c *Controller) setTarget(hz float64) {
	clamped := c.limits.Clamp(hz)
	if clamped != hz {
		c.logger.Warn("target clamped",
			slog.Float64("requested", hz),
			slog.Float64("hz", clamped))
	}
	c.target = clamped
	c.hasTarget = true
	c.metrics.Target(clamped)
	c.send(vfd.SetHz(clamped))
}

func (c *Controller) openWindow(now time.Time) {
	c.agg.Open(c.target, now, c.cfg.Acquisition.Window)
	c.metrics.Window(0)
	c.logger.Debug("window opened",
		slog.Float64("hz", c.target),
		slog.Duration("duration", c.cfg.Acquisition.Window))
}

// flush closes the open window and persists its record.
func (c *Controller) flush(now time.Time) {
	rec, ok := c.agg.Close(now)
	c.metrics.Window(0)
	if !ok {
		c.stats.EmptyWindows++
		c.metrics.EmptyWindow()
		c.logger.Warn("window closed without samples", slog.Float64("hz", c.target))
		return
	}

	if err := c.persist(rec); err != nil {
		c.logger.Error("failed to persist record",
			slog.Float64("hz", rec.Hz),
			slog.String("error", err.Error()))
	} else {
		c.stats.Records++
		c.metrics.Record()
	}
	c.logger.Info("record",
		slog.Float64("hz", rec.Hz),
		slog.Float64("rpm", rec.RPM),
		slog.Float64("flow1", rec.Flow1),
		slog.Float64("volt1", rec.Volt1),
		slog.Float64("volt2", rec.Volt2),
		slog.Int("samples", rec.Samples))

	for _, fn := range c.onRecord {
		fn(rec)
	}
}

func (c *Controller) persist(rec sample.Record) error {
	if c.sink == nil {
		return nil
	}
	return c.sink.Write(rec)
}

func (c *Controller) send(cmd string) {
	err := c.sender.Send(cmd)
	c.metrics.Command(vfd.Verb(cmd), err)
	if err != nil {
		c.stats.CommandErrors++
		c.logger.Error("command failed", slog.String("cmd", cmd), slog.String("error", err.Error()))
	}
}
