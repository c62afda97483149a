package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Campaign modes.
const (
	ModeFixed = "fixed"
	ModeRamp  = "ramp"
	ModeSweep = "sweep"
)

// MaxSweepTargets bounds the number of frequencies a sweep may visit.
const MaxSweepTargets = 100000

// Environment variables consulted by ApplyEnv.
const (
	EnvPort    = "VFD_PORT"
	EnvBaud    = "VFD_BAUD"
	EnvMode    = "VFD_MODE"
	EnvCSV     = "VFD_CSV"
	EnvSQLite  = "VFD_SQLITE"
	EnvMetrics = "VFD_METRICS"
)

// Config represents the application configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Serial      SerialConfig      `yaml:"serial"`
	Device      DeviceConfig      `yaml:"device"`
	Campaign    CampaignConfig    `yaml:"campaign"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Output      OutputConfig      `yaml:"output"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port         string        `yaml:"port"` // Empty port means autodetect
	BaudRate     int           `yaml:"baud_rate"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	QueueSize    int           `yaml:"queue_size"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// DeviceConfig describes the drive controller.
type DeviceConfig struct {
	MinHz         float64       `yaml:"min_hz"`
	MaxHz         float64       `yaml:"max_hz"`
	RPMPerHz      float64       `yaml:"rpm_per_hz"`
	OverrideRPM   bool          `yaml:"override_rpm"` // Always derive rpm from hz
	HzTolerance   float64       `yaml:"hz_tolerance"`
	Banner        string        `yaml:"banner"`
	BannerTimeout time.Duration `yaml:"banner_timeout"`
	ResetDelay    time.Duration `yaml:"reset_delay"`
	StopPause     time.Duration `yaml:"stop_pause"`
}

// CampaignConfig selects the stepping strategy.
type CampaignConfig struct {
	Mode     string        `yaml:"mode"`
	Duration time.Duration `yaml:"duration"` // 0 = unbounded
	Fixed    FixedConfig   `yaml:"fixed"`
	Ramp     RampConfig    `yaml:"ramp"`
	Sweep    SweepConfig   `yaml:"sweep"`
}

// FixedConfig holds a constant target.
type FixedConfig struct {
	Hz float64 `yaml:"hz"`
}

// RampConfig steps the target every interval.
type RampConfig struct {
	Start    float64       `yaml:"start"`
	Stop     float64       `yaml:"stop"`
	Step     float64       `yaml:"step"`
	Interval time.Duration `yaml:"interval"`
}

// SweepConfig visits every target of an inclusive range once.
type SweepConfig struct {
	Start  float64       `yaml:"start"`
	Stop   float64       `yaml:"stop"`
	Step   float64       `yaml:"step"`
	Settle time.Duration `yaml:"settle"`
}

// AcquisitionConfig contains sampling and averaging parameters.
type AcquisitionConfig struct {
	SampleRate  float64         `yaml:"sample_rate"` // Status requests per second
	Window      time.Duration   `yaml:"window"`
	PollTimeout time.Duration   `yaml:"poll_timeout"`
	FlowScale   float64         `yaml:"flow_scale"`
	Precision   PrecisionConfig `yaml:"precision"`
}

// PrecisionConfig holds the number of decimals kept per record column.
type PrecisionConfig struct {
	RPM    int32 `yaml:"rpm"`
	Flow   int32 `yaml:"flow"`
	Volt   int32 `yaml:"volt"`
	Analog int32 `yaml:"analog"`
}

// OutputConfig contains record sinks.
type OutputConfig struct {
	CSV    string `yaml:"csv"`
	SQLite string `yaml:"sqlite"` // Empty disables the SQLite store
	Fsync  bool   `yaml:"fsync"`
}

// MetricsConfig contains the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables the endpoint
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	Enabled    bool          `yaml:"enabled"`
	RPMNoise   float64       `yaml:"rpm_noise"`  // Peak rpm deviation
	FlowPerHz  float64       `yaml:"flow_per_hz"` // Flow channel 1 per Hz
	VoltPerHz  float64       `yaml:"volt_per_hz"` // Voltage per Hz
	Latency    time.Duration `yaml:"latency"`     // Reply delay
	BannerWait time.Duration `yaml:"banner_wait"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Serial: SerialConfig{
			Port:         "",
			BaudRate:     115200,
			ReadTimeout:  200 * time.Millisecond,
			QueueSize:    256,
			ErrorBackoff: 200 * time.Millisecond,
		},
		Device: DeviceConfig{
			MinHz:         0,
			MaxHz:         60,
			RPMPerHz:      56,
			HzTolerance:   0.001,
			Banner:        "Arduino Ready",
			BannerTimeout: 3 * time.Second,
			ResetDelay:    200 * time.Millisecond,
			StopPause:     100 * time.Millisecond,
		},
		Campaign: CampaignConfig{
			Mode:  ModeSweep,
			Fixed: FixedConfig{Hz: 30},
			Ramp: RampConfig{
				Start:    10,
				Stop:     60,
				Step:     5,
				Interval: 10 * time.Second,
			},
			Sweep: SweepConfig{
				Start:  0,
				Stop:   60,
				Step:   1,
				Settle: 300 * time.Millisecond,
			},
		},
		Acquisition: AcquisitionConfig{
			SampleRate:  1,
			Window:      20 * time.Second,
			PollTimeout: 100 * time.Millisecond,
			FlowScale:   3.6,
			Precision:   PrecisionConfig{RPM: 3, Flow: 2, Volt: 2, Analog: 3},
		},
		Output: OutputConfig{
			CSV: "runlog.csv",
		},
		Mock: MockConfig{
			RPMNoise:   10,
			FlowPerHz:  0.05,
			VoltPerHz:  0.08,
			Latency:    5 * time.Millisecond,
			BannerWait: 50 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		c.Serial.Port = v
	}
	if v, ok := lookup(EnvBaud); ok && v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvBaud, v, err)
		}
		c.Serial.BaudRate = baud
	}
	if v, ok := lookup(EnvMode); ok && v != "" {
		c.Campaign.Mode = strings.ToLower(v)
	}
	if v, ok := lookup(EnvCSV); ok && v != "" {
		c.Output.CSV = v
	}
	if v, ok := lookup(EnvSQLite); ok {
		c.Output.SQLite = v
	}
	if v, ok := lookup(EnvMetrics); ok {
		c.Metrics.Listen = v
	}
	return nil
}

// Validate reports every configuration error found.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Campaign.Mode {
	case ModeFixed, ModeRamp, ModeSweep:
	default:
		bad("unknown campaign mode %q", c.Campaign.Mode)
	}
	if !finite(c.Device.MinHz) || !finite(c.Device.MaxHz) || c.Device.MinHz > c.Device.MaxHz {
		bad("invalid device range %v..%v", c.Device.MinHz, c.Device.MaxHz)
	}
	if c.Device.RPMPerHz < 0 {
		bad("rpm_per_hz must not be negative")
	}
	if c.Campaign.Duration < 0 {
		bad("campaign duration must not be negative")
	}
	if !finite(c.Campaign.Fixed.Hz) {
		bad("fixed hz must be a number")
	}
	if !(c.Campaign.Ramp.Step > 0) {
		bad("ramp step must be positive")
	}
	if c.Campaign.Ramp.Start > c.Campaign.Ramp.Stop {
		bad("ramp start %v is above stop %v", c.Campaign.Ramp.Start, c.Campaign.Ramp.Stop)
	}
	if c.Campaign.Ramp.Interval <= 0 {
		bad("ramp interval must be positive")
	}
	if !(c.Campaign.Sweep.Step > 0) {
		bad("sweep step must be positive")
	}
	if c.Campaign.Sweep.Start > c.Campaign.Sweep.Stop {
		bad("sweep start %v is above stop %v", c.Campaign.Sweep.Start, c.Campaign.Sweep.Stop)
	}
	if sw := c.Campaign.Sweep; sw.Step > 0 {
		if sw.Step < c.Device.HzTolerance {
			bad("sweep step %v is below hz_tolerance %v", sw.Step, c.Device.HzTolerance)
		}
		if n := (sw.Stop-sw.Start)/sw.Step + 1; !(n <= MaxSweepTargets) {
			bad("sweep visits more than %d targets", MaxSweepTargets)
		}
	}
	if c.Campaign.Sweep.Settle < 0 {
		bad("sweep settle must not be negative")
	}
	if !(c.Acquisition.SampleRate > 0) || math.IsInf(c.Acquisition.SampleRate, 0) {
		bad("sample rate must be positive")
	}
	if c.Acquisition.Window <= 0 {
		bad("averaging window must be positive")
	}
	if c.Serial.BaudRate <= 0 {
		bad("baud rate must be positive")
	}
	if c.Output.CSV == "" {
		bad("csv output path is required")
	}

	return errors.Join(errs...)
}

// SamplePeriod is the interval between status requests.
func (c *Config) SamplePeriod() time.Duration {
	if c.Acquisition.SampleRate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / c.Acquisition.SampleRate)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.QueueSize == 0 {
		c.Serial.QueueSize = def.Serial.QueueSize
	}
	if c.Serial.ErrorBackoff == 0 {
		c.Serial.ErrorBackoff = def.Serial.ErrorBackoff
	}

	if c.Device.MinHz == 0 && c.Device.MaxHz == 0 {
		c.Device.MinHz = def.Device.MinHz
		c.Device.MaxHz = def.Device.MaxHz
	}
	if c.Device.RPMPerHz == 0 {
		c.Device.RPMPerHz = def.Device.RPMPerHz
	}
	if c.Device.HzTolerance == 0 {
		c.Device.HzTolerance = def.Device.HzTolerance
	}
	if c.Device.Banner == "" {
		c.Device.Banner = def.Device.Banner
	}
	if c.Device.BannerTimeout == 0 {
		c.Device.BannerTimeout = def.Device.BannerTimeout
	}
	if c.Device.ResetDelay == 0 {
		c.Device.ResetDelay = def.Device.ResetDelay
	}
	if c.Device.StopPause == 0 {
		c.Device.StopPause = def.Device.StopPause
	}

	if c.Campaign.Mode == "" {
		c.Campaign.Mode = def.Campaign.Mode
	}
	c.Campaign.Mode = strings.ToLower(c.Campaign.Mode)
	if c.Campaign.Ramp.Step == 0 {
		c.Campaign.Ramp.Step = def.Campaign.Ramp.Step
	}
	if c.Campaign.Ramp.Interval == 0 {
		c.Campaign.Ramp.Interval = def.Campaign.Ramp.Interval
	}
	if c.Campaign.Sweep.Step == 0 {
		c.Campaign.Sweep.Step = def.Campaign.Sweep.Step
	}

	if c.Acquisition.SampleRate == 0 {
		c.Acquisition.SampleRate = def.Acquisition.SampleRate
	}
	if c.Acquisition.Window == 0 {
		c.Acquisition.Window = def.Acquisition.Window
	}
	if c.Acquisition.PollTimeout == 0 {
		c.Acquisition.PollTimeout = def.Acquisition.PollTimeout
	}
	if c.Acquisition.FlowScale == 0 {
		c.Acquisition.FlowScale = def.Acquisition.FlowScale
	}

	if c.Output.CSV == "" {
		c.Output.CSV = def.Output.CSV
	}
}
