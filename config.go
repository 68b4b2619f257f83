package simvar

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

// DurationUnbounded means the run has no simulated-time
// cap.
const DurationUnbounded = time.Duration(math.MaxInt64)

// Environment variables read by the config and harness.
const (
	EnvSeed        = "SIMULATOR_SEED"
	EnvRuns        = "SIMULATOR_RUNS"
	EnvDuration    = "SIMULATOR_DURATION"
	EnvMaxParallel = "SIMULATOR_MAX_PARALLEL"
)

// SimConfig is the full configuration of one simulation
// run. Built once before the run, immutable after; the
// builder methods return the receiver for fluent
// chaining during setup only.
type SimConfig struct {
	Seed uint64 `yaml:"seed"`

	// probability a healthy circuit fails on one fault
	// tick, and a failed one recovers.
	FailRate   float64 `yaml:"fail_rate"`
	RepairRate float64 `yaml:"repair_rate"`

	// max in-flight simulated messages per circuit.
	TCPCapacity int `yaml:"tcp_capacity"`
	UDPCapacity int `yaml:"udp_capacity"`

	// shuffle ready-task poll order each step, with the
	// run's seeded RNG.
	EnableRandomOrder bool `yaml:"enable_random_order"`

	MinMessageLatency time.Duration `yaml:"min_message_latency"`
	MaxMessageLatency time.Duration `yaml:"max_message_latency"`

	// bias of latency draws toward MinMessageLatency;
	// 1 is uniform.
	LatencySkew float64 `yaml:"latency_skew"`

	// simulated-time cap for the run; DurationUnbounded
	// means run to completion.
	Duration time.Duration `yaml:"duration"`

	// granularity of one scheduler step for grid-style
	// scenarios (the fault ticker uses it).
	TickDuration time.Duration `yaml:"tick_duration"`

	// simulated wall time mapping.
	EpochOffset    time.Duration `yaml:"epoch_offset"`
	StepMultiplier float64       `yaml:"step_multiplier"`
}

// NewSimConfig returns a baseline config: no faults, no
// latency, unbounded duration, 1ms tick.
func NewSimConfig() *SimConfig {
	return &SimConfig{
		TCPCapacity:    64,
		UDPCapacity:    64,
		LatencySkew:    1,
		Duration:       DurationUnbounded,
		TickDuration:   time.Millisecond,
		StepMultiplier: 1,
	}
}

func (c *SimConfig) WithSeed(seed uint64) *SimConfig {
	c.Seed = seed
	return c
}

func (c *SimConfig) WithFailRate(p float64) *SimConfig {
	c.FailRate = p
	return c
}

func (c *SimConfig) WithRepairRate(p float64) *SimConfig {
	c.RepairRate = p
	return c
}

func (c *SimConfig) WithCapacity(tcp, udp int) *SimConfig {
	c.TCPCapacity = tcp
	c.UDPCapacity = udp
	return c
}

func (c *SimConfig) WithRandomOrder(on bool) *SimConfig {
	c.EnableRandomOrder = on
	return c
}

func (c *SimConfig) WithMessageLatency(lo, hi time.Duration) *SimConfig {
	c.MinMessageLatency = lo
	c.MaxMessageLatency = hi
	return c
}

func (c *SimConfig) WithLatencySkew(skew float64) *SimConfig {
	c.LatencySkew = skew
	return c
}

func (c *SimConfig) WithDuration(d time.Duration) *SimConfig {
	c.Duration = d
	return c
}

func (c *SimConfig) WithTick(d time.Duration) *SimConfig {
	c.TickDuration = d
	return c
}

func (c *SimConfig) WithWallMapping(offset time.Duration, mult float64) *SimConfig {
	c.EpochOffset = offset
	c.StepMultiplier = mult
	return c
}

func (c *SimConfig) validate() error {
	if c.FailRate < 0 || c.FailRate > 1 {
		return fmt.Errorf("fail_rate %v outside [0,1]", c.FailRate)
	}
	if c.RepairRate < 0 || c.RepairRate > 1 {
		return fmt.Errorf("repair_rate %v outside [0,1]", c.RepairRate)
	}
	if c.TCPCapacity <= 0 || c.UDPCapacity <= 0 {
		return errors.New("capacities must be > 0")
	}
	if c.MaxMessageLatency < c.MinMessageLatency {
		return fmt.Errorf("max_message_latency %v < min_message_latency %v",
			c.MaxMessageLatency, c.MinMessageLatency)
	}
	if c.TickDuration <= 0 {
		return errors.New("tick_duration must be > 0")
	}
	if c.LatencySkew < 1 {
		return errors.New("latency_skew must be >= 1")
	}
	if c.StepMultiplier <= 0 {
		return errors.New("step_multiplier must be > 0")
	}
	return nil
}

// ConfigFromRNG derives a complete run configuration
// purely from rng, so config derivation itself replays
// from the seed. SIMULATOR_DURATION, if set, overrides
// the drawn duration.
func ConfigFromRNG(rng *SimRNG) *SimConfig {
	cfg := NewSimConfig()
	cfg.Seed = rng.Seed()
	cfg.FailRate = rng.Float64() * 0.1
	cfg.RepairRate = 0.5 + rng.Float64()*0.5
	cfg.TCPCapacity = 16 + int(rng.Int64n(49)) // [16, 64]
	cfg.UDPCapacity = 16 + int(rng.Int64n(49))
	cfg.EnableRandomOrder = true
	cfg.MinMessageLatency = time.Duration(100+rng.Int64n(900)) * time.Microsecond
	cfg.MaxMessageLatency = cfg.MinMessageLatency + time.Duration(1+rng.Int64n(50))*time.Millisecond
	cfg.LatencySkew = 2
	cfg.Duration = 10 * time.Second
	if env, ok := durationFromEnv(); ok {
		cfg.Duration = env
	}
	return cfg
}

// durationFromEnv parses SIMULATOR_DURATION. Accepted
// suffixes: ns, us, µs, ms, s; a bare number is
// milliseconds.
func durationFromEnv() (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(EnvDuration))
	if raw == "" {
		return 0, false
	}
	d, err := ParseSimDuration(raw)
	if err != nil {
		alwaysPrintf("ignoring bad %v=%q: %v", EnvDuration, raw, err)
		return 0, false
	}
	return d, true
}

// ParseSimDuration parses a duration with ns/us/µs/ms/s
// suffixes, defaulting to milliseconds when no suffix is
// given.
func ParseSimDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	unit := time.Millisecond
	digits := raw
	switch {
	case strings.HasSuffix(raw, "ns"):
		unit = time.Nanosecond
		digits = raw[:len(raw)-2]
	case strings.HasSuffix(raw, "µs"):
		unit = time.Microsecond
		digits = strings.TrimSuffix(raw, "µs")
	case strings.HasSuffix(raw, "us"):
		unit = time.Microsecond
		digits = raw[:len(raw)-2]
	case strings.HasSuffix(raw, "ms"):
		unit = time.Millisecond
		digits = raw[:len(raw)-2]
	case strings.HasSuffix(raw, "s"):
		unit = time.Second
		digits = raw[:len(raw)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(digits), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return time.Duration(n) * unit, nil
}

// yamlSimConfig is the file schema: durations are written
// as strings ("250ms", "5s"), and pointer fields let us
// tell "absent" from "zero" so absent fields keep their
// baseline values.
type yamlSimConfig struct {
	Seed              *uint64  `yaml:"seed"`
	FailRate          *float64 `yaml:"fail_rate"`
	RepairRate        *float64 `yaml:"repair_rate"`
	TCPCapacity       *int     `yaml:"tcp_capacity"`
	UDPCapacity       *int     `yaml:"udp_capacity"`
	EnableRandomOrder *bool    `yaml:"enable_random_order"`
	MinMessageLatency *string  `yaml:"min_message_latency"`
	MaxMessageLatency *string  `yaml:"max_message_latency"`
	LatencySkew       *float64 `yaml:"latency_skew"`
	Duration          *string  `yaml:"duration"`
	TickDuration      *string  `yaml:"tick_duration"`
	EpochOffset       *string  `yaml:"epoch_offset"`
	StepMultiplier    *float64 `yaml:"step_multiplier"`
}

// LoadConfigYAML reads a SimConfig from a YAML file,
// filling unset fields from the baseline and validating
// the result.
func LoadConfigYAML(path string) (*SimConfig, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw yamlSimConfig
	if err := yaml.Unmarshal(by, &raw); err != nil {
		return nil, fmt.Errorf("parsing %v: %w", path, err)
	}
	cfg := NewSimConfig()
	cfg.Duration = DurationUnbounded
	setDur := func(dst *time.Duration, src *string, field string) error {
		if src == nil {
			return nil
		}
		d, err := ParseSimDuration(*src)
		if err != nil {
			return fmt.Errorf("%v: %w", field, err)
		}
		*dst = d
		return nil
	}
	if raw.Seed != nil {
		cfg.Seed = *raw.Seed
	}
	if raw.FailRate != nil {
		cfg.FailRate = *raw.FailRate
	}
	if raw.RepairRate != nil {
		cfg.RepairRate = *raw.RepairRate
	}
	if raw.TCPCapacity != nil {
		cfg.TCPCapacity = *raw.TCPCapacity
	}
	if raw.UDPCapacity != nil {
		cfg.UDPCapacity = *raw.UDPCapacity
	}
	if raw.EnableRandomOrder != nil {
		cfg.EnableRandomOrder = *raw.EnableRandomOrder
	}
	if raw.LatencySkew != nil {
		cfg.LatencySkew = *raw.LatencySkew
	}
	if raw.StepMultiplier != nil {
		cfg.StepMultiplier = *raw.StepMultiplier
	}
	for _, e := range []error{
		setDur(&cfg.MinMessageLatency, raw.MinMessageLatency, "min_message_latency"),
		setDur(&cfg.MaxMessageLatency, raw.MaxMessageLatency, "max_message_latency"),
		setDur(&cfg.Duration, raw.Duration, "duration"),
		setDur(&cfg.TickDuration, raw.TickDuration, "tick_duration"),
		setDur(&cfg.EpochOffset, raw.EpochOffset, "epoch_offset"),
	} {
		if e != nil {
			return nil, fmt.Errorf("invalid config %v: %w", path, e)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %v: %w", path, err)
	}
	return cfg, nil
}
