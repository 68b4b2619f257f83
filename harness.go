package simvar

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// The harness orchestrates one or more simulation runs:
// derive a SimConfig from the seed, build a runtime, let
// the scenario body drive it, and report a SimResult
// with enough metadata to replay the exact failing run.

// Sim is the per-run bundle handed to a scenario body.
type Sim struct {
	Name string

	rt    *Runtime
	cfg   *SimConfig
	net   *SimNet
	props SimProperties

	faultTok *CancelToken
}

func (s *Sim) Runtime() *Runtime   { return s.rt }
func (s *Sim) Config() *SimConfig  { return s.cfg }
func (s *Sim) Net() *SimNet        { return s.net }
func (s *Sim) RNG() *SimRNG        { return s.rt.rng }
func (s *Sim) Clock() *SimClock    { return s.rt.clock }

// SetExtra attaches free-form metadata that shows up in
// the run report.
func (s *Sim) SetExtra(key, val string) {
	if s.props.Extra == nil {
		s.props.Extra = make(map[string]string)
	}
	s.props.Extra[key] = val
}

// SimProperties identifies one run: its config, its run
// number within a multi-run sequence, and which harness
// worker executed it.
type SimProperties struct {
	Cfg      *SimConfig        `json:"config"`
	Run      int               `json:"run"`
	ThreadID int               `json:"thread_id,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// SimRunProperties are the post-hoc metrics of one run.
type SimRunProperties struct {
	Steps         int64 `json:"steps"`
	RealElapsedMs int64 `json:"real_elapsed_ms"`
	SimElapsedMs  int64 `json:"sim_elapsed_ms"`

	// hop latency quantiles, zero when the run sent no
	// simulated messages.
	LatencyP50 time.Duration `json:"latency_p50,omitempty"`
	LatencyP95 time.Duration `json:"latency_p95,omitempty"`

	MsgsSent      int64 `json:"msgs_sent,omitempty"`
	MsgsDelivered int64 `json:"msgs_delivered,omitempty"`
	MsgsDropped   int64 `json:"msgs_dropped,omitempty"`
}

// SimResult is the immutable report of one run.
type SimResult struct {
	Name  string           `json:"name"`
	OK    bool             `json:"ok"`
	Props SimProperties    `json:"props"`
	Run   SimRunProperties `json:"run"`

	// failure payload; Err and Panic may both be empty
	// for structural failures reported through Err.
	Err   string `json:"error,omitempty"`
	Panic string `json:"panic,omitempty"`

	// copy-pasteable reproduction commands.
	ReproCmd    string `json:"repro_cmd,omitempty"`
	ReproSeqCmd string `json:"repro_seq_cmd,omitempty"`
}

// HarnessOpts are the knobs normally filled from the
// SIMULATOR_* environment.
type HarnessOpts struct {
	Seed        uint64
	SeedSet     bool
	Runs        int
	MaxParallel int

	// Config, when non-nil, is used as the base run
	// config (seed re-stamped per run) instead of
	// deriving one from the RNG.
	Config *SimConfig
}

// OptsFromEnv reads SIMULATOR_SEED, SIMULATOR_RUNS and
// SIMULATOR_MAX_PARALLEL.
func OptsFromEnv() HarnessOpts {
	opts := HarnessOpts{Runs: 1, MaxParallel: 1}
	if raw := os.Getenv(EnvSeed); raw != "" {
		seed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			alwaysPrintf("ignoring bad %v=%q: %v", EnvSeed, raw, err)
		} else {
			opts.Seed = seed
			opts.SeedSet = true
		}
	}
	if raw := os.Getenv(EnvRuns); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			alwaysPrintf("ignoring bad %v=%q", EnvRuns, raw)
		} else {
			opts.Runs = n
		}
	}
	if raw := os.Getenv(EnvMaxParallel); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			alwaysPrintf("ignoring bad %v=%q", EnvMaxParallel, raw)
		} else {
			opts.MaxParallel = n
		}
	}
	return opts
}

// RunSims runs the scenario body once per configured
// run, each run keyed by a seed derived deterministically
// from the initial seed, and returns one SimResult per
// run, in run order.
func RunSims(name string, body func(*Sim) error) []*SimResult {
	return RunSimsOpts(name, OptsFromEnv(), body)
}

// RunSimsOpts is RunSims with explicit options.
func RunSimsOpts(name string, opts HarnessOpts, body func(*Sim) error) []*SimResult {
	if opts.SeedSet {
		SeedRNG(opts.Seed)
	}
	master := GlobalRNG()
	initialSeed := InitialSeed()
	runs := opts.Runs
	if runs < 1 {
		runs = 1
	}
	maxPar := opts.MaxParallel
	if maxPar < 1 {
		maxPar = 1
	}
	if maxPar > runs {
		maxPar = runs
	}

	results := make([]*SimResult, runs)
	if maxPar == 1 {
		for run := 0; run < runs; run++ {
			results[run] = runOne(name, master.DeriveSeed(run), initialSeed, run, runs, 0, opts.Config, body)
		}
		return results
	}

	// later-run failures can depend on RNG state only in
	// the sense of the derived seed chain, which is a
	// pure function of (initialSeed, run); runs are
	// otherwise independent, so bounded parallelism is
	// safe.
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup
	for run := 0; run < runs; run++ {
		wg.Add(1)
		go func(run int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[run] = runOne(name, master.DeriveSeed(run), initialSeed, run, runs, GoroNumber(), opts.Config, body)
		}(run)
	}
	wg.Wait()
	return results
}

func runOne(name string, runSeed, initialSeed uint64, run, totalRuns, threadID int, base *SimConfig, body func(*Sim) error) (res *SimResult) {
	var cfg *SimConfig
	if base != nil {
		c := *base
		cfg = &c
	} else {
		cfg = ConfigFromRNG(NewSimRNG(runSeed))
	}
	cfg.Seed = runSeed
	rt := NewRuntime(cfg)
	net := NewSimNet(rt, cfg)
	sim := &Sim{
		Name: name,
		rt:   rt,
		cfg:  cfg,
		net:  net,
	}
	if cfg.FailRate > 0 || cfg.RepairRate > 0 {
		sim.faultTok = NewCancelToken()
		Spawn(rt, net.FaultTicker(sim.faultTok))
	}

	props := SimProperties{Cfg: cfg, Run: run, ThreadID: threadID}

	t0 := time.Now()
	finish := func(err error, pan any) *SimResult {
		if sim.faultTok != nil {
			sim.faultTok.Cancel()
		}
		r := &SimResult{
			Name:  name,
			OK:    err == nil && pan == nil,
			Props: props,
			Run: SimRunProperties{
				Steps:         rt.Steps(),
				RealElapsedMs: time.Since(t0).Milliseconds(),
				SimElapsedMs:  rt.clock.SimElapsed().Milliseconds(),
				LatencyP50:    net.digest.Quantile(0.5),
				LatencyP95:    net.digest.Quantile(0.95),
				MsgsSent:      net.Sent,
				MsgsDelivered: net.Delivered,
				MsgsDropped:   net.DroppedSends,
			},
		}
		r.Props.Extra = sim.props.Extra
		if err != nil {
			r.Err = err.Error()
		}
		if pan != nil {
			r.Panic = fmt.Sprintf("%v", pan)
		}
		if !r.OK {
			r.ReproCmd = reproCommand(runSeed, 1)
			if run > 0 {
				// a later-run failure may depend on the
				// seed chain from the start; give the
				// whole-sequence replay too.
				r.ReproSeqCmd = reproCommand(initialSeed, totalRuns)
			}
		}
		return r
	}

	defer func() {
		if r := recover(); r != nil {
			res = finish(nil, r)
		}
	}()

	err := body(sim)
	if err == nil {
		if sim.faultTok != nil {
			sim.faultTok.Cancel()
		}
		err = rt.Wait()
	}
	return finish(err, nil)
}

// Failed reports whether any run in the batch failed.
func Failed(results []*SimResult) bool {
	for _, r := range results {
		if r != nil && !r.OK {
			return true
		}
	}
	return false
}
