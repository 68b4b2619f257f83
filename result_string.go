package simvar

// All the harness String() methods live here, same as
// the runtime keeps its state transitions elsewhere.

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
)

var passColor = color.New(color.FgGreen, color.Bold)
var failColor = color.New(color.FgRed, color.Bold)
var dimColor = color.New(color.Faint)

func (c *SimConfig) String() string {
	dur := "unbounded"
	if c.Duration != DurationUnbounded {
		dur = c.Duration.String()
	}
	return fmt.Sprintf(
		"SimConfig{seed: %v, fail: %.3f, repair: %.3f, cap: %v/%v, shuffle: %v, latency: [%v, %v] skew %.1f, duration: %v, tick: %v}",
		c.Seed, c.FailRate, c.RepairRate, c.TCPCapacity, c.UDPCapacity,
		c.EnableRandomOrder, c.MinMessageLatency, c.MaxMessageLatency,
		c.LatencySkew, dur, c.TickDuration)
}

func (p SimRunProperties) String() string {
	s := fmt.Sprintf("steps: %v, real: %vms, simulated: %vms",
		p.Steps, p.RealElapsedMs, p.SimElapsedMs)
	if p.MsgsSent > 0 {
		s += fmt.Sprintf(", msgs: %v sent / %v delivered / %v dropped",
			p.MsgsSent, p.MsgsDelivered, p.MsgsDropped)
	}
	if p.LatencyP50 > 0 {
		s += fmt.Sprintf(", hop p50: %v, p95: %v",
			p.LatencyP50.Round(time.Microsecond),
			p.LatencyP95.Round(time.Microsecond))
	}
	return s
}

// String renders the human report: verdict, seed and
// config, metrics, the failure payload, and the
// copy-pasteable reproduction commands.
func (r *SimResult) String() string {
	var b strings.Builder
	verdict := passColor.Sprintf("PASS")
	if !r.OK {
		verdict = failColor.Sprintf("FAIL")
	}
	fmt.Fprintf(&b, "%v  %v (run %v, seed %v)\n", verdict, r.Name, r.Props.Run, r.Props.Cfg.Seed)
	fmt.Fprintf(&b, "  %v\n", dimColor.Sprint(r.Props.Cfg.String()))
	fmt.Fprintf(&b, "  %v\n", r.Run.String())
	keys := make([]string, 0, len(r.Props.Extra))
	for k := range r.Props.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %v: %v\n", k, r.Props.Extra[k])
	}
	if r.Err != "" {
		fmt.Fprintf(&b, "  error: %v\n", failColor.Sprint(r.Err))
	}
	if r.Panic != "" {
		fmt.Fprintf(&b, "  panic: %v\n", failColor.Sprint(r.Panic))
	}
	if r.ReproCmd != "" {
		fmt.Fprintf(&b, "  reproduce this run:\n    %v\n", r.ReproCmd)
	}
	if r.ReproSeqCmd != "" {
		fmt.Fprintf(&b, "  reproduce the whole sequence from run 0:\n    %v\n", r.ReproSeqCmd)
	}
	return b.String()
}

// JSON renders the result for machine consumption.
func (r *SimResult) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
