package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/glycerine/simvar"
)

// simvar run: execute the built-in ping/echo scenario
// under the deterministic simulator, with the usual
// SIMULATOR_* environment available as flags too.

type runOptions struct {
	seed        string
	runs        int
	maxParallel int
	duration    string
	configPath  string
	pings       int
	jsonOut     bool
}

func main() {
	root := &cobra.Command{
		Use:           "simvar",
		Short:         "deterministic simulation harness",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "simvar: %v\n", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the ping/echo scenario under simulation",
		Long: `Run the built-in ping/echo scenario: two simulated hosts
exchange messages over a network with seeded latency and
fault injection. Same seed, same run, every time.

Example:
  simvar run --seed 42 --runs 5
  SIMULATOR_SEED=42 SIMULATOR_RUNS=5 simvar run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts)
		},
	}
	cmd.Flags().StringVar(&opts.seed, "seed", "", "simulation seed (default: random)")
	cmd.Flags().IntVar(&opts.runs, "runs", 0, "number of runs (default: SIMULATOR_RUNS or 1)")
	cmd.Flags().IntVar(&opts.maxParallel, "max-parallel", 0, "max concurrent runs")
	cmd.Flags().StringVar(&opts.duration, "duration", "", "simulated duration cap (ns/us/ms/s suffix, default ms)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "YAML SimConfig overriding the derived one")
	cmd.Flags().IntVar(&opts.pings, "pings", 50, "pings per run")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "emit results as JSON")
	return cmd
}

func runScenario(opts *runOptions) error {
	harness := simvar.OptsFromEnv()
	if opts.seed != "" {
		seed, err := strconv.ParseUint(opts.seed, 10, 64)
		if err != nil {
			return fmt.Errorf("bad --seed %q: %w", opts.seed, err)
		}
		harness.Seed = seed
		harness.SeedSet = true
	}
	if opts.runs > 0 {
		harness.Runs = opts.runs
	}
	if opts.maxParallel > 0 {
		harness.MaxParallel = opts.maxParallel
	}
	if opts.duration != "" {
		// the env override is how the harness plumbs a
		// duration cap into derived configs.
		if _, err := simvar.ParseSimDuration(opts.duration); err != nil {
			return err
		}
		os.Setenv(simvar.EnvDuration, opts.duration)
	}

	if opts.configPath != "" {
		cfg, err := simvar.LoadConfigYAML(opts.configPath)
		if err != nil {
			return err
		}
		harness.Config = cfg
	}

	results := simvar.RunSimsOpts("ping-echo", harness, func(sim *simvar.Sim) error {
		return pingEcho(sim, opts.pings)
	})

	if opts.jsonOut {
		for _, r := range results {
			by, err := r.JSON()
			if err != nil {
				return err
			}
			fmt.Println(string(by))
		}
	} else {
		for _, r := range results {
			fmt.Print(r.String())
		}
		printSummary(results)
	}
	if simvar.Failed(results) {
		return fmt.Errorf("%v of %v runs failed", countFailed(results), len(results))
	}
	return nil
}

// pingEcho wires the scenario: bob echoes whatever
// arrives; alice sends pings and waits, with a timeout,
// for each echo.
func pingEcho(sim *simvar.Sim, pings int) error {
	rt := sim.Runtime()
	net := sim.Net()
	net.Host("alice")
	net.Host("bob")
	ab, err := net.Open("alice", "bob")
	if err != nil {
		return err
	}
	ba, err := net.Open("bob", "alice")
	if err != nil {
		return err
	}

	stop := simvar.NewCancelToken()

	// bob: echo loop until stopped.
	var echoRecv simvar.Future[simvar.Result[*simvar.NetMsg]]
	simvar.SpawnNamed(rt, "bob-echo", simvar.PollFunc[struct{}](
		func(cx *simvar.Context) (struct{}, bool) {
			for {
				if stop.Cancelled() {
					return struct{}{}, true
				}
				if echoRecv == nil {
					echoRecv = ba.Recv()
				}
				r, ok := echoRecv.Poll(cx)
				if !ok {
					// re-check the token when woken.
					stopDone := stop.Done()
					stopDone.Poll(cx)
					return struct{}{}, false
				}
				echoRecv = nil
				if r.Err != nil {
					return struct{}{}, true
				}
				sendErr, _ := ba.Send(r.Val.Payload).Poll(cx)
				if sendErr != nil && sendErr != simvar.ErrCapacity {
					return struct{}{}, true
				}
			}
		}))

	// alice: ping, await echo or timeout, repeat.
	timeouts := 0
	echoed := 0
	client := simvar.PollFunc[simvar.Result[struct{}]](mkClient(ab, pings, &echoed, &timeouts))
	res, err := simvar.TryBlockOn(rt, client)
	stop.Cancel()
	sim.SetExtra("echoed", strconv.Itoa(echoed))
	sim.SetExtra("timeouts", strconv.Itoa(timeouts))
	if err != nil {
		return err
	}
	return res.Err
}

// mkClient builds alice's poll loop as an explicit state
// machine: send, await the timeout-wrapped reply, next.
func mkClient(conn *simvar.SimConn, pings int, echoed, timeouts *int) func(cx *simvar.Context) (simvar.Result[struct{}], bool) {
	const replyWait = 500 * time.Millisecond
	i := 0
	var reply *simvar.TimeoutFuture[simvar.Result[*simvar.NetMsg]]
	return func(cx *simvar.Context) (simvar.Result[struct{}], bool) {
		for {
			if i >= pings {
				return simvar.Ok(struct{}{}), true
			}
			if reply == nil {
				payload := []byte(fmt.Sprintf("ping %v", i))
				if sendErr, _ := conn.Send(payload).Poll(cx); sendErr != nil {
					return simvar.Errv[struct{}](sendErr), true
				}
				reply = simvar.Timeout(replyWait, conn.Recv())
			}
			res, ok := reply.Poll(cx)
			if !ok {
				return simvar.Result[struct{}]{}, false
			}
			reply = nil
			if res.Err == simvar.ErrElapsed {
				*timeouts++
			} else if res.Err != nil {
				return simvar.Errv[struct{}](res.Err), true
			} else if res.Val.Err == nil {
				*echoed++
			}
			i++
		}
	}
}

func printSummary(results []*simvar.SimResult) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Run", "Seed", "Verdict", "Steps", "Sim ms", "Real ms", "Sent", "Delivered"})
	table.SetAutoWrapText(false)
	for _, r := range results {
		verdict := "pass"
		if !r.OK {
			verdict = "FAIL"
		}
		table.Append([]string{
			strconv.Itoa(r.Props.Run),
			strconv.FormatUint(r.Props.Cfg.Seed, 10),
			verdict,
			strconv.FormatInt(r.Run.Steps, 10),
			strconv.FormatInt(r.Run.SimElapsedMs, 10),
			strconv.FormatInt(r.Run.RealElapsedMs, 10),
			strconv.FormatInt(r.Run.MsgsSent, 10),
			strconv.FormatInt(r.Run.MsgsDelivered, 10),
		})
	}
	table.Render()
}

func countFailed(results []*simvar.SimResult) (n int) {
	for _, r := range results {
		if r != nil && !r.OK {
			n++
		}
	}
	return
}
