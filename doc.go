/*
Package simvar is a deterministic simulation runtime: a
cooperative, single goroutine task executor that replaces
real clocks, sockets, and process spawning with fully
controlled substitutes driven by a seeded pseudo random
generator.

Same seed, same code: same run. Every scheduling
decision, every simulated latency, every injected fault
derives from the seed, so a failing scenario replays
bit-for-bit from one pasted command line.

The building blocks:

  - Future/Poll: explicit polling protocol; tasks
    suspend only at poll points, never by preemption.
  - Runtime: Spawn, BlockOn, Wait; a task arena, a ready
    list, and a timer queue over a simulated clock that
    advances only when every runnable task is parked.
  - Select, Join2/3, TryJoin2/3, Timeout, Sleep:
    combinators with deterministic tie-break (lowest
    branch index wins) and auto-fusing.
  - Channel, Mutex, CancelToken: the sanctioned points
    of shared state between tasks.
  - ProcessRegistry/Command: registry-driven mock
    command execution.
  - SimNet: an in-memory network with seeded latency,
    capacity bounds, and card/switch fault modeling.
  - RunSims: the harness; derives a SimConfig from the
    seed, runs the scenario, and reports a SimResult
    with reproduction commands.

Environment: SIMULATOR_SEED, SIMULATOR_RUNS,
SIMULATOR_DURATION (ns/us/ms/s suffixes, default ms),
SIMULATOR_MAX_PARALLEL.
*/
package simvar
