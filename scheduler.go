package simvar

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glycerine/idem"
)

// ErrDeadlock is returned when no task is runnable, no
// timer is pending, and unresolved tasks remain. This is
// structural: the simulated system cannot make progress,
// and no amount of waiting would change that.
var ErrDeadlock = errors.New("simvar: deadlock: tasks remain but none runnable and no timers pending")

// ErrStopped is returned when the runtime's halter was
// asked to stop before the driven future resolved.
var ErrStopped = errors.New("simvar: runtime stopped")

// Runtime is the cooperative, single goroutine executor.
// It owns the task arena, the ready list, the timer
// queue, the simulated clock, and the run's RNG. There
// is no preemption and no parallelism: "concurrency" is
// interleaved polling, which is what makes bit-for-bit
// replay from a seed possible.
type Runtime struct {
	cfg   *SimConfig
	rng   *SimRNG
	clock *SimClock
	halt  *idem.Halter

	// arena: slot index is the taskID. Completed slots
	// are nil-ed and their ids go on the free list;
	// slots whose task panicked or failed unjoined are
	// kept until Join or Wait observes the failure.
	slots    []*task
	freelist []taskID
	live     int

	ready []taskID

	timerQ  *pq
	timerSn int64
	spawnSn int64

	// count of un-fired callback timers (message
	// deliveries in flight); Wait will not return while
	// any remain within the deadline.
	fnPending int

	// which task is being polled right now; used to
	// attribute held mutexes for poisoning.
	current taskID
	polling bool

	steps     int64
	startReal time.Time

	// logical end of the run; the clock never advances
	// past it. Zero means unbounded.
	deadline time.Time
}

// NewRuntime builds a runtime from cfg. The RNG is keyed
// by cfg.Seed; the clock starts at the simulated epoch.
func NewRuntime(cfg *SimConfig) *Runtime {
	if cfg == nil {
		cfg = NewSimConfig()
	}
	rt := &Runtime{
		cfg:       cfg,
		rng:       NewSimRNG(cfg.Seed),
		clock:     NewSimClock(),
		halt:      idem.NewHalterNamed(fmt.Sprintf("Runtime(seed %v)", cfg.Seed)),
		timerQ:    newPQcompleteTm("runtime timerQ"),
		startReal: time.Now(),
		current:   -1,
	}
	if cfg.EpochOffset != 0 {
		rt.clock.SetEpochOffset(cfg.EpochOffset)
	}
	if cfg.StepMultiplier != 0 {
		rt.clock.SetStepMultiplier(cfg.StepMultiplier)
	}
	if cfg.Duration > 0 && cfg.Duration != DurationUnbounded {
		rt.deadline = rt.clock.Now().Add(cfg.Duration)
	}
	return rt
}

func (rt *Runtime) Config() *SimConfig { return rt.cfg }
func (rt *Runtime) RNG() *SimRNG       { return rt.rng }
func (rt *Runtime) Clock() *SimClock   { return rt.clock }
func (rt *Runtime) Halter() *idem.Halter { return rt.halt }

// Steps reports the number of scheduling steps taken so
// far: one step is one pass of polling all ready tasks.
func (rt *Runtime) Steps() int64 { return rt.steps }

// register puts a new task on the arena and the ready
// list. Callers go through Spawn/SpawnNamed.
func (rt *Runtime) register(name string, poll func(cx *Context) bool) *task {
	rt.spawnSn++
	t := &task{
		sn:    rt.spawnSn,
		name:  name,
		poll:  poll,
		woken: true,
	}
	var id taskID
	if n := len(rt.freelist); n > 0 {
		id = rt.freelist[n-1]
		rt.freelist = rt.freelist[:n-1]
		rt.slots[id] = t
	} else {
		id = taskID(len(rt.slots))
		rt.slots = append(rt.slots, t)
	}
	t.id = id
	rt.live++
	rt.ready = append(rt.ready, id)
	return t
}

func (rt *Runtime) slot(id taskID) *task {
	if id < 0 || int(id) >= len(rt.slots) {
		return nil
	}
	return rt.slots[id]
}

// wake sets the wake bit and re-enqueues. Safe to call
// for completed or reused slots; stale wakes are no-ops
// because the woken bit guards double enqueue.
func (rt *Runtime) wake(id taskID) {
	t := rt.slot(id)
	if t == nil || t.done || t.woken {
		return
	}
	t.woken = true
	rt.ready = append(rt.ready, id)
}

// addTimer registers a wake-up at deadline for w.
// Deadline ties fire in registration order.
func (rt *Runtime) addTimer(deadline time.Time, w Waker) *top {
	rt.timerSn++
	op := &top{
		sn:         rt.timerSn,
		completeTm: deadline,
		waker:      w,
		fileLine:   fileLine(2),
	}
	rt.timerQ.add(op)
	return op
}

// addTimerFn registers a callback to run on the
// scheduler at deadline. Used for simulated message
// delivery, where the arrival is an event of the network
// rather than a wake-up of any one task. Callbacks fire
// in deadline-then-registration order, like every other
// timer.
func (rt *Runtime) addTimerFn(deadline time.Time, fn func(now time.Time)) *top {
	rt.timerSn++
	op := &top{
		sn:         rt.timerSn,
		completeTm: deadline,
		fn:         fn,
		fileLine:   fileLine(2),
	}
	rt.timerQ.add(op)
	rt.fnPending++
	return op
}

// discardTimer removes a pending timer; wasArmed reports
// whether it had already fired.
func (rt *Runtime) discardTimer(op *top) (wasArmed bool) {
	rt.timerQ.del(op)
	if op.fn != nil && op.firedTm.IsZero() {
		rt.fnPending--
	}
	return !op.firedTm.IsZero()
}

// pollTask polls one task with panic capture. A panic in
// the root task (the one given to driveUntil) propagates;
// a panic anywhere else is parked on the task for Join or
// Wait to observe.
func (rt *Runtime) pollTask(t *task, root *task) {
	cx := &Context{Waker: Waker{rt: rt, id: t.id}, rt: rt}
	rt.current = t.id
	rt.polling = true
	defer func() {
		rt.polling = false
		rt.current = -1
		if r := recover(); r != nil {
			// a panic while holding a simulated lock
			// poisons it; masking that would undermine
			// replay trust.
			for _, m := range t.held {
				m.poison()
			}
			t.held = nil
			t.panicked = r
			if t == root {
				// propagation to the BlockOn caller is
				// the observation.
				t.panicObserved = true
				rt.finishTask(t)
				panic(r)
			}
			rt.finishTask(t)
			alwaysPrintf("task %q (id %v) panicked (will re-raise on Join/Wait): %v", t.name, t.id, r)
		}
	}()
	done := t.poll(cx)
	if done {
		rt.finishTask(t)
	}
}

// finishTask marks done, wakes joiners, and frees the
// slot. Slots with a captured panic or a failed Result
// are kept so Join and Wait can still see them; the
// handle keeps the task struct alive either way.
func (rt *Runtime) finishTask(t *task) {
	if t.done {
		return
	}
	t.done = true
	rt.live--
	wakeWaiters(&t.waiters)
	t.poll = nil
	if t.panicked == nil && t.err == nil {
		rt.slots[t.id] = nil
		rt.freelist = append(rt.freelist, t.id)
	}
}

// stepOnce runs one scheduling step: poll every woken
// task, in spawn order, or in a seeded shuffle when
// EnableRandomOrder is set. Returns false when nothing
// was runnable.
func (rt *Runtime) stepOnce(root *task) (progressed bool) {
	if len(rt.ready) == 0 {
		return false
	}

	batch := rt.ready
	rt.ready = nil

	// dedupe and drop dead entries, then fix the order:
	// spawn order is the baseline contract; the shuffle
	// below is a deterministic permutation of it. The
	// pass holds task pointers, not ids: a slot freed by
	// an earlier poll in the pass can be reused by a
	// fresh spawn, and that spawn belongs to the next
	// pass.
	pass := make([]*task, 0, len(batch))
	seen := make(map[taskID]bool, len(batch))
	for _, id := range batch {
		if seen[id] {
			continue
		}
		seen[id] = true
		if t := rt.slot(id); t != nil && !t.done && t.woken {
			pass = append(pass, t)
		}
	}
	if len(pass) == 0 {
		// every entry was stale; not a step.
		return false
	}
	rt.steps++
	sort.Slice(pass, func(i, j int) bool {
		return pass[i].sn < pass[j].sn
	})
	if rt.cfg.EnableRandomOrder && len(pass) > 1 {
		// deliberate: surfaces ordering-dependent bugs a
		// fixed order would hide, while staying fully
		// reproducible for a given seed.
		rt.rng.Shuffle(len(pass), func(i, j int) {
			pass[i], pass[j] = pass[j], pass[i]
		})
	}

	for _, t := range pass {
		if t.done {
			continue
		}
		t.woken = false
		rt.pollTask(t, root)
	}
	return true
}

// advanceToNextTimer moves the clock to the earliest
// pending deadline and fires every timer now due.
// Returns false if there was no timer to advance to, or
// the next timer lies beyond the run deadline.
func (rt *Runtime) advanceToNextTimer() bool {
	first := rt.timerQ.peek()
	if first == nil {
		return false
	}
	goal := first.completeTm
	if !rt.deadline.IsZero() && goal.After(rt.deadline) {
		return false
	}
	rt.clock.advanceTo(goal)
	now := rt.clock.Now()
	for {
		op := rt.timerQ.peek()
		if op == nil || op.completeTm.After(now) {
			break
		}
		rt.timerQ.pop()
		op.firedTm = now
		if op.fn != nil {
			rt.fnPending--
			op.fn(now)
		} else {
			op.waker.Wake()
		}
	}
	return true
}

// driveUntil is the event loop: poll all ready tasks;
// when nothing is ready, advance the clock to the
// nearest timer; when there is no timer either, the run
// is over (completion, deadline, or deadlock).
// root == nil means drain everything (Wait).
func (rt *Runtime) driveUntil(root *task) error {
	for {
		select {
		case <-rt.halt.ReqStop.Chan:
			return ErrStopped
		default:
		}

		for rt.stepOnce(root) {
			if root != nil && root.done {
				return nil
			}
			select {
			case <-rt.halt.ReqStop.Chan:
				return ErrStopped
			default:
			}
		}

		if root != nil {
			if root.done {
				return nil
			}
		} else if rt.live == 0 && rt.fnPending == 0 {
			// no tasks and no deliveries in flight.
			return nil
		}

		if rt.advanceToNextTimer() {
			continue
		}

		if rt.timerQ.Len() > 0 {
			// timers exist but all lie past the run
			// deadline: the run simply ends here.
			return nil
		}
		if root == nil && rt.live == 0 {
			return nil
		}
		return rt.deadlockError()
	}
}

func (rt *Runtime) deadlockError() error {
	var stuck []string
	for _, t := range rt.slots {
		if t != nil && !t.done {
			stuck = append(stuck, fmt.Sprintf("%q(id %v)", t.name, t.id))
		}
	}
	return fmt.Errorf("%w; stuck tasks: %v", ErrDeadlock, stuck)
}

// BlockOn drives the runtime until fut resolves and
// returns its value. A panic while polling the chain
// rooted at fut propagates to the caller; panics in
// other spawned tasks are captured, not propagated.
func BlockOn[T any](rt *Runtime, fut Future[T]) T {
	h := SpawnNamed(rt, "block_on", fut)
	err := rt.driveUntil(h.t)
	if err != nil {
		panicOn(err)
	}
	if h.t.panicked != nil {
		h.t.panicObserved = true
		panic(h.t.panicked)
	}
	return h.res.Val
}

// TryBlockOn is BlockOn for callers that want structural
// failures (deadlock, stop) as errors instead of panics.
func TryBlockOn[T any](rt *Runtime, fut Future[T]) (v T, err error) {
	h := SpawnNamed(rt, "block_on", fut)
	err = rt.driveUntil(h.t)
	if err != nil {
		return
	}
	if h.t.panicked != nil {
		h.t.panicObserved = true
		panic(h.t.panicked)
	}
	return h.res.Val, nil
}

// Wait drains all remaining spawned tasks, and any
// in-flight simulated deliveries, to completion
// after the primary future has resolved, surfacing any
// deferred failure: the first unobserved task panic
// (as an error), the first unjoined Err result from a
// SpawnErr task, or deadlock among the stragglers.
func (rt *Runtime) Wait() error {
	err := rt.driveUntil(nil)
	if err != nil {
		return err
	}
	for _, t := range rt.slots {
		if t == nil {
			continue
		}
		if t.panicked != nil && !t.panicObserved {
			t.panicObserved = true
			return fmt.Errorf("task %q (id %v) panicked: %v", t.name, t.id, t.panicked)
		}
		if t.err != nil && !t.errObserved {
			t.errObserved = true
			return fmt.Errorf("task %q (id %v) failed: %w", t.name, t.id, t.err)
		}
	}
	return nil
}

// Stop asks the runtime to halt at the next step
// boundary. Safe to call from other goroutines (the
// harness timeout watchdog uses it).
func (rt *Runtime) Stop() {
	rt.halt.ReqStop.Close()
}
