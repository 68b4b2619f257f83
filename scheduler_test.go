package simvar

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// traceScenario spawns three chatty tasks and one
// block_on driver, and records every observable event in
// order. Identical seeds must give identical transcripts.
func traceScenario(seed uint64, shuffle bool) (trace []string, steps int64) {
	cfg := NewSimConfig().WithSeed(seed)
	cfg.EnableRandomOrder = shuffle
	rt := NewRuntime(cfg)

	log := func(format string, a ...any) {
		trace = append(trace, fmt.Sprintf(format, a...))
	}

	ch := NewChannel[int](rt, 2)
	for i := 0; i < 3; i++ {
		i := i
		SpawnNamed(rt, fmt.Sprintf("writer%v", i), Then(
			Sleep(time.Duration(i+1)*time.Millisecond),
			func(tm time.Time) Future[error] {
				log("writer%v woke at %v", i, tm.Sub(simEpoch))
				return ch.Send(i)
			}))
	}

	got := BlockOn(rt, Then(ch.Recv(), func(r Result[int]) Future[Joined2[Result[int], Result[int]]] {
		log("recv %v", r.Val)
		return Join2(ch.Recv(), ch.Recv())
	}))
	log("recv %v recv %v", got.A.Val, got.B.Val)
	panicOn(rt.Wait())
	return trace, rt.Steps()
}

func Test300_scheduler_determinism(t *testing.T) {

	cv.Convey("two runs with the same seed must produce identical event transcripts and step counts; a shuffled poll order stays just as reproducible", t, func() {

		t1, s1 := traceScenario(42, false)
		t2, s2 := traceScenario(42, false)
		cv.So(t2, cv.ShouldResemble, t1)
		cv.So(s2, cv.ShouldEqual, s1)

		t3, s3 := traceScenario(42, true)
		t4, s4 := traceScenario(42, true)
		cv.So(t4, cv.ShouldResemble, t3)
		cv.So(s4, cv.ShouldEqual, s3)
	})
}

func Test301_spawn_order_polling(t *testing.T) {
	// with EnableRandomOrder off, tasks made ready in the
	// same step are polled in spawn order.
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		SpawnNamed(rt, name, PollFunc[struct{}](func(cx *Context) (struct{}, bool) {
			order = append(order, name)
			return struct{}{}, true
		}))
	}
	if err := rt.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got, want := strings.Join(order, ""), "abc"; got != want {
		t.Fatalf("want %v, but got %v", want, got)
	}
}

func Test302_deadlock_detected(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	ch := NewChannel[int](rt, 1)
	// nobody ever sends; the receiver can never run again
	// and no timer is pending.
	SpawnNamed(rt, "starved reader", Map(ch.Recv(), func(r Result[int]) int { return r.Val }))
	err := rt.Wait()
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("want ErrDeadlock, but got %v", err)
	}
	if !strings.Contains(err.Error(), "starved reader") {
		t.Fatalf("deadlock report should name the stuck task; got: %v", err)
	}
}

func Test303_deadline_ends_run_cleanly(t *testing.T) {
	// a sleeper past the run deadline is not a deadlock;
	// the run just ends.
	cfg := NewSimConfig().WithSeed(1).WithDuration(10 * time.Millisecond)
	rt := NewRuntime(cfg)
	SpawnNamed(rt, "oversleeper", Sleep(time.Hour))
	if err := rt.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got, want := rt.Clock().SimElapsed(), 10*time.Millisecond; got > want {
		t.Fatalf("clock advanced past the run deadline: %v", got)
	}
}

func Test304_side_task_panic_deferred_to_wait(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	SpawnNamed(rt, "bomb", PollFunc[struct{}](func(cx *Context) (struct{}, bool) {
		panic("boom in side task")
	}))
	v := BlockOn(rt, Ready(7))
	if v != 7 {
		t.Fatalf("want 7, but got %v", v)
	}
	err := rt.Wait()
	if err == nil || !strings.Contains(err.Error(), "boom in side task") {
		t.Fatalf("Wait should surface the side task panic; got %v", err)
	}
	// second Wait: the panic was observed, not re-reported.
	if err2 := rt.Wait(); err2 != nil {
		t.Fatalf("want nil on second Wait, but got %v", err2)
	}
}

func Test305_join_reraises_panic(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	h := SpawnNamed(rt, "bomb", PollFunc[int](func(cx *Context) (int, bool) {
		panic("boom for join")
	}))
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatalf("joining a panicked task should re-raise")
			}
			if got, want := fmt.Sprintf("%v", r), "boom for join"; got != want {
				t.Fatalf("want %v, but got %v", want, got)
			}
		}()
		BlockOn(rt, h.Join())
	}()
	// the panic was observed via Join, so Wait is clean.
	if err := rt.Wait(); err != nil {
		t.Fatalf("want nil, but got %v", err)
	}
}

func Test306_root_panic_propagates(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("BlockOn should propagate a root task panic")
		}
	}()
	BlockOn(rt, PollFunc[int](func(cx *Context) (int, bool) {
		panic("root boom")
	}))
}

func Test307_join_returns_result(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	h := SpawnNamed(rt, "sleeper", Map(Sleep(3*time.Millisecond), func(tm time.Time) int {
		return 99
	}))
	r := BlockOn(rt, h.Join())
	if r.Err != nil {
		t.Fatalf("Join err: %v", r.Err)
	}
	if got, want := r.Val, 99; got != want {
		t.Fatalf("want %v, but got %v", want, got)
	}
	if !h.Completed() {
		t.Fatalf("handle should report completion")
	}
	select {
	case <-h.WhenDone():
	default:
		t.Fatalf("WhenDone latch should be closed")
	}
}

func Test308_stop_halts_the_run(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	rt.Stop()
	_, err := TryBlockOn(rt, Pending[int]())
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("want ErrStopped, but got %v", err)
	}
}

func Test309_yield_runs_others_first(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	var order []string
	SpawnNamed(rt, "yielder", Then(Yield(), func(struct{}) Future[struct{}] {
		order = append(order, "yielder-after")
		return Ready(struct{}{})
	}))
	SpawnNamed(rt, "other", PollFunc[struct{}](func(cx *Context) (struct{}, bool) {
		order = append(order, "other")
		return struct{}{}, true
	}))
	panicOn(rt.Wait())
	if got, want := strings.Join(order, ","), "other,yielder-after"; got != want {
		t.Fatalf("want %v, but got %v", want, got)
	}
}

func Test310_spawn_err_surfaces_on_join(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	boom := errors.New("task failed")
	h := SpawnErr(rt, "failing", PollFunc[Result[int]](func(cx *Context) (Result[int], bool) {
		return Errv[int](boom), true
	}))
	r := BlockOn(rt, h.Join())
	if !errors.Is(r.Err, boom) {
		t.Fatalf("want task error, but got %v", r.Err)
	}
}

func Test311_wait_surfaces_unjoined_error(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	boom := errors.New("flaky widget")
	SpawnErr(rt, "widget", Then(Yield(), func(struct{}) Future[Result[int]] {
		return Ready(Errv[int](boom))
	}))
	// never joined: the failure must come out of Wait.
	err := rt.Wait()
	if !errors.Is(err, boom) {
		t.Fatalf("want widget error from Wait, but got %v", err)
	}
	// surfaced once; a second Wait is clean.
	if err = rt.Wait(); err != nil {
		t.Fatalf("second Wait should be clean, got %v", err)
	}

	// a joined failure is already observed and must not
	// resurface.
	rt2 := NewRuntime(NewSimConfig().WithSeed(1))
	h := SpawnErr(rt2, "joined", PollFunc[Result[int]](func(cx *Context) (Result[int], bool) {
		return Errv[int](boom), true
	}))
	r := BlockOn(rt2, h.Join())
	if !errors.Is(r.Err, boom) {
		t.Fatalf("want task error on Join, but got %v", r.Err)
	}
	if err = rt2.Wait(); err != nil {
		t.Fatalf("joined error resurfaced from Wait: %v", err)
	}
}

func Test312_arena_recycles_completed_slots(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	h := SpawnNamed(rt, "one", Ready(1))
	r := BlockOn(rt, h.Join())
	if r.Err != nil || r.Val != 1 {
		t.Fatalf("want 1, but got %+v", r)
	}
	if rt.slot(h.id) != nil {
		t.Fatalf("completed slot %v should be freed", h.id)
	}
	if !h.Completed() {
		t.Fatalf("handle lost the completion after the slot was freed")
	}
	// freed ids are reused; the arena does not grow while
	// free slots remain.
	n := len(rt.slots)
	h2 := SpawnNamed(rt, "two", Ready(2))
	r = BlockOn(rt, h2.Join())
	if r.Err != nil || r.Val != 2 {
		t.Fatalf("want 2, but got %+v", r)
	}
	if len(rt.slots) != n {
		t.Fatalf("arena grew from %v to %v despite free slots", n, len(rt.slots))
	}
}

func Test313_steps_count_poll_passes_only(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	h := SpawnNamed(rt, "one", Ready(1))
	BlockOn(rt, h.Join())
	before := rt.Steps()
	// a batch of stale ready entries is not a step.
	rt.ready = append(rt.ready, h.id)
	if rt.stepOnce(nil) {
		t.Fatalf("stale batch should not report progress")
	}
	if got := rt.Steps(); got != before {
		t.Fatalf("want %v steps, but got %v", before, got)
	}
}
