package simvar

import (
	"fmt"

	"github.com/glycerine/loquet"
)

type taskID int64

// task is one slot in the runtime's arena: a boxed,
// type-erased future plus bookkeeping. Slots are owned
// exclusively by the scheduler; user code only ever
// holds a TaskHandle.
type task struct {
	id   taskID
	sn   int64 // spawn order; poll order when not shuffling
	name string

	// poll returns true when the task completed.
	poll func(cx *Context) bool

	woken bool
	done  bool

	// captured panic from a poll of this task, if any.
	panicked      any
	panicObserved bool

	// failed Result from a SpawnErr body; surfaced by
	// Join, or by Wait when the task is never joined.
	err         error
	errObserved bool

	// wakers parked on Join() of this task.
	waiters []Waker

	// simulated mutexes currently held; poisoned if we
	// panic while holding them.
	held []*Mutex
}

// TaskHandle is the caller's view of a spawned task. It
// can be joined (awaited) for the result, or ignored, in
// which case a panic inside the task is only reported by
// Wait() at the end of the run.
type TaskHandle[T any] struct {
	rt   *Runtime
	id   taskID
	name string

	// the slot in rt.slots can be freed and reused once
	// the task completes; the handle keeps the task
	// itself alive.
	t *task

	res   Result[T]
	fired bool
	latch *loquet.Chan[Result[T]]
}

// Spawn registers fut as a new cooperative task on the
// ready list and returns its handle.
func Spawn[T any](rt *Runtime, fut Future[T]) *TaskHandle[T] {
	return SpawnNamed(rt, "", fut)
}

// SpawnNamed is Spawn with a diagnostic name that shows
// up in deadlock reports and logs.
func SpawnNamed[T any](rt *Runtime, name string, fut Future[T]) *TaskHandle[T] {
	h := &TaskHandle[T]{
		rt:    rt,
		name:  name,
		latch: loquet.NewChan[Result[T]](nil),
	}
	h.t = rt.register(name, func(cx *Context) bool {
		v, ok := fut.Poll(cx)
		if !ok {
			return false
		}
		h.res = Ok(v)
		h.fired = true
		h.latch.CloseWith(&h.res)
		return true
	})
	h.id = h.t.id
	return h
}

// SpawnErr is SpawnNamed for fallible bodies: the task
// resolves to a Result and an Err result is surfaced by
// Join and by Wait.
func SpawnErr[T any](rt *Runtime, name string, fut Future[Result[T]]) *TaskHandle[T] {
	h := &TaskHandle[T]{
		rt:    rt,
		name:  name,
		latch: loquet.NewChan[Result[T]](nil),
	}
	h.t = rt.register(name, func(cx *Context) bool {
		v, ok := fut.Poll(cx)
		if !ok {
			return false
		}
		h.res = v
		if v.Err != nil {
			h.t.err = v.Err
		}
		h.fired = true
		h.latch.CloseWith(&h.res)
		return true
	})
	h.id = h.t.id
	return h
}

// ID returns the task's arena id, for diagnostics.
func (h *TaskHandle[T]) ID() int64 { return int64(h.id) }

func (h *TaskHandle[T]) Name() string { return h.name }

// Completed reports whether the task has finished,
// successfully or not.
func (h *TaskHandle[T]) Completed() bool {
	return h.t.done
}

// WhenDone exposes the completion latch; it is closed
// with the task's Result when the task finishes. Meant
// for code outside the runtime (the harness) that wants
// to read a result after the run has been drained.
func (h *TaskHandle[T]) WhenDone() <-chan struct{} {
	return h.latch.WhenClosed()
}

// Join returns a future resolving to the task's result.
// If the task panicked, awaiting Join re-raises that
// panic on the joining task; this is the only way (other
// than Wait) that a fire-and-forget panic is observed.
func (h *TaskHandle[T]) Join() Future[Result[T]] {
	return PollFunc[Result[T]](func(cx *Context) (Result[T], bool) {
		t := h.t
		if !t.done {
			t.waiters = addWaiter(t.waiters, cx.Waker)
			var zero Result[T]
			return zero, false
		}
		if t.panicked != nil {
			t.panicObserved = true
			panic(t.panicked)
		}
		t.errObserved = true
		if !h.fired {
			// task completed without setting a result:
			// the run was cancelled out from under it.
			return Errv[T](fmt.Errorf("task %q (id %v) ended without a result", h.name, h.id)), true
		}
		return h.res, true
	})
}
