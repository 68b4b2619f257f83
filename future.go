package simvar

// The polling protocol. A Future makes progress only
// when polled; Poll returns (value, true) exactly once,
// when the future resolves. A future that returns
// (zero, false) must first have arranged for cx.Waker
// to be woken when it can make progress, or it will
// never be polled again.
//
// Between two polls no future code runs at all: tasks
// suspend only at explicit poll points, never by
// preemption.

// Future is one unit of resumable work yielding a T.
type Future[T any] interface {
	Poll(cx *Context) (T, bool)
}

// Context is handed to every Poll call. It carries the
// waker of the task being polled plus the runtime the
// task lives in, which is how timer and channel futures
// find the scheduler without global state.
type Context struct {
	Waker Waker
	rt    *Runtime
}

// Runtime returns the runtime driving this poll.
func (cx *Context) Runtime() *Runtime { return cx.rt }

// Clock is shorthand for the runtime's simulated clock.
func (cx *Context) Clock() *SimClock { return cx.rt.clock }

// Waker re-schedules one task: Wake sets the task's wake
// bit and puts it back on the ready list. Waking an
// already-woken or completed task is a no-op, so wakers
// may be stored and fired freely.
type Waker struct {
	rt *Runtime
	id taskID
}

func (w Waker) Wake() {
	if w.rt == nil {
		return
	}
	w.rt.wake(w.id)
}

// PollFunc adapts a closure to the Future interface.
type PollFunc[T any] func(cx *Context) (T, bool)

func (f PollFunc[T]) Poll(cx *Context) (T, bool) { return f(cx) }

// Ready is a future that resolves immediately with v.
func Ready[T any](v T) Future[T] {
	return PollFunc[T](func(cx *Context) (T, bool) {
		return v, true
	})
}

// Pending never resolves. Useful in tests that need a
// branch which always loses.
func Pending[T any]() Future[T] {
	return PollFunc[T](func(cx *Context) (T, bool) {
		var zero T
		return zero, false
	})
}

// Result carries the outcome of a fallible future.
// Exactly one of Val/Err is meaningful; Err == nil
// means Val holds.
type Result[T any] struct {
	Val T
	Err error
}

func Ok[T any](v T) Result[T]        { return Result[T]{Val: v} }
func Errv[T any](err error) Result[T] { return Result[T]{Err: err} }

// Fused wraps a future so that polling it after it has
// completed is a defined, loud programmer error instead
// of undefined behavior. Select wraps every branch in
// one of these; user code sharing one future across
// several Select calls should Fuse it once and pass the
// same *Fused each time.
type Fused[T any] struct {
	inner Future[T]
	done  bool
}

func Fuse[T any](f Future[T]) *Fused[T] {
	if already, ok := f.(*Fused[T]); ok {
		return already
	}
	return &Fused[T]{inner: f}
}

// Done reports whether the future has already resolved.
func (f *Fused[T]) Done() bool { return f.done }

func (f *Fused[T]) Poll(cx *Context) (T, bool) {
	if f.done {
		panicf("future polled after completion")
	}
	v, ok := f.inner.Poll(cx)
	if ok {
		f.done = true
		f.inner = nil
	}
	return v, ok
}

// Map transforms the result of a future.
func Map[A, B any](f Future[A], g func(A) B) Future[B] {
	return PollFunc[B](func(cx *Context) (B, bool) {
		a, ok := f.Poll(cx)
		if !ok {
			var zero B
			return zero, false
		}
		return g(a), true
	})
}

// Then chains g onto the resolution of f. g is called at
// most once, on the poll where f resolves; the returned
// future is then polled in f's place.
func Then[A, B any](f Future[A], g func(A) Future[B]) Future[B] {
	var next Future[B]
	return PollFunc[B](func(cx *Context) (B, bool) {
		if next == nil {
			a, ok := f.Poll(cx)
			if !ok {
				var zero B
				return zero, false
			}
			next = g(a)
		}
		return next.Poll(cx)
	})
}
