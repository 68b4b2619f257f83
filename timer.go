package simvar

import (
	"errors"
	"time"
)

// ErrElapsed is the typed, recoverable error a Timeout
// resolves to when the timer wins the race.
var ErrElapsed = errors.New("simvar: timeout elapsed")

// sleepFuture parks its task until the simulated clock
// reaches initTm + dur. The deadline is pinned on first
// poll; re-polls after a spurious wake just re-check the
// clock.
type sleepFuture struct {
	dur      time.Duration
	armed    bool
	deadline time.Time
	op       *top
}

// Sleep resolves, with the fire time, once the simulated
// clock has advanced past d from the first poll. No real
// time passes.
func Sleep(d time.Duration) Future[time.Time] {
	return &sleepFuture{dur: d}
}

func (s *sleepFuture) Poll(cx *Context) (time.Time, bool) {
	now := cx.Clock().Now()
	if !s.armed {
		s.armed = true
		s.deadline = now.Add(s.dur)
		if s.dur <= 0 {
			return now, true
		}
		s.op = cx.rt.addTimer(s.deadline, cx.Waker)
		return time.Time{}, false
	}
	if now.Before(s.deadline) {
		return time.Time{}, false
	}
	return now, true
}

// Yield resolves on the next scheduling step, letting
// every other ready task run first.
func Yield() Future[struct{}] {
	yielded := false
	return PollFunc[struct{}](func(cx *Context) (struct{}, bool) {
		if yielded {
			return struct{}{}, true
		}
		yielded = true
		cx.Waker.Wake()
		return struct{}{}, false
	})
}

// TimeoutFuture races an inner future against a timer.
// The inner future's result wins if it resolves strictly
// before the deadline; at or past the deadline the
// result is ErrElapsed. IntoInner recovers the inner
// future (un-resolved state preserved) if the wrapper is
// dropped before resolving, so no data is silently lost.
type TimeoutFuture[T any] struct {
	inner    Future[T]
	dur      time.Duration
	armed    bool
	deadline time.Time
	op       *top
	done     bool
}

// Timeout races fut against a d-long timer.
func Timeout[T any](d time.Duration, fut Future[T]) *TimeoutFuture[T] {
	return &TimeoutFuture[T]{inner: fut, dur: d}
}

func (t *TimeoutFuture[T]) Poll(cx *Context) (Result[T], bool) {
	if t.done {
		panicf("future polled after completion")
	}
	now := cx.Clock().Now()
	if !t.armed {
		t.armed = true
		t.deadline = now.Add(t.dur)
	}

	// inner goes first: a future that completes in the
	// same step the timer fires still wins only when it
	// beat the deadline.
	if now.Before(t.deadline) {
		v, ok := t.inner.Poll(cx)
		if ok {
			t.done = true
			t.discard(cx)
			return Ok(v), true
		}
		if t.op == nil {
			t.op = cx.rt.addTimer(t.deadline, cx.Waker)
		}
		return Result[T]{}, false
	}

	t.done = true
	t.discard(cx)
	return Errv[T](ErrElapsed), true
}

func (t *TimeoutFuture[T]) discard(cx *Context) {
	if t.op != nil {
		cx.rt.discardTimer(t.op)
		t.op = nil
	}
}

// IntoInner gives back the wrapped future. Panics once
// the race has been decided, since at that point the
// inner future is either consumed or cancelled.
func (t *TimeoutFuture[T]) IntoInner() Future[T] {
	if t.done {
		panicf("IntoInner after the timeout resolved")
	}
	inner := t.inner
	t.inner = nil
	t.done = true
	return inner
}
