package simvar

// Select races a fixed set of branches, resolving to the
// index of the first branch whose future completes. The
// winning branch's handler runs exactly once, with the
// resolved value; losing branches are dropped at that
// point and never polled again. Their side effects up to
// cancellation persist.
//
// Tie break: branches are polled in index order every
// step, so when several become ready in the same step
// the lowest index wins. This is load-bearing for
// replay: the winner must be the same on every run with
// the same seed.
//
// Every branch future is auto-fused, so accidentally
// passing an already-completed future into a later
// Select fails loudly ("polled after completion")
// instead of misbehaving.

// SelectBranch is one labeled arm of a Select. Build
// them with When.
type SelectBranch struct {
	poll func(cx *Context) bool
}

// When pairs a future with the handler to run if that
// branch wins the select.
func When[T any](fut Future[T], handler func(T)) SelectBranch {
	fused := Fuse(fut)
	return SelectBranch{
		poll: func(cx *Context) bool {
			v, ok := fused.Poll(cx)
			if !ok {
				return false
			}
			if handler != nil {
				handler(v)
			}
			return true
		},
	}
}

// WhenFused is When for a caller-owned *Fused that is
// shared across several Select calls (the Go rendering
// of selecting on the same future variable in a loop).
// A branch whose future already completed in an earlier
// Select is skipped, not re-polled.
func WhenFused[T any](fused *Fused[T], handler func(T)) SelectBranch {
	return SelectBranch{
		poll: func(cx *Context) bool {
			if fused.Done() {
				return false
			}
			v, ok := fused.Poll(cx)
			if !ok {
				return false
			}
			if handler != nil {
				handler(v)
			}
			return true
		},
	}
}

// Select returns a future resolving to the winning
// branch index.
func Select(branches ...SelectBranch) Future[int] {
	if len(branches) == 0 {
		panicf("Select needs at least one branch")
	}
	done := false
	return PollFunc[int](func(cx *Context) (int, bool) {
		if done {
			panicf("future polled after completion")
		}
		for i := range branches {
			if branches[i].poll(cx) {
				done = true
				// drop the losers: nil the polls so
				// nothing can touch them again.
				for j := range branches {
					if j != i {
						branches[j].poll = nil
					}
				}
				return i, true
			}
		}
		return 0, false
	})
}

// Join2 awaits both futures concurrently (interleaved
// polling, never parallel) and resolves to both results
// once each branch has completed. No branch is cancelled
// early.
func Join2[A, B any](fa Future[A], fb Future[B]) Future[Joined2[A, B]] {
	var (
		a      A
		b      B
		aDone  bool
		bDone  bool
		fusedA = Fuse(fa)
		fusedB = Fuse(fb)
	)
	return PollFunc[Joined2[A, B]](func(cx *Context) (Joined2[A, B], bool) {
		if !aDone {
			if v, ok := fusedA.Poll(cx); ok {
				a, aDone = v, true
			}
		}
		if !bDone {
			if v, ok := fusedB.Poll(cx); ok {
				b, bDone = v, true
			}
		}
		if aDone && bDone {
			return Joined2[A, B]{A: a, B: b}, true
		}
		return Joined2[A, B]{}, false
	})
}

type Joined2[A, B any] struct {
	A A
	B B
}

func Join3[A, B, C any](fa Future[A], fb Future[B], fc Future[C]) Future[Joined3[A, B, C]] {
	ab := Join2(fa, fb)
	return Map(Join2(ab, fc), func(j Joined2[Joined2[A, B], C]) Joined3[A, B, C] {
		return Joined3[A, B, C]{A: j.A.A, B: j.A.B, C: j.B}
	})
}

type Joined3[A, B, C any] struct {
	A A
	B B
	C C
}

// TryJoin2 awaits two fallible futures. The moment
// either resolves to an Err, that error is propagated
// and the other branch stops being polled, so total wait
// time is time-to-first-error, not max of both.
func TryJoin2[A, B any](fa Future[Result[A]], fb Future[Result[B]]) Future[Result[Joined2[A, B]]] {
	var (
		a      A
		b      B
		aDone  bool
		bDone  bool
		fusedA = Fuse(fa)
		fusedB = Fuse(fb)
	)
	return PollFunc[Result[Joined2[A, B]]](func(cx *Context) (Result[Joined2[A, B]], bool) {
		if !aDone {
			if r, ok := fusedA.Poll(cx); ok {
				if r.Err != nil {
					return Errv[Joined2[A, B]](r.Err), true
				}
				a, aDone = r.Val, true
			}
		}
		if !bDone {
			if r, ok := fusedB.Poll(cx); ok {
				if r.Err != nil {
					return Errv[Joined2[A, B]](r.Err), true
				}
				b, bDone = r.Val, true
			}
		}
		if aDone && bDone {
			return Ok(Joined2[A, B]{A: a, B: b}), true
		}
		return Result[Joined2[A, B]]{}, false
	})
}

func TryJoin3[A, B, C any](fa Future[Result[A]], fb Future[Result[B]], fc Future[Result[C]]) Future[Result[Joined3[A, B, C]]] {
	ab := TryJoin2(fa, fb)
	joined := TryJoin2(ab, fc)
	return Map(joined, func(r Result[Joined2[Joined2[A, B], C]]) Result[Joined3[A, B, C]] {
		if r.Err != nil {
			return Errv[Joined3[A, B, C]](r.Err)
		}
		return Ok(Joined3[A, B, C]{A: r.Val.A.A, B: r.Val.A.B, C: r.Val.B})
	})
}

// JoinAll awaits a homogeneous slice of futures,
// resolving to all results in input order.
func JoinAll[T any](futs []Future[T]) Future[[]T] {
	n := len(futs)
	results := make([]T, n)
	done := make([]bool, n)
	remaining := n
	fused := make([]*Fused[T], n)
	for i, f := range futs {
		fused[i] = Fuse(f)
	}
	return PollFunc[[]T](func(cx *Context) ([]T, bool) {
		for i := 0; i < n; i++ {
			if done[i] {
				continue
			}
			if v, ok := fused[i].Poll(cx); ok {
				results[i] = v
				done[i] = true
				remaining--
			}
		}
		return results, remaining == 0
	})
}
