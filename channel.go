package simvar

import (
	"errors"
)

// ErrClosed is returned by sends on (and receives from
// a drained) closed channel.
var ErrClosed = errors.New("simvar: channel closed")

// addWaiter parks w on the queue unless the task already
// has an entry; a parked future can be re-polled by an
// unrelated wake and must not queue itself twice.
func addWaiter(ws []Waker, w Waker) []Waker {
	for _, have := range ws {
		if have.id == w.id {
			return ws
		}
	}
	return append(ws, w)
}

// wakeWaiters wakes every recorded waiter and clears the
// queue. An entry can be stale: the task was woken on
// another branch and dropped this future. Waking only the
// head would then strand a genuine waiter, so everybody
// wakes and re-races; the re-polls run in spawn order, so
// the hand-off stays deterministic.
func wakeWaiters(ws *[]Waker) {
	for _, w := range *ws {
		w.Wake()
	}
	*ws = nil
}

// Channel is a bounded in-simulation channel. Both ends
// live inside one cooperative runtime; a full channel
// parks the sender, an empty one parks the receiver, and
// the scheduler interleaves them. This is one of the two
// sanctioned points of shared mutable state between
// tasks (the other is Mutex).
type Channel[T any] struct {
	rt     *Runtime
	cap    int
	buf    []T
	closed bool

	sendW []Waker
	recvW []Waker
}

// NewChannel makes a channel holding at most capacity
// in-flight values. Capacity 0 is rounded up to 1; the
// poll protocol has no rendezvous.
func NewChannel[T any](rt *Runtime, capacity int) *Channel[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel[T]{rt: rt, cap: capacity}
}

func (c *Channel[T]) Len() int { return len(c.buf) }

// Close wakes every parked sender and receiver. Values
// already buffered remain receivable.
func (c *Channel[T]) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.wakeAll()
}

func (c *Channel[T]) wakeAll() {
	wakeWaiters(&c.sendW)
	wakeWaiters(&c.recvW)
}

// Send resolves with nil once v is buffered, or with
// ErrClosed. Waiting senders unblock in FIFO order.
func (c *Channel[T]) Send(v T) Future[error] {
	return PollFunc[error](func(cx *Context) (error, bool) {
		if c.closed {
			return ErrClosed, true
		}
		if len(c.buf) >= c.cap {
			c.sendW = addWaiter(c.sendW, cx.Waker)
			return nil, false
		}
		c.buf = append(c.buf, v)
		wakeWaiters(&c.recvW)
		return nil, true
	})
}

// TrySend is the non-parking variant: false when full
// or closed.
func (c *Channel[T]) TrySend(v T) (sent bool) {
	if c.closed || len(c.buf) >= c.cap {
		return false
	}
	c.buf = append(c.buf, v)
	wakeWaiters(&c.recvW)
	return true
}

// Recv resolves with the next value, or ErrClosed once
// the channel is closed and drained.
func (c *Channel[T]) Recv() Future[Result[T]] {
	return PollFunc[Result[T]](func(cx *Context) (Result[T], bool) {
		if len(c.buf) > 0 {
			v := c.buf[0]
			c.buf = c.buf[1:]
			wakeWaiters(&c.sendW)
			return Ok(v), true
		}
		if c.closed {
			return Errv[T](ErrClosed), true
		}
		c.recvW = addWaiter(c.recvW, cx.Waker)
		return Result[T]{}, false
	})
}

// Mutex is a simulated lock. Exclusive, FIFO hand-off,
// and poisoned if a task panics while holding it:
// subsequent Lock polls re-raise the poison. Never hold
// one across an await that can run another task needing
// the same mutex; with no parallelism there is no
// timeslicing to break the cycle, and the whole
// simulation deadlocks.
type Mutex struct {
	rt       *Runtime
	locked   bool
	poisoned bool
	holder   taskID
	waiters  []Waker
}

func NewMutex(rt *Runtime) *Mutex {
	return &Mutex{rt: rt, holder: -1}
}

// Lock resolves with a guard once the lock is acquired.
func (m *Mutex) Lock() Future[*MutexGuard] {
	return PollFunc[*MutexGuard](func(cx *Context) (*MutexGuard, bool) {
		if m.poisoned {
			panicf("simvar.Mutex: poisoned: a task panicked while holding this lock")
		}
		if m.locked {
			m.waiters = addWaiter(m.waiters, cx.Waker)
			return nil, false
		}
		m.locked = true
		m.holder = cx.Waker.id
		if t := m.rt.slot(m.holder); t != nil {
			t.held = append(t.held, m)
		}
		return &MutexGuard{m: m}, true
	})
}

// poison is called by the scheduler when the holder
// panics mid-poll.
func (m *Mutex) poison() {
	m.poisoned = true
	m.locked = false
	m.holder = -1
	wakeWaiters(&m.waiters) // waiters observe the poison and panic
}

// MutexGuard releases the lock on Unlock. Unlocking
// twice is a programmer error.
type MutexGuard struct {
	m        *Mutex
	released bool
}

func (g *MutexGuard) Unlock() {
	if g.released {
		panicf("simvar.MutexGuard: double unlock")
	}
	g.released = true
	m := g.m
	if t := m.rt.slot(m.holder); t != nil {
		for i, held := range t.held {
			if held == m {
				t.held = append(t.held[:i], t.held[i+1:]...)
				break
			}
		}
	}
	m.locked = false
	m.holder = -1
	wakeWaiters(&m.waiters)
}

// CancelToken is cooperative cancellation: Cancel is a
// signal, not forced termination. Tasks must check
// Cancelled or await Done and unwind voluntarily.
type CancelToken struct {
	cancelled bool
	waiters   []Waker
}

func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

func (c *CancelToken) Cancel() {
	if c.cancelled {
		return
	}
	c.cancelled = true
	wakeWaiters(&c.waiters)
}

func (c *CancelToken) Cancelled() bool { return c.cancelled }

// Done resolves once the token is cancelled.
func (c *CancelToken) Done() Future[struct{}] {
	return PollFunc[struct{}](func(cx *Context) (struct{}, bool) {
		if c.cancelled {
			return struct{}{}, true
		}
		c.waiters = addWaiter(c.waiters, cx.Waker)
		return struct{}{}, false
	})
}
