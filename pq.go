package simvar

import (
	"time"

	rb "github.com/glycerine/rbtree"
)

// top is a timer operation: one pending deadline in the
// scheduler's timer queue, plus the waker to fire when
// logical time reaches it.
type top struct {
	sn         int64 // registration order; breaks deadline ties
	completeTm time.Time
	waker      Waker
	fn         func(now time.Time) // scheduler callback timers (message delivery)
	fileLine   string              // where was this timer from?

	// set when the scheduler fires the timer, so a
	// discarded-after-fire timer can report wasArmed
	// correctly.
	firedTm time.Time
}

// pq is a priority queue of timer ops ordered by
// completeTm then sn. Deadline ties resolve in
// registration order (first registered fires first);
// the ordering function must be fully deterministic or
// replay from a seed falls apart.
type pq struct {
	Owner string
	Tree  *rb.Tree

	// The Btree's ordering function. Must be
	// deterministic; no random tie breakers in here.
	cmp func(a, b rb.Item) int
}

// order by top.completeTm then top.sn.
func newPQcompleteTm(owner string) *pq {
	cmp := func(a, b rb.Item) int {
		av := a.(*top)
		bv := b.(*top)

		if av == bv {
			return 0 // points to same memory (or both nil)
		}
		if av == nil {
			// sort nils to the front so they get popped
			// and GC-ed sooner.
			return -1
		}
		if bv == nil {
			return 1
		}
		if av.completeTm.Before(bv.completeTm) {
			return -1
		}
		if av.completeTm.After(bv.completeTm) {
			return 1
		}
		if av.sn < bv.sn {
			return -1
		}
		if av.sn > bv.sn {
			return 1
		}
		// must be the same if same sn.
		return 0
	}
	return &pq{
		Owner: owner,
		Tree:  rb.NewTree(cmp),
		cmp:   cmp,
	}
}

func (s *pq) Len() int {
	return s.Tree.Len()
}

func (s *pq) peek() *top {
	n := s.Tree.Len()
	if n == 0 {
		return nil
	}
	it := s.Tree.Min()
	if it == s.Tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	return it.Item().(*top)
}

func (s *pq) pop() *top {
	n := s.Tree.Len()
	if n == 0 {
		return nil
	}
	it := s.Tree.Min()
	if it == s.Tree.Limit() {
		panic("n > 0 above, how is this possible?")
	}
	first := it.Item().(*top)
	s.Tree.DeleteWithIterator(it)
	return first
}

func (s *pq) add(op *top) (added bool, it rb.Iterator) {
	if op == nil {
		panic("do not put nil into pq!")
	}
	added, it = s.Tree.InsertGetIt(op)
	return
}

func (s *pq) del(op *top) (found bool) {
	if op == nil {
		panic("cannot delete nil top!")
	}
	var it rb.Iterator
	it, found = s.Tree.FindGE_isEqual(op)
	if !found {
		return
	}
	s.Tree.DeleteWithIterator(it)
	return
}

func (s *pq) deleteAll() {
	s.Tree.DeleteAll()
}
