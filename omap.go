package simvar

import (
	"cmp"
	"fmt"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic map: like Go's builtin map but
// range iteration visits keys in sorted order, every
// time. The simulator stores hosts and circuits in these
// so that iteration order can never leak scheduling
// nondeterminism into a run. get/set/delete are O(log n)
// on the underlying red-black tree.
//
// Like the builtin map, an omap does no internal locking.
// Inside the single goroutine runtime that is all we
// need. Deleting the key just yielded during an all()
// iteration is allowed.
type omap[K cmp.Ordered, V any] struct {
	tree *rb.Tree
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
}

func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			return cmp.Compare(a.(*okv[K, V]).key, b.(*okv[K, V]).key)
		}),
	}
}

func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

// set is an upsert; newlyAdded is false when the key was
// already present and only its value changed.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		it.Item().(*okv[K, V]).val = val
		return false
	}
	s.tree.InsertGetIt(query)
	return true
}

func (s *omap[K, V]) get2(key K) (val V, found bool) {
	it, found := s.tree.FindGE_isEqual(&okv[K, V]{key: key})
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

// get is get2 without the found flag; a missing key
// yields the zero V.
func (s *omap[K, V]) get(key K) (val V) {
	val, _ = s.get2(key)
	return
}

func (s *omap[K, V]) delkey(key K) (found bool) {
	it, found := s.tree.FindGE_isEqual(&okv[K, V]{key: key})
	if found {
		s.tree.DeleteWithIterator(it)
	}
	return
}

// deleteAll clears the map in O(1).
func (s *omap[K, V]) deleteAll() {
	s.tree.DeleteAll()
}

// all iterates key/value pairs in ascending key order.
// The iterator is pre-advanced before each yield, so the
// body may delete the key it was just handed.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}

func (s *omap[K, V]) String() (r string) {
	r = "omap{"
	i := 0
	for k, v := range s.all() {
		if i > 0 {
			r += ", "
		}
		r += fmt.Sprintf("%v:%v", k, v)
		i++
	}
	return r + "}"
}
