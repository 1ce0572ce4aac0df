// Package store holds the immutable cache values: messages, reply threads,
// loaded spans and the ordered map they are indexed by.
package store

import (
	"iter"

	"github.com/google/btree"
	"github.com/matheus3301/chatcache/internal/msgid"
)

const btreeDegree = 16

type item[V any] struct {
	id  msgid.ID
	val V
	rev uint64
}

func lessItem[V any](a, b item[V]) bool { return a.id.Less(b.id) }

// Ordered is a sorted map from message id to V, backed by a B-tree so point
// lookups, boundary lookups and range scans are logarithmic.
//
// A stored zero V (nil for pointer types) means "known deleted" and is
// distinct from an absent key, which means "not fetched".
type Ordered[V any] struct {
	tree *btree.BTreeG[item[V]]
}

// NewOrdered returns an empty ordered map.
func NewOrdered[V any]() *Ordered[V] {
	return &Ordered[V]{tree: btree.NewG(btreeDegree, lessItem[V])}
}

// Len returns the number of keys, tombstones included.
func (o *Ordered[V]) Len() int {
	if o == nil {
		return 0
	}
	return o.tree.Len()
}

// Get returns the value stored at id and whether the key is present.
func (o *Ordered[V]) Get(id msgid.ID) (V, bool) {
	var zero V
	if o == nil {
		return zero, false
	}
	it, ok := o.tree.Get(item[V]{id: id})
	if !ok {
		return zero, false
	}
	return it.val, true
}

// Has reports whether id is present (possibly as a tombstone).
func (o *Ordered[V]) Has(id msgid.ID) bool {
	_, ok := o.Get(id)
	return ok
}

// Rev returns the revision recorded when id was last written, or 0.
func (o *Ordered[V]) Rev(id msgid.ID) uint64 {
	if o == nil {
		return 0
	}
	it, ok := o.tree.Get(item[V]{id: id})
	if !ok {
		return 0
	}
	return it.rev
}

// Upsert stores v at id with revision 0.
func (o *Ordered[V]) Upsert(id msgid.ID, v V) {
	o.Set(id, v, 0)
}

// Set stores v at id and records rev as the entry's write revision.
func (o *Ordered[V]) Set(id msgid.ID, v V, rev uint64) {
	o.tree.ReplaceOrInsert(item[V]{id: id, val: v, rev: rev})
}

// Remove deletes id. It reports whether the key was present.
func (o *Ordered[V]) Remove(id msgid.ID) bool {
	_, ok := o.tree.Delete(item[V]{id: id})
	return ok
}

// Min returns the smallest key.
func (o *Ordered[V]) Min() (msgid.ID, bool) {
	if o == nil {
		return msgid.ID{}, false
	}
	it, ok := o.tree.Min()
	return it.id, ok
}

// Max returns the largest key.
func (o *Ordered[V]) Max() (msgid.ID, bool) {
	if o == nil {
		return msgid.ID{}, false
	}
	it, ok := o.tree.Max()
	return it.id, ok
}

// All yields every entry in ascending id order.
func (o *Ordered[V]) All() iter.Seq2[msgid.ID, V] {
	return func(yield func(msgid.ID, V) bool) {
		if o == nil {
			return
		}
		o.tree.Ascend(func(it item[V]) bool {
			return yield(it.id, it.val)
		})
	}
}

// Range yields entries with low <= id < high in ascending order, or
// low <= id <= high when inclusive is set.
func (o *Ordered[V]) Range(low, high msgid.ID, inclusive bool) iter.Seq2[msgid.ID, V] {
	return func(yield func(msgid.ID, V) bool) {
		if o == nil {
			return
		}
		o.tree.AscendGreaterOrEqual(item[V]{id: low}, func(it item[V]) bool {
			c := it.id.Cmp(high)
			if c > 0 || (c == 0 && !inclusive) {
				return false
			}
			return yield(it.id, it.val)
		})
	}
}

// Clone returns a copy that shares structure with o until either side is
// written. It is O(1); the first writes on each side copy the touched nodes.
func (o *Ordered[V]) Clone() *Ordered[V] {
	if o == nil {
		return NewOrdered[V]()
	}
	return &Ordered[V]{tree: o.tree.Clone()}
}
