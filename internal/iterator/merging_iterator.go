// Package iterator merges the sorted input tables of a subcompaction into
// a single stream of internal keys.
//
// Reference: RocksDB v10.7.5 table/merging_iterator.cc
package iterator

import (
	"container/heap"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

// Iterator is a forward iterator over internal keys.
type Iterator interface {
	// Valid returns true if the iterator is positioned at an entry.
	Valid() bool

	// Key returns the current internal key. It is valid until the next move.
	Key() []byte

	// Value returns the current value.
	Value() []byte

	// SeekToFirst positions the iterator at the first entry.
	SeekToFirst()

	// Seek positions the iterator at the first entry with key >= target.
	Seek(target []byte)

	// Next advances to the next entry.
	Next()

	// Error returns the first error encountered.
	Error() error
}

// MergingIterator yields the union of its children in internal key order.
// When two children hold equal keys, the child with the lower index wins,
// so callers list newer inputs first.
type MergingIterator struct {
	children []Iterator
	h        iterHeap
	current  int
	err      error
}

// NewMergingIterator merges children using dbformat.CompareInternalKeys.
func NewMergingIterator(children ...Iterator) *MergingIterator {
	return &MergingIterator{
		children: children,
		h:        iterHeap{items: make([]heapItem, 0, len(children))},
		current:  -1,
	}
}

func (mi *MergingIterator) Valid() bool { return mi.current >= 0 }

func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

func (mi *MergingIterator) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Value()
}

func (mi *MergingIterator) SeekToFirst() {
	mi.reset(func(it Iterator) { it.SeekToFirst() })
}

func (mi *MergingIterator) Seek(target []byte) {
	mi.reset(func(it Iterator) { it.Seek(target) })
}

func (mi *MergingIterator) reset(position func(Iterator)) {
	mi.err = nil
	mi.h.items = mi.h.items[:0]
	for i, child := range mi.children {
		position(child)
		if err := child.Error(); err != nil {
			mi.fail(err)
			return
		}
		if child.Valid() {
			mi.h.items = append(mi.h.items, heapItem{index: i, key: child.Key()})
		}
	}
	heap.Init(&mi.h)
	mi.top()
}

func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}
	child := mi.children[mi.current]
	child.Next()
	if err := child.Error(); err != nil {
		mi.fail(err)
		return
	}
	if child.Valid() {
		mi.h.items[0].key = child.Key()
		heap.Fix(&mi.h, 0)
	} else {
		heap.Pop(&mi.h)
	}
	mi.top()
}

func (mi *MergingIterator) Error() error { return mi.err }

func (mi *MergingIterator) fail(err error) {
	mi.err = err
	mi.current = -1
	mi.h.items = mi.h.items[:0]
}

func (mi *MergingIterator) top() {
	if mi.h.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.h.items[0].index
}

type heapItem struct {
	index int
	key   []byte
}

type iterHeap struct {
	items []heapItem
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	if c := dbformat.CompareInternalKeys(h.items[i].key, h.items[j].key); c != 0 {
		return c < 0
	}
	return h.items[i].index < h.items[j].index
}

func (h *iterHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *iterHeap) Push(x any) { h.items = append(h.items, x.(heapItem)) }

func (h *iterHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}
