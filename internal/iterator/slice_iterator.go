// slice_iterator.go implements an in-memory iterator over sorted entries.
package iterator

import (
	"sort"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

// KV is one internal key and its value.
type KV struct {
	Key   []byte
	Value []byte
}

// SliceIterator iterates over entries already sorted by internal key.
type SliceIterator struct {
	entries []KV
	pos     int
	err     error
}

// NewSliceIterator returns an iterator over entries, which must be sorted.
func NewSliceIterator(entries []KV) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

// NewErrorIterator returns an iterator that is never valid and reports err.
func NewErrorIterator(err error) *SliceIterator {
	return &SliceIterator{pos: -1, err: err}
}

func (s *SliceIterator) Valid() bool { return s.pos >= 0 && s.pos < len(s.entries) }

func (s *SliceIterator) Key() []byte {
	if !s.Valid() {
		return nil
	}
	return s.entries[s.pos].Key
}

func (s *SliceIterator) Value() []byte {
	if !s.Valid() {
		return nil
	}
	return s.entries[s.pos].Value
}

func (s *SliceIterator) SeekToFirst() { s.pos = 0 }

func (s *SliceIterator) Seek(target []byte) {
	s.pos = sort.Search(len(s.entries), func(i int) bool {
		return dbformat.CompareInternalKeys(s.entries[i].Key, target) >= 0
	})
}

func (s *SliceIterator) Next() {
	if s.Valid() {
		s.pos++
	}
}

func (s *SliceIterator) Error() error { return s.err }
