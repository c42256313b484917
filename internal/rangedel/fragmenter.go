// fragmenter.go implements Fragmenter which splits overlapping range
// tombstones into non-overlapping fragments.
//
// Reference: RocksDB v10.7.5 db/range_tombstone_fragmenter.h
package rangedel

import (
	"bytes"
	"slices"
	"sort"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

// FragmentedList holds non-overlapping tombstones sorted by start key. Each
// fragment carries the highest sequence number among the tombstones that
// cover it, which makes a point lookup a single binary search.
//
// Reference: RocksDB v10.7.5 db/range_tombstone_fragmenter.cc
type FragmentedList struct {
	fragments []Tombstone
}

// Len returns the number of fragments.
func (f *FragmentedList) Len() int { return len(f.fragments) }

// All returns the fragments in order.
func (f *FragmentedList) All() []Tombstone { return f.fragments }

// ShouldDelete reports whether a fragment covers userKey at keySeq.
func (f *FragmentedList) ShouldDelete(userKey []byte, keySeq dbformat.SequenceNumber) bool {
	idx := sort.Search(len(f.fragments), func(i int) bool {
		return bytes.Compare(f.fragments[i].Start, userKey) > 0
	}) - 1
	if idx < 0 {
		return false
	}
	return f.fragments[idx].Covers(userKey, keySeq)
}

// Fragmenter splits overlapping tombstones at every start and end key.
type Fragmenter struct {
	tombstones []Tombstone
}

// Add queues a tombstone. Empty ranges are ignored.
func (f *Fragmenter) Add(t Tombstone) {
	if t.IsEmpty() {
		return
	}
	f.tombstones = append(f.tombstones, t)
}

// Len returns the number of queued tombstones.
func (f *Fragmenter) Len() int { return len(f.tombstones) }

// Finish fragments everything queued so far.
func (f *Fragmenter) Finish() *FragmentedList {
	out := &FragmentedList{}
	if len(f.tombstones) == 0 {
		return out
	}

	bounds := make([][]byte, 0, 2*len(f.tombstones))
	for _, t := range f.tombstones {
		bounds = append(bounds, t.Start, t.End)
	}
	slices.SortFunc(bounds, bytes.Compare)
	bounds = slices.CompactFunc(bounds, bytes.Equal)

	for i := 0; i+1 < len(bounds); i++ {
		lo, hi := bounds[i], bounds[i+1]
		var maxSeq dbformat.SequenceNumber
		covered := false
		for _, t := range f.tombstones {
			if bytes.Compare(t.Start, lo) <= 0 && bytes.Compare(t.End, hi) >= 0 {
				covered = true
				maxSeq = max(maxSeq, t.Seq)
			}
		}
		if covered {
			out.fragments = append(out.fragments, Tombstone{Start: lo, End: hi, Seq: maxSeq})
		}
	}
	return out
}
