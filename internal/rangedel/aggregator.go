// aggregator.go implements CompactionAggregator which decides which keys
// the range tombstones of a compaction cover.
//
// Reference: RocksDB v10.7.5 db/range_del_aggregator.h
package rangedel

import (
	"slices"
	"sort"
	"sync"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

// CompactionAggregator collects the range tombstones of a compaction's
// inputs and answers whether a point key may be dropped.
//
// Snapshots split the sequence space into stripes. A tombstone only drops
// a key when both fall in the same stripe; otherwise some snapshot still
// sees the key without the tombstone.
//
// Reference: RocksDB db/range_del_aggregator.h (CompactionRangeDelAggregator)
type CompactionAggregator struct {
	snapshots []dbformat.SequenceNumber
	raw       []Tombstone

	buildOnce sync.Once
	stripes   map[int]*FragmentedList
}

// NewCompactionAggregator returns an aggregator for the given live
// snapshots. snapshots need not be sorted.
func NewCompactionAggregator(snapshots []dbformat.SequenceNumber) *CompactionAggregator {
	s := slices.Clone(snapshots)
	slices.Sort(s)
	return &CompactionAggregator{snapshots: s}
}

// Add registers tombstones read from one input table.
func (a *CompactionAggregator) Add(ts []Tombstone) {
	if len(ts) == 0 {
		return
	}
	a.raw = append(a.raw, ts...)
	a.buildOnce = sync.Once{}
}

// IsEmpty reports whether no tombstones were added.
func (a *CompactionAggregator) IsEmpty() bool { return len(a.raw) == 0 }

// Len returns the number of tombstones added.
func (a *CompactionAggregator) Len() int { return len(a.raw) }

func (a *CompactionAggregator) stripe(seq dbformat.SequenceNumber) int {
	return sort.Search(len(a.snapshots), func(i int) bool { return a.snapshots[i] >= seq })
}

func (a *CompactionAggregator) build() {
	frags := make(map[int]*Fragmenter)
	for _, t := range a.raw {
		s := a.stripe(t.Seq)
		if frags[s] == nil {
			frags[s] = &Fragmenter{}
		}
		frags[s].Add(t)
	}
	a.stripes = make(map[int]*FragmentedList, len(frags))
	for s, f := range frags {
		a.stripes[s] = f.Finish()
	}
}

// ShouldDrop reports whether userKey at seq is covered by a tombstone in
// the same snapshot stripe. It is safe for concurrent use once every Add
// has returned.
func (a *CompactionAggregator) ShouldDrop(userKey []byte, seq dbformat.SequenceNumber) bool {
	if len(a.raw) == 0 {
		return false
	}
	a.buildOnce.Do(a.build)
	list := a.stripes[a.stripe(seq)]
	return list != nil && list.ShouldDelete(userKey, seq)
}

// ForOutput returns the tombstones an output covering user keys [lo, hi)
// must carry, clipped to that range and sorted. At the bottommost level
// tombstones older than every snapshot have nothing left to delete and are
// omitted.
func (a *CompactionAggregator) ForOutput(lo, hi []byte, bottommost bool) []Tombstone {
	earliest := dbformat.MaxSequenceNumber
	if len(a.snapshots) > 0 {
		earliest = a.snapshots[0]
	}
	var out []Tombstone
	for _, t := range a.raw {
		if bottommost && t.Seq <= earliest {
			continue
		}
		if !t.Overlaps(lo, hi) {
			continue
		}
		c := t.Clip(lo, hi)
		if c.IsEmpty() {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, compare)
	return out
}
