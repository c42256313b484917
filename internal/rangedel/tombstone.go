// Package rangedel handles range tombstones flowing through a compaction.
//
// Tombstones are read from every input table, used to drop the point keys
// they cover, and written back to the output tables that overlap them,
// clipped to each output's key range.
//
// Reference: RocksDB db/range_del_aggregator.h, db/range_tombstone_fragmenter.h
package rangedel

import (
	"bytes"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

// Tombstone deletes every user key in [Start, End) written before Seq.
type Tombstone struct {
	Start []byte
	End   []byte
	Seq   dbformat.SequenceNumber
}

// NewTombstone copies start and end into a new tombstone.
func NewTombstone(start, end []byte, seq dbformat.SequenceNumber) Tombstone {
	return Tombstone{
		Start: bytes.Clone(start),
		End:   bytes.Clone(end),
		Seq:   seq,
	}
}

// Contains reports whether userKey falls within [Start, End).
func (t Tombstone) Contains(userKey []byte) bool {
	return bytes.Compare(userKey, t.Start) >= 0 && bytes.Compare(userKey, t.End) < 0
}

// Covers reports whether the tombstone deletes userKey at keySeq.
func (t Tombstone) Covers(userKey []byte, keySeq dbformat.SequenceNumber) bool {
	return keySeq < t.Seq && t.Contains(userKey)
}

// IsEmpty reports whether the range is empty.
func (t Tombstone) IsEmpty() bool {
	return bytes.Compare(t.Start, t.End) >= 0
}

// Overlaps reports whether t intersects [lo, hi). A nil bound is unbounded.
func (t Tombstone) Overlaps(lo, hi []byte) bool {
	if hi != nil && bytes.Compare(t.Start, hi) >= 0 {
		return false
	}
	if lo != nil && bytes.Compare(t.End, lo) <= 0 {
		return false
	}
	return true
}

// Clip returns t restricted to [lo, hi). A nil bound leaves that side as is.
// The result may be empty.
func (t Tombstone) Clip(lo, hi []byte) Tombstone {
	out := t
	if lo != nil && bytes.Compare(out.Start, lo) < 0 {
		out.Start = lo
	}
	if hi != nil && bytes.Compare(out.End, hi) > 0 {
		out.End = hi
	}
	return out
}

// SmallestKey is the internal key a table holding t must include.
func (t Tombstone) SmallestKey() dbformat.InternalKey {
	return dbformat.NewInternalKey(t.Start, t.Seq, dbformat.TypeRangeDeletion)
}

// LargestKey is the exclusive end sentinel. It sorts before every real
// entry for End, so a table bounded by it does not claim End itself.
func (t Tombstone) LargestKey() dbformat.InternalKey {
	return dbformat.NewInternalKey(t.End, dbformat.MaxSequenceNumber, dbformat.TypeRangeDeletion)
}

// compare orders by start key, then by sequence number descending.
func compare(a, b Tombstone) int {
	if c := bytes.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	}
	return bytes.Compare(a.End, b.End)
}
