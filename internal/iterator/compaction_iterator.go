// compaction_iterator.go implements CompactionIterator which decides what
// survives a compaction.
//
// Reference: RocksDB v10.7.5 db/compaction/compaction_iterator.cc
package iterator

import (
	"bytes"
	"slices"
	"sort"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

// RangeDelChecker reports whether a point key is covered by a range
// tombstone visible to the same snapshots.
type RangeDelChecker interface {
	ShouldDrop(userKey []byte, seq dbformat.SequenceNumber) bool
}

// CompactionIterOptions configures a CompactionIterator.
type CompactionIterOptions struct {
	// Begin and End bound the user keys produced, [Begin, End). nil is
	// unbounded.
	Begin []byte
	End   []byte

	// Snapshots are the live snapshot sequence numbers.
	Snapshots []dbformat.SequenceNumber

	// Bottommost is set when no older data for these keys exists below the
	// output level.
	Bottommost bool

	// PreserveSeqnoAfter keeps sequence numbers above it from being zeroed.
	PreserveSeqnoAfter dbformat.SequenceNumber

	RangeDel RangeDelChecker
}

// CompactionIterStats counts what the iterator consumed and dropped.
type CompactionIterStats struct {
	NumInputRecords         uint64
	NumInputDeletions       uint64
	NumDroppedHidden        uint64
	NumDroppedRangeDel      uint64
	NumDroppedObsoleteDel   uint64
	NumSeqnoZeroed          uint64
	TotalInputRawKeyBytes   uint64
	TotalInputRawValueBytes uint64
}

// CompactionIterator filters a merged input stream down to the records a
// compaction must write: the newest version of each key in every snapshot
// stripe, minus keys deleted by range tombstones and deletions with nothing
// left to delete at the bottommost level.
//
// Merge operands are passed through unchanged.
//
// Reference: RocksDB v10.7.5 db/compaction/compaction_iterator.cc
type CompactionIterator struct {
	input     Iterator
	opts      CompactionIterOptions
	snapshots []dbformat.SequenceNumber
	earliest  dbformat.SequenceNumber

	key   []byte
	value []byte
	valid bool
	err   error

	curUserKey []byte
	hasCurKey  bool
	lastStripe int

	stats CompactionIterStats
}

// NewCompactionIterator wraps input. The iterator is unpositioned until
// SeekToFirst is called.
func NewCompactionIterator(input Iterator, opts CompactionIterOptions) *CompactionIterator {
	snaps := slices.Clone(opts.Snapshots)
	slices.Sort(snaps)
	earliest := dbformat.MaxSequenceNumber
	if len(snaps) > 0 {
		earliest = snaps[0]
	}
	return &CompactionIterator{input: input, opts: opts, snapshots: snaps, earliest: earliest}
}

// Stats returns the counters accumulated so far.
func (c *CompactionIterator) Stats() CompactionIterStats { return c.stats }

func (c *CompactionIterator) Valid() bool   { return c.valid }
func (c *CompactionIterator) Key() []byte   { return c.key }
func (c *CompactionIterator) Value() []byte { return c.value }

func (c *CompactionIterator) Error() error {
	if c.err != nil {
		return c.err
	}
	return c.input.Error()
}

// SeekToFirst positions at the first surviving record at or after Begin.
func (c *CompactionIterator) SeekToFirst() {
	if c.opts.Begin != nil {
		c.input.Seek(dbformat.NewInternalKey(c.opts.Begin, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek))
	} else {
		c.input.SeekToFirst()
	}
	c.findNext()
}

// Next advances to the next surviving record.
func (c *CompactionIterator) Next() {
	if !c.valid {
		return
	}
	c.input.Next()
	c.findNext()
}

func (c *CompactionIterator) stripe(seq dbformat.SequenceNumber) int {
	return sort.Search(len(c.snapshots), func(i int) bool { return c.snapshots[i] >= seq })
}

func (c *CompactionIterator) findNext() {
	c.valid = false
	for ; c.input.Valid(); c.input.Next() {
		ikey := c.input.Key()
		parsed, err := dbformat.ParseInternalKey(ikey)
		if err != nil {
			c.err = err
			return
		}
		if c.opts.End != nil && bytes.Compare(parsed.UserKey, c.opts.End) >= 0 {
			return
		}
		value := c.input.Value()

		c.stats.NumInputRecords++
		c.stats.TotalInputRawKeyBytes += uint64(len(ikey))
		c.stats.TotalInputRawValueBytes += uint64(len(value))
		if parsed.Type == dbformat.TypeDeletion || parsed.Type == dbformat.TypeSingleDeletion {
			c.stats.NumInputDeletions++
		}

		stripe := c.stripe(parsed.Sequence)
		if !c.hasCurKey || !bytes.Equal(parsed.UserKey, c.curUserKey) {
			c.curUserKey = append(c.curUserKey[:0], parsed.UserKey...)
			c.hasCurKey = true
			c.lastStripe = -1
		} else if stripe == c.lastStripe {
			// A newer record of this key is visible to the same snapshots.
			c.stats.NumDroppedHidden++
			continue
		}

		if parsed.Type == dbformat.TypeMerge {
			c.emit(ikey, value)
			return
		}
		c.lastStripe = stripe

		if c.opts.RangeDel != nil && c.opts.RangeDel.ShouldDrop(parsed.UserKey, parsed.Sequence) {
			c.stats.NumDroppedRangeDel++
			continue
		}

		isDeletion := parsed.Type == dbformat.TypeDeletion || parsed.Type == dbformat.TypeSingleDeletion
		if isDeletion && c.opts.Bottommost && parsed.Sequence <= c.earliest {
			c.stats.NumDroppedObsoleteDel++
			continue
		}

		if parsed.Type == dbformat.TypeValue && c.opts.Bottommost &&
			parsed.Sequence > 0 && parsed.Sequence <= c.earliest &&
			parsed.Sequence <= c.opts.PreserveSeqnoAfter {
			c.key = append(c.key[:0], ikey...)
			dbformat.UpdateInternalKey(c.key, 0, parsed.Type)
			c.value = value
			c.valid = true
			c.stats.NumSeqnoZeroed++
			return
		}

		c.emit(ikey, value)
		return
	}
}

func (c *CompactionIterator) emit(ikey, value []byte) {
	c.key = append(c.key[:0], ikey...)
	c.value = value
	c.valid = true
}
