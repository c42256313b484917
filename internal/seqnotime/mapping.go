// Package seqnotime maps sequence numbers to the approximate wall time
// they were written at.
//
// A compaction gathers the mapping from every input table, uses it to find
// the sequence numbers written before a time threshold, and stores the
// slice of it covering each output's sequence range in that output's
// properties.
//
// Reference: RocksDB v10.7.5 db/seqno_to_time_mapping.h
package seqnotime

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

// ErrCorruptMapping is returned when an encoded mapping cannot be decoded.
var ErrCorruptMapping = errors.New("seqnotime: corrupt mapping")

// DefaultCapacity bounds the samples kept per table.
const DefaultCapacity = 100

// Pair records that Seqno was written no later than Time (unix seconds).
type Pair struct {
	Seqno dbformat.SequenceNumber
	Time  uint64
}

// Mapping is an ordered list of pairs where both seqno and time are
// non-decreasing.
type Mapping struct {
	pairs    []Pair
	capacity int
	sorted   bool
}

// New returns an empty mapping that keeps at most capacity samples when
// encoded. A capacity of 0 selects DefaultCapacity.
func New(capacity int) *Mapping {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mapping{capacity: capacity, sorted: true}
}

// Len returns the number of samples.
func (m *Mapping) Len() int { return len(m.pairs) }

// Empty reports whether the mapping has no samples.
func (m *Mapping) Empty() bool { return len(m.pairs) == 0 }

// Pairs returns the samples in order.
func (m *Mapping) Pairs() []Pair {
	m.Sort()
	return m.pairs
}

// Add records a sample without keeping order. Call Sort before lookups;
// lookups sort lazily as well.
func (m *Mapping) Add(seqno dbformat.SequenceNumber, time uint64) {
	if seqno == 0 {
		return
	}
	m.pairs = append(m.pairs, Pair{Seqno: seqno, Time: time})
	m.sorted = false
}

// AddAll merges every sample of other.
func (m *Mapping) AddAll(other *Mapping) {
	if other == nil {
		return
	}
	for _, p := range other.pairs {
		m.Add(p.Seqno, p.Time)
	}
}

// Sort orders the samples and drops the ones that would break monotonic
// time. For equal seqnos the earliest time is kept.
func (m *Mapping) Sort() {
	if m.sorted {
		return
	}
	slices.SortFunc(m.pairs, func(a, b Pair) int {
		if a.Seqno != b.Seqno {
			if a.Seqno < b.Seqno {
				return -1
			}
			return 1
		}
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
	out := m.pairs[:0]
	for _, p := range m.pairs {
		if n := len(out); n > 0 {
			last := out[n-1]
			if p.Seqno == last.Seqno || p.Time < last.Time {
				continue
			}
		}
		out = append(out, p)
	}
	m.pairs = out
	m.sorted = true
}

// ProximalSeqnoBeforeTime returns the largest seqno known to be written at
// or before t, or 0 if none is.
func (m *Mapping) ProximalSeqnoBeforeTime(t uint64) dbformat.SequenceNumber {
	m.Sort()
	idx := sort.Search(len(m.pairs), func(i int) bool { return m.pairs[i].Time > t })
	if idx == 0 {
		return 0
	}
	return m.pairs[idx-1].Seqno
}

// ProximalTimeBeforeSeqno returns the time of the last sample whose seqno
// is at or before seqno, or 0 if none is.
func (m *Mapping) ProximalTimeBeforeSeqno(seqno dbformat.SequenceNumber) uint64 {
	m.Sort()
	idx := sort.Search(len(m.pairs), func(i int) bool { return m.pairs[i].Seqno > seqno })
	if idx == 0 {
		return 0
	}
	return m.pairs[idx-1].Time
}

// SubRange returns the samples relevant to seqnos in [from, to]: every
// sample inside the range plus the last one before it, which bounds the
// write time of from.
func (m *Mapping) SubRange(from, to dbformat.SequenceNumber) *Mapping {
	m.Sort()
	out := New(m.capacity)
	start := sort.Search(len(m.pairs), func(i int) bool { return m.pairs[i].Seqno >= from })
	if start > 0 {
		start--
	}
	for _, p := range m.pairs[start:] {
		if p.Seqno > to {
			break
		}
		out.pairs = append(out.pairs, p)
	}
	return out
}

// thin keeps at most capacity samples, always keeping the first and last.
func (m *Mapping) thin() []Pair {
	m.Sort()
	if len(m.pairs) <= m.capacity || m.capacity < 2 {
		return m.pairs
	}
	out := make([]Pair, 0, m.capacity)
	step := float64(len(m.pairs)-1) / float64(m.capacity-1)
	for i := range m.capacity {
		out = append(out, m.pairs[int(float64(i)*step+0.5)])
	}
	return out
}

// Encode serializes the mapping as a sample count followed by
// delta-encoded (seqno, time) varints.
func (m *Mapping) Encode() []byte {
	pairs := m.thin()
	if len(pairs) == 0 {
		return nil
	}
	buf := protowire.AppendVarint(nil, uint64(len(pairs)))
	var prev Pair
	for _, p := range pairs {
		buf = protowire.AppendVarint(buf, uint64(p.Seqno-prev.Seqno))
		buf = protowire.AppendVarint(buf, p.Time-prev.Time)
		prev = p
	}
	return buf
}

// Decode parses the output of Encode into a mapping with the given capacity.
func Decode(data []byte, capacity int) (*Mapping, error) {
	m := New(capacity)
	if len(data) == 0 {
		return m, nil
	}
	count, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, fmt.Errorf("%w: count", ErrCorruptMapping)
	}
	data = data[n:]
	var prev Pair
	for i := uint64(0); i < count; i++ {
		ds, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: seqno delta %d", ErrCorruptMapping, i)
		}
		data = data[n:]
		dt, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: time delta %d", ErrCorruptMapping, i)
		}
		data = data[n:]
		prev = Pair{Seqno: prev.Seqno + dbformat.SequenceNumber(ds), Time: prev.Time + dt}
		m.pairs = append(m.pairs, prev)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptMapping, len(data))
	}
	return m, nil
}
