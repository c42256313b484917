// boundaries.go implements subcompaction boundary selection.
//
// A job's key range is cut where the estimated input bytes reach an even
// share, or, for round-robin compactions, at each start-level file.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_job.cc (GenSubcompactionBoundaries)
package compaction

import (
	"bytes"
	"slices"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/options"
)

// RangeSizer estimates how many bytes of file f hold user keys in
// [lo, hi). A nil hi means the end of the file.
type RangeSizer interface {
	ApproximateSize(f *manifest.FileMetaData, lo, hi []byte) uint64
}

// offsetSource is the part of a table reader the sizer needs.
type offsetSource interface {
	ApproximateOffsetOf(ikey []byte) uint64
	Size() uint64
}

// tableSizer answers size queries from the block index of each input.
type tableSizer struct {
	lookup func(f *manifest.FileMetaData) (offsetSource, error)
}

func (s tableSizer) ApproximateSize(f *manifest.FileMetaData, lo, hi []byte) uint64 {
	src, err := s.lookup(f)
	if err != nil {
		// Unreadable files are charged once, to their first interval.
		if bytes.Compare(lo, f.SmallestUserKey()) <= 0 {
			return f.FileSize
		}
		return 0
	}
	start := src.ApproximateOffsetOf(seekKey(lo))
	end := src.Size()
	if hi != nil {
		end = src.ApproximateOffsetOf(seekKey(hi))
	}
	if end <= start {
		return 0
	}
	return end - start
}

func seekKey(userKey []byte) []byte {
	return dbformat.NewInternalKey(userKey, dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
}

// GenerateBoundaries splits the key range of files into at most target
// parts of roughly equal size and returns the internal cut points, in
// order. Part i covers [boundaries[i-1], boundaries[i]), open at both ends
// of the whole range.
//
// Candidates are the smallest and largest user keys of every file. The
// byte volume between neighbouring candidates is summed over the files
// overlapping that interval, then intervals are grouped greedily until a
// group reaches total/target.
//
// Reference: RocksDB v10.7.5 CompactionJob::GenSubcompactionBoundaries
func GenerateBoundaries(files []*manifest.FileMetaData, target int, sizer RangeSizer) [][]byte {
	if target <= 1 || len(files) <= 1 {
		return nil
	}

	candidates := make([][]byte, 0, 2*len(files))
	for _, f := range files {
		candidates = append(candidates, f.SmallestUserKey(), f.LargestUserKey())
	}
	slices.SortFunc(candidates, bytes.Compare)
	candidates = slices.CompactFunc(candidates, bytes.Equal)
	if len(candidates) < 3 {
		return nil
	}

	volumes := make([]uint64, len(candidates)-1)
	var total uint64
	for i := range volumes {
		lo, hi := candidates[i], candidates[i+1]
		last := i == len(volumes)-1
		for _, f := range files {
			if bytes.Compare(f.SmallestUserKey(), hi) > 0 || bytes.Compare(f.LargestUserKey(), lo) < 0 {
				continue
			}
			if !last && bytes.Equal(f.SmallestUserKey(), hi) {
				continue
			}
			end := hi
			if last {
				end = nil
			}
			volumes[i] += sizer.ApproximateSize(f, lo, end)
		}
		total += volumes[i]
	}
	if total == 0 {
		return nil
	}

	threshold := max(total/uint64(target), 1)
	var (
		boundaries [][]byte
		acc        uint64
	)
	for i, v := range volumes {
		if len(boundaries) >= target-1 {
			break
		}
		acc += v
		// The cut is the interval's upper candidate; the last candidate
		// would leave an empty final part.
		if acc >= threshold && i+1 < len(candidates)-1 {
			boundaries = append(boundaries, bytes.Clone(candidates[i+1]))
			acc = 0
		}
	}
	return boundaries
}

// RoundRobinBoundaries cuts at the smallest key of every start-level file
// but the first, so each subcompaction takes one start-level file.
func RoundRobinBoundaries(startFiles []*manifest.FileMetaData, target int) [][]byte {
	if len(startFiles) <= 1 || target <= 1 {
		return nil
	}
	keys := make([][]byte, 0, len(startFiles))
	for _, f := range startFiles {
		keys = append(keys, f.SmallestUserKey())
	}
	slices.SortFunc(keys, bytes.Compare)
	keys = slices.CompactFunc(keys, bytes.Equal)
	var out [][]byte
	for _, k := range keys[1:] {
		if len(out) >= target-1 {
			break
		}
		out = append(out, bytes.Clone(k))
	}
	return out
}

// usesRoundRobin reports whether the compaction splits one subcompaction
// per start-level file.
func (c *Compaction) usesRoundRobin() bool {
	return c.Options.CompactionPri == options.RoundRobin &&
		c.Reason == CompactionReasonLevelMaxLevelSize &&
		c.StartLevel() > 0
}

// SplitRanges turns cut points into consecutive [Start, End) ranges. The
// first range starts and the last ends at bound's edges, open when bound
// is nil.
func SplitRanges(boundaries [][]byte, bound *KeyRange) []KeyRange {
	var start, end []byte
	if bound != nil {
		start, end = bound.Start, bound.End
	}
	out := make([]KeyRange, 0, len(boundaries)+1)
	for _, b := range boundaries {
		out = append(out, KeyRange{Start: start, End: b})
		start = b
	}
	return append(out, KeyRange{Start: start, End: end})
}
