// Package version tracks the live table files of a column family.
//
// A Version is an immutable snapshot of the files at each level.
// VersionSet holds the current Version and applies VersionEdits to produce
// the next one, under the DBMutex.
//
// Reference: RocksDB v10.7.5
//   - db/version_set.h (Version class)
//   - db/version_set.cc
package version

import (
	"bytes"

	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
)

// MaxNumLevels is the maximum number of levels in the LSM-tree.
const MaxNumLevels = 7

// Version is the set of live files at one point in time.
type Version struct {
	files  [MaxNumLevels][]*manifest.FileMetaData
	number uint64
}

// Number identifies the version. It grows with every applied edit.
func (v *Version) Number() uint64 { return v.number }

// NumFiles returns the number of files at the given level.
func (v *Version) NumFiles(level int) int {
	if level < 0 || level >= MaxNumLevels {
		return 0
	}
	return len(v.files[level])
}

// Files returns the files at level. L0 is ordered by file number, other
// levels by smallest key.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if level < 0 || level >= MaxNumLevels {
		return nil
	}
	return v.files[level]
}

// TotalFiles returns the number of files across all levels.
func (v *Version) TotalFiles() int {
	total := 0
	for level := range MaxNumLevels {
		total += len(v.files[level])
	}
	return total
}

// NumLevelBytes returns the total size of files at level.
func (v *Version) NumLevelBytes(level int) uint64 {
	var size uint64
	for _, f := range v.Files(level) {
		size += f.FileSize
	}
	return size
}

// FindFile returns the level and metadata of file number, or -1 and nil.
func (v *Version) FindFile(number uint64) (int, *manifest.FileMetaData) {
	for level := range MaxNumLevels {
		for _, f := range v.files[level] {
			if f.Number == number {
				return level, f
			}
		}
	}
	return -1, nil
}

// OverlappingInputs returns the files at level whose user key range
// intersects [begin, end]. A nil bound is unbounded.
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*manifest.FileMetaData {
	var result []*manifest.FileMetaData
	for _, f := range v.Files(level) {
		if begin != nil && bytes.Compare(f.LargestUserKey(), begin) < 0 {
			continue
		}
		if end != nil && bytes.Compare(f.SmallestUserKey(), end) > 0 {
			continue
		}
		result = append(result, f)
	}
	return result
}

// BottommostLevelWithData returns the deepest level holding any file, or -1.
func (v *Version) BottommostLevelWithData() int {
	for level := MaxNumLevels - 1; level >= 0; level-- {
		if len(v.files[level]) > 0 {
			return level
		}
	}
	return -1
}
