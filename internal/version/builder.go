// builder.go implements Builder for applying edits to versions.
//
// Reference: RocksDB v10.7.5
//   - db/version_builder.h
//   - db/version_builder.cc
package version

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
)

var (
	// ErrFileNotLive is returned when an edit deletes a file the base
	// version does not hold at that level.
	ErrFileNotLive = errors.New("version: deleted file is not live")

	// ErrFileExists is returned when an edit adds a file number that is
	// already live.
	ErrFileExists = errors.New("version: added file already exists")

	// ErrInvalidLevel is returned for edits that name a level out of range.
	ErrInvalidLevel = errors.New("version: invalid level")
)

// Builder applies edits to a base Version. Apply validates the whole edit
// before anything is recorded, so a rejected edit leaves the builder as it
// was.
//
// Reference: RocksDB v10.7.5 db/version_builder.cc
type Builder struct {
	base    *Version
	added   [MaxNumLevels]map[uint64]*manifest.FileMetaData
	deleted [MaxNumLevels]map[uint64]struct{}
}

// NewBuilder returns a builder over base.
func NewBuilder(base *Version) *Builder {
	b := &Builder{base: base}
	for i := range MaxNumLevels {
		b.added[i] = make(map[uint64]*manifest.FileMetaData)
		b.deleted[i] = make(map[uint64]struct{})
	}
	return b
}

func (b *Builder) live(level int, number uint64) bool {
	if _, ok := b.added[level][number]; ok {
		return true
	}
	if _, ok := b.deleted[level][number]; ok {
		return false
	}
	for _, f := range b.base.files[level] {
		if f.Number == number {
			return true
		}
	}
	return false
}

// Apply records edit.
func (b *Builder) Apply(edit *manifest.VersionEdit) error {
	for _, d := range edit.DeletedFiles {
		if d.Level < 0 || d.Level >= MaxNumLevels {
			return fmt.Errorf("%w: delete at L%d", ErrInvalidLevel, d.Level)
		}
		if !b.live(d.Level, d.FileNumber) {
			return fmt.Errorf("%w: L%d #%d", ErrFileNotLive, d.Level, d.FileNumber)
		}
	}
	deleting := make(map[uint64]bool, len(edit.DeletedFiles))
	for _, d := range edit.DeletedFiles {
		deleting[d.FileNumber] = true
	}
	for _, n := range edit.NewFiles {
		if n.Level < 0 || n.Level >= MaxNumLevels {
			return fmt.Errorf("%w: add at L%d", ErrInvalidLevel, n.Level)
		}
		if deleting[n.Meta.Number] {
			continue
		}
		for level := range MaxNumLevels {
			if b.live(level, n.Meta.Number) {
				return fmt.Errorf("%w: #%d at L%d", ErrFileExists, n.Meta.Number, level)
			}
		}
	}

	for _, d := range edit.DeletedFiles {
		if _, ok := b.added[d.Level][d.FileNumber]; ok {
			delete(b.added[d.Level], d.FileNumber)
			continue
		}
		b.deleted[d.Level][d.FileNumber] = struct{}{}
	}
	for _, n := range edit.NewFiles {
		delete(b.deleted[n.Level], n.Meta.Number)
		b.added[n.Level][n.Meta.Number] = n.Meta
	}
	return nil
}

// SaveTo returns the resulting version, numbered number.
func (b *Builder) SaveTo(number uint64) *Version {
	v := &Version{number: number}
	for level := range MaxNumLevels {
		var files []*manifest.FileMetaData
		for _, f := range b.base.files[level] {
			if _, gone := b.deleted[level][f.Number]; gone {
				continue
			}
			if _, replaced := b.added[level][f.Number]; replaced {
				continue
			}
			files = append(files, f)
		}
		for _, f := range b.added[level] {
			files = append(files, f)
		}
		if level == 0 {
			slices.SortFunc(files, func(a, b *manifest.FileMetaData) int {
				return cmpUint64(a.Number, b.Number)
			})
		} else {
			slices.SortFunc(files, func(a, b *manifest.FileMetaData) int {
				return dbformat.CompareInternalKeys(a.Smallest, b.Smallest)
			})
		}
		v.files[level] = files
	}
	return v
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
