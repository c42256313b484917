// Package manifest holds the metadata of table files and the edits that
// add and remove them from the live file set.
//
// Reference: RocksDB v10.7.5
//   - db/version_edit.h
//   - db/version_edit.cc
package manifest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

const (
	UnknownOldestAncestorTime uint64 = 0
	UnknownFileCreationTime   uint64 = 0
	UnknownEpochNumber        uint64 = 0

	// UnknownFileChecksumFuncName marks files written without a checksum.
	UnknownFileChecksumFuncName = "Unknown"
)

// Temperature is the storage tier hint of a file.
type Temperature uint8

const (
	TemperatureUnknown Temperature = iota
	TemperatureHot
	TemperatureWarm
	TemperatureCold
)

func (t Temperature) String() string {
	switch t {
	case TemperatureHot:
		return "kHot"
	case TemperatureWarm:
		return "kWarm"
	case TemperatureCold:
		return "kCold"
	default:
		return "kUnknown"
	}
}

// ParseTemperature maps an OPTIONS-file name back to a Temperature.
func ParseTemperature(s string) (Temperature, bool) {
	switch s {
	case "kUnknown", "":
		return TemperatureUnknown, true
	case "kHot":
		return TemperatureHot, true
	case "kWarm":
		return TemperatureWarm, true
	case "kCold":
		return TemperatureCold, true
	}
	return TemperatureUnknown, false
}

// FileMetaData describes one table file.
type FileMetaData struct {
	Number   uint64
	FileSize uint64

	// Smallest and Largest are internal keys.
	Smallest      dbformat.InternalKey
	Largest       dbformat.InternalKey
	SmallestSeqno dbformat.SequenceNumber
	LargestSeqno  dbformat.SequenceNumber

	OldestAncestorTime   uint64
	FileCreationTime     uint64
	EpochNumber          uint64
	FileChecksum         string
	FileChecksumFuncName string
	Temperature          Temperature
	MarkedForCompaction  bool
	UniqueID             checksum.UniqueID64x2

	// NumEntries and NumRangeDeletions come from the table properties.
	NumEntries        uint64
	NumRangeDeletions uint64

	// Runtime state, not part of the durable record.
	BeingCompacted bool
}

// NewFileMetaData returns metadata for file number with empty bounds.
func NewFileMetaData(number uint64) *FileMetaData {
	return &FileMetaData{
		Number:               number,
		SmallestSeqno:        dbformat.MaxSequenceNumber,
		FileChecksumFuncName: UnknownFileChecksumFuncName,
	}
}

// UpdateBoundaries extends the key and seqno ranges to include key.
func (f *FileMetaData) UpdateBoundaries(key []byte, seq dbformat.SequenceNumber) {
	if len(f.Smallest) == 0 || dbformat.CompareInternalKeys(key, f.Smallest) < 0 {
		f.Smallest = bytes.Clone(key)
	}
	if len(f.Largest) == 0 || dbformat.CompareInternalKeys(key, f.Largest) > 0 {
		f.Largest = bytes.Clone(key)
	}
	f.SmallestSeqno = min(f.SmallestSeqno, seq)
	f.LargestSeqno = max(f.LargestSeqno, seq)
}

// SmallestUserKey returns the user key of Smallest.
func (f *FileMetaData) SmallestUserKey() []byte { return f.Smallest.UserKey() }

// LargestUserKey returns the user key of Largest.
func (f *FileMetaData) LargestUserKey() []byte { return f.Largest.UserKey() }

// Clone returns a deep copy.
func (f *FileMetaData) Clone() *FileMetaData {
	c := *f
	c.Smallest = bytes.Clone(f.Smallest)
	c.Largest = bytes.Clone(f.Largest)
	return &c
}

func (f *FileMetaData) String() string {
	return fmt.Sprintf("#%d size=%d [%q@%d .. %q@%d] seq=[%d,%d]",
		f.Number, f.FileSize,
		f.Smallest.UserKey(), f.Smallest.Sequence(),
		f.Largest.UserKey(), f.Largest.Sequence(),
		f.SmallestSeqno, f.LargestSeqno)
}

// TableFileName returns the path of table number in dir.
//
// Reference: RocksDB file/filename.cc MakeTableFileName
func TableFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", number))
}

// ParseTableFileName extracts the number from a table file name.
func ParseTableFileName(name string) (uint64, bool) {
	base := filepath.Base(name)
	stem, ok := strings.CutSuffix(base, ".sst")
	if !ok || stem == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
