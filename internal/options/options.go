// Package options holds the configuration of compaction jobs, its OPTIONS
// file persistence, and the YAML configuration of the remote worker.
//
// Reference: RocksDB v10.7.5
//   - include/rocksdb/advanced_options.h
//   - options/options_helper.cc
package options

import (
	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/compression"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
)

// CompactionPri selects which files a leveled compaction picks first.
type CompactionPri int

const (
	ByCompensatedSize CompactionPri = iota
	OldestLargestSeqFirst
	OldestSmallestSeqFirst
	MinOverlappingRatio
	RoundRobin
)

var compactionPriNames = []string{
	"kByCompensatedSize",
	"kOldestLargestSeqFirst",
	"kOldestSmallestSeqFirst",
	"kMinOverlappingRatio",
	"kRoundRobin",
}

func (p CompactionPri) String() string {
	if p < 0 || int(p) >= len(compactionPriNames) {
		return "kByCompensatedSize"
	}
	return compactionPriNames[p]
}

// ParseCompactionPri maps an OPTIONS-file name to a CompactionPri.
func ParseCompactionPri(s string) (CompactionPri, bool) {
	for i, name := range compactionPriNames {
		if name == s {
			return CompactionPri(i), true
		}
	}
	return ByCompensatedSize, false
}

// CompactionOptions configures compaction jobs.
type CompactionOptions struct {
	// MaxSubcompactions is the static limit of subcompactions per job.
	MaxSubcompactions int

	// MaxBackgroundCompactions bounds the compactions that may run at once
	// across all jobs. It is also the ceiling of the resource ledger.
	MaxBackgroundCompactions int

	CompactionPri CompactionPri

	// TargetFileSize is the size at which an output file is cut.
	TargetFileSize uint64

	Compression  compression.Type
	BlockSize    int
	ChecksumType checksum.Type

	// VerifyRecordCount fails a job whose consumed record count differs
	// from the count implied by input table properties.
	VerifyRecordCount bool

	// ParanoidFileChecks reopens every output after it is written and
	// verifies its contents.
	ParanoidFileChecks bool

	// PreserveInternalTimeSeconds keeps sequence numbers of data younger
	// than this so their write time stays estimable.
	PreserveInternalTimeSeconds uint64

	// PrecludeLastLevelDataSeconds keeps data younger than this out of the
	// last level; it goes to the proximal level instead.
	PrecludeLastLevelDataSeconds uint64

	// LastLevelTemperature is assigned to files written to the last level.
	LastLevelTemperature manifest.Temperature

	NumLevels int
}

// DefaultCompactionOptions returns RocksDB's defaults.
func DefaultCompactionOptions() CompactionOptions {
	return CompactionOptions{
		MaxSubcompactions:        1,
		MaxBackgroundCompactions: 2,
		CompactionPri:            MinOverlappingRatio,
		TargetFileSize:           64 << 20,
		Compression:              compression.SnappyCompression,
		BlockSize:                4096,
		ChecksumType:             checksum.TypeCRC32C,
		VerifyRecordCount:        true,
		NumLevels:                7,
	}
}

// Sanitize replaces invalid values with defaults.
func (o *CompactionOptions) Sanitize() {
	def := DefaultCompactionOptions()
	if o.MaxSubcompactions < 1 {
		o.MaxSubcompactions = 1
	}
	if o.MaxBackgroundCompactions < 1 {
		o.MaxBackgroundCompactions = 1
	}
	if o.TargetFileSize == 0 {
		o.TargetFileSize = def.TargetFileSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = def.BlockSize
	}
	if o.NumLevels <= 1 {
		o.NumLevels = def.NumLevels
	}
	if !o.Compression.IsSupported() {
		o.Compression = compression.NoCompression
	}
}
