// Package compaction runs a single compaction job: it splits the job's key
// range into subcompactions, executes them in parallel or on a remote
// worker, aggregates their statistics, and installs the result into the
// version set.
//
// A Job goes through three phases. Prepare and Install run with the
// DBMutex held; Run runs without it.
//
//	Prepare  plan subcompactions, reserve extra threads
//	Run      execute units, aggregate stats, verify record counts
//	Install  replace inputs with outputs in one version edit
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction.h
//   - db/compaction/compaction_job.h
//   - db/compaction/compaction_job.cc
package compaction

import (
	"bytes"
	"sync/atomic"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/options"
)

// CompactionReason indicates why a compaction was triggered.
type CompactionReason int

const (
	CompactionReasonUnknown CompactionReason = iota
	CompactionReasonLevelL0FileNumTrigger
	CompactionReasonLevelMaxLevelSize
	CompactionReasonManualCompaction
	CompactionReasonFilesMarkedForCompaction
	CompactionReasonBottommostFiles
	CompactionReasonPeriodicCompaction
	// Universal compaction reasons
	CompactionReasonUniversalSizeAmplification
	CompactionReasonUniversalSizeRatio
	CompactionReasonUniversalSortedRunNum
)

func (r CompactionReason) String() string {
	switch r {
	case CompactionReasonLevelL0FileNumTrigger:
		return "LevelL0FilesNum"
	case CompactionReasonLevelMaxLevelSize:
		return "LevelMaxLevelSize"
	case CompactionReasonManualCompaction:
		return "ManualCompaction"
	case CompactionReasonFilesMarkedForCompaction:
		return "FilesMarkedForCompaction"
	case CompactionReasonBottommostFiles:
		return "BottommostFiles"
	case CompactionReasonPeriodicCompaction:
		return "PeriodicCompaction"
	case CompactionReasonUniversalSizeAmplification:
		return "UniversalSizeAmplification"
	case CompactionReasonUniversalSizeRatio:
		return "UniversalSizeRatio"
	case CompactionReasonUniversalSortedRunNum:
		return "UniversalSortedRunNum"
	default:
		return "Unknown"
	}
}

// ThreadPriority is the background pool a compaction runs in.
type ThreadPriority int

const (
	PriorityLow ThreadPriority = iota
	PriorityBottom
)

func (p ThreadPriority) String() string {
	if p == PriorityBottom {
		return "BOTTOM"
	}
	return "LOW"
}

// InputFiles are the compaction inputs from one level.
type InputFiles struct {
	Level int
	Files []*manifest.FileMetaData
}

// KeyRange bounds user keys as [Start, End). A nil Start or End is open;
// an empty non-nil slice is an explicit bound at the empty key.
type KeyRange struct {
	Start []byte
	End   []byte
}

// Contains reports whether userKey falls in the range.
func (r KeyRange) Contains(userKey []byte) bool {
	if r.Start != nil && bytes.Compare(userKey, r.Start) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(userKey, r.End) < 0
}

// Compaction describes one compaction task: which files to merge, where the
// result goes, and what must stay visible.
type Compaction struct {
	ColumnFamilyName string

	// Inputs are ordered by level, start level first. The last entry is the
	// output level when it has overlapping files.
	Inputs []InputFiles

	OutputLevel int

	// ProximalLevel receives data too recent for the last level. It is -1
	// when the compaction has no proximal output.
	ProximalLevel int

	Reason   CompactionReason
	IsManual bool

	// Bottommost is set when no level below the output level holds data
	// for the compaction's key range.
	Bottommost bool

	// IsFullCompaction is set when every live file is an input.
	IsFullCompaction bool

	Priority ThreadPriority

	// Snapshots are the live snapshot sequence numbers.
	Snapshots []dbformat.SequenceNumber

	Options options.CompactionOptions

	// Bounds restricts the job to one known subrange. Remote workers get
	// it from the job input; the partitioner is skipped when it is set.
	Bounds *KeyRange

	// SingleSubcompaction runs the job as one unit over Bounds, or over
	// everything when Bounds is nil, without consulting the partitioner.
	SingleSubcompaction bool

	// ManualCancel is polled between records. It may be nil.
	ManualCancel *atomic.Bool
}

// NewCompaction returns a compaction of inputs into outputLevel.
func NewCompaction(cf string, inputs []InputFiles, outputLevel int, opts options.CompactionOptions) *Compaction {
	opts.Sanitize()
	return &Compaction{
		ColumnFamilyName: cf,
		Inputs:           inputs,
		OutputLevel:      outputLevel,
		ProximalLevel:    -1,
		Options:          opts,
	}
}

// NumInputFiles returns the total number of input files.
func (c *Compaction) NumInputFiles() int {
	total := 0
	for _, in := range c.Inputs {
		total += len(in.Files)
	}
	return total
}

// StartLevel returns the start level of this compaction.
func (c *Compaction) StartLevel() int {
	if len(c.Inputs) == 0 {
		return -1
	}
	return c.Inputs[0].Level
}

// StartLevelFiles returns the files of the start level.
func (c *Compaction) StartLevelFiles() []*manifest.FileMetaData {
	if len(c.Inputs) == 0 {
		return nil
	}
	return c.Inputs[0].Files
}

// AllInputFiles returns every input file with its level.
func (c *Compaction) AllInputFiles() []LeveledFile {
	var out []LeveledFile
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			out = append(out, LeveledFile{Level: in.Level, Meta: f})
		}
	}
	return out
}

// LeveledFile is an input file and the level it lives at.
type LeveledFile struct {
	Level int
	Meta  *manifest.FileMetaData
}

// SupportsProximalLevel reports whether recent data is split off into the
// proximal level.
func (c *Compaction) SupportsProximalLevel() bool {
	return c.ProximalLevel >= 0 && c.ProximalLevel < c.OutputLevel
}

// KeyRange returns the user key span of all inputs. The end is inclusive.
func (c *Compaction) KeyRange() (smallest, largest []byte) {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			if s := f.SmallestUserKey(); smallest == nil || bytes.Compare(s, smallest) < 0 {
				smallest = s
			}
			if l := f.LargestUserKey(); largest == nil || bytes.Compare(l, largest) > 0 {
				largest = l
			}
		}
	}
	return smallest, largest
}

// AddInputDeletions records the removal of every input file in edit.
func (c *Compaction) AddInputDeletions(edit *manifest.VersionEdit) {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			edit.DeleteFile(in.Level, f.Number)
		}
	}
}

// MarkFilesBeingCompacted flags every input file. The DBMutex must be held.
func (c *Compaction) MarkFilesBeingCompacted(beingCompacted bool) {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			f.BeingCompacted = beingCompacted
		}
	}
}

// MaxOutputFileSize returns the size at which output files are cut.
func (c *Compaction) MaxOutputFileSize() uint64 {
	return c.Options.TargetFileSize
}

// OutputTemperature returns the temperature of outputs at the output level.
func (c *Compaction) OutputTemperature() manifest.Temperature {
	if c.Bottommost && c.OutputLevel == c.Options.NumLevels-1 {
		return c.Options.LastLevelTemperature
	}
	return manifest.TemperatureUnknown
}

func (c *Compaction) cancelledManually() bool {
	return c.ManualCancel != nil && c.ManualCancel.Load()
}
