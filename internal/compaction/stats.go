// stats.go implements job and level statistics for compactions.
//
// Reference: RocksDB v10.7.5
//   - include/rocksdb/compaction_job_stats.h
//   - db/internal_stats.h
package compaction

import (
	"fmt"

	"github.com/aalhour/rockyardkv-compaction/internal/iterator"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
)

// CompactionJobStats are the public counters of one job. Most are summed
// from the subcompactions; the input file counts, flags and timings are
// filled in by the job itself.
//
// Reference: RocksDB v10.7.5 include/rocksdb/compaction_job_stats.h
type CompactionJobStats struct {
	ElapsedMicros uint64
	CPUMicros     uint64

	NumInputRecords            uint64
	NumInputFiles              uint64
	NumInputFilesAtOutputLevel uint64
	NumOutputRecords           uint64
	NumOutputFiles             uint64
	NumSubcompactions          uint64

	IsFullCompaction   bool
	IsManualCompaction bool
	IsRemoteCompaction bool

	TotalInputBytes  uint64
	TotalOutputBytes uint64

	// NumRecordsReplaced counts versions hidden by a newer one.
	NumRecordsReplaced uint64

	TotalInputRawKeyBytes   uint64
	TotalInputRawValueBytes uint64

	NumInputDeletionRecords   uint64
	NumExpiredDeletionRecords uint64
	NumRangeDelDropped        uint64
	NumSeqnoZeroed            uint64
}

// Add sums the counters of other into s. Flags and timings are left alone.
func (s *CompactionJobStats) Add(other *CompactionJobStats) {
	s.NumInputRecords += other.NumInputRecords
	s.NumInputFiles += other.NumInputFiles
	s.NumInputFilesAtOutputLevel += other.NumInputFilesAtOutputLevel
	s.NumOutputRecords += other.NumOutputRecords
	s.NumOutputFiles += other.NumOutputFiles
	s.TotalInputBytes += other.TotalInputBytes
	s.TotalOutputBytes += other.TotalOutputBytes
	s.NumRecordsReplaced += other.NumRecordsReplaced
	s.TotalInputRawKeyBytes += other.TotalInputRawKeyBytes
	s.TotalInputRawValueBytes += other.TotalInputRawValueBytes
	s.NumInputDeletionRecords += other.NumInputDeletionRecords
	s.NumExpiredDeletionRecords += other.NumExpiredDeletionRecords
	s.NumRangeDelDropped += other.NumRangeDelDropped
	s.NumSeqnoZeroed += other.NumSeqnoZeroed
}

// addIterStats folds the counters of a finished compaction iterator in.
func (s *CompactionJobStats) addIterStats(it iterator.CompactionIterStats) {
	s.NumInputRecords += it.NumInputRecords
	s.NumRecordsReplaced += it.NumDroppedHidden
	s.TotalInputRawKeyBytes += it.TotalInputRawKeyBytes
	s.TotalInputRawValueBytes += it.TotalInputRawValueBytes
	s.NumInputDeletionRecords += it.NumInputDeletions
	s.NumExpiredDeletionRecords += it.NumDroppedObsoleteDel
	s.NumRangeDelDropped += it.NumDroppedRangeDel
	s.NumSeqnoZeroed += it.NumSeqnoZeroed
}

// CompactionStats are the per-level counters reported to the engine's
// level statistics.
//
// Reference: RocksDB v10.7.5 db/internal_stats.h (CompactionStats)
type CompactionStats struct {
	Micros    uint64
	CPUMicros uint64

	BytesReadNonOutputLevels uint64
	BytesReadOutputLevel     uint64
	BytesWritten             uint64

	NumInputFilesInNonOutputLevels int
	NumInputFilesInOutputLevel     int
	NumOutputFiles                 int

	NumInputRecords   uint64
	NumDroppedRecords uint64
	NumOutputRecords  uint64

	Count int
}

// Add sums other into s.
func (s *CompactionStats) Add(other *CompactionStats) {
	s.Micros += other.Micros
	s.CPUMicros += other.CPUMicros
	s.BytesReadNonOutputLevels += other.BytesReadNonOutputLevels
	s.BytesReadOutputLevel += other.BytesReadOutputLevel
	s.BytesWritten += other.BytesWritten
	s.NumInputFilesInNonOutputLevels += other.NumInputFilesInNonOutputLevels
	s.NumInputFilesInOutputLevel += other.NumInputFilesInOutputLevel
	s.NumOutputFiles += other.NumOutputFiles
	s.NumInputRecords += other.NumInputRecords
	s.NumDroppedRecords += other.NumDroppedRecords
	s.NumOutputRecords += other.NumOutputRecords
	s.Count += other.Count
}

// addOutputs folds only the output side of other into s.
func (s *CompactionStats) addOutputs(other *CompactionStats) {
	s.BytesWritten += other.BytesWritten
	s.NumOutputFiles += other.NumOutputFiles
	s.NumOutputRecords += other.NumOutputRecords
}

// BytesRead returns the bytes read from all input levels.
func (s *CompactionStats) BytesRead() uint64 {
	return s.BytesReadNonOutputLevels + s.BytesReadOutputLevel
}

// CompactionStatsFull is the level statistics of a job. Data too recent
// for the last level goes to the proximal level and is counted apart.
//
// Reference: RocksDB v10.7.5 db/internal_stats.h (CompactionStatsFull)
type CompactionStatsFull struct {
	OutputLevelStats       CompactionStats
	ProximalLevelStats     CompactionStats
	HasProximalLevelOutput bool
}

// TotalBytesWritten returns the bytes written to both levels.
func (s *CompactionStatsFull) TotalBytesWritten() uint64 {
	return s.OutputLevelStats.BytesWritten + s.ProximalLevelStats.BytesWritten
}

// TotalOutputRecords returns the records written to both levels.
func (s *CompactionStatsFull) TotalOutputRecords() uint64 {
	return s.OutputLevelStats.NumOutputRecords + s.ProximalLevelStats.NumOutputRecords
}

// TotalOutputFiles returns the files written to both levels.
func (s *CompactionStatsFull) TotalOutputFiles() int {
	return s.OutputLevelStats.NumOutputFiles + s.ProximalLevelStats.NumOutputFiles
}

// DroppedRecords returns how many input records were not written.
func (s *CompactionStatsFull) DroppedRecords() uint64 {
	out := s.TotalOutputRecords()
	if out >= s.OutputLevelStats.NumInputRecords {
		return 0
	}
	return s.OutputLevelStats.NumInputRecords - out
}

// Add sums other into s.
func (s *CompactionStatsFull) Add(other *CompactionStatsFull) {
	s.OutputLevelStats.Add(&other.OutputLevelStats)
	s.ProximalLevelStats.Add(&other.ProximalLevelStats)
	s.HasProximalLevelOutput = s.HasProximalLevelOutput || other.HasProximalLevelOutput
}

// BuildStatsFromInputTableProperties fills the input side of stats from
// the compaction's input files and their table properties. It returns the
// number of range deletions, which are counted apart from records.
func BuildStatsFromInputTableProperties(c *Compaction, props map[uint64]table.Properties, stats *CompactionStats) (numRangeDels uint64) {
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			if in.Level == c.OutputLevel {
				stats.NumInputFilesInOutputLevel++
				stats.BytesReadOutputLevel += f.FileSize
			} else {
				stats.NumInputFilesInNonOutputLevels++
				stats.BytesReadNonOutputLevels += f.FileSize
			}
			p, ok := props[f.Number]
			if !ok {
				continue
			}
			stats.NumInputRecords += p.NumEntries - p.NumRangeDeletions
			numRangeDels += p.NumRangeDeletions
		}
	}
	return numRangeDels
}

// VerifyInputRecordCount checks that the subcompactions consumed every
// point record the input properties promise.
func VerifyInputRecordCount(stats *CompactionStats, consumed uint64) error {
	if stats.NumInputRecords != consumed {
		return corruption("compaction input record count mismatch: expected %d, consumed %d",
			stats.NumInputRecords, consumed)
	}
	return nil
}

// UpdateCompactionJobInputStats copies the input side of the level stats
// into the job stats.
func UpdateCompactionJobInputStats(full *CompactionStatsFull, js *CompactionJobStats) {
	in := &full.OutputLevelStats
	js.NumInputFiles = uint64(in.NumInputFilesInNonOutputLevels + in.NumInputFilesInOutputLevel)
	js.NumInputFilesAtOutputLevel = uint64(in.NumInputFilesInOutputLevel)
	js.TotalInputBytes = in.BytesRead()
}

// UpdateCompactionJobOutputStats copies the output side of the level stats
// into the job stats.
func UpdateCompactionJobOutputStats(full *CompactionStatsFull, js *CompactionJobStats) {
	js.NumOutputRecords = full.TotalOutputRecords()
	js.NumOutputFiles = uint64(full.TotalOutputFiles())
	js.TotalOutputBytes = full.TotalBytesWritten()
}

func (s *CompactionStats) String() string {
	return fmt.Sprintf("files in(%d, %d) out(%d) MB in(%.1f, %.1f) out(%.1f) records in(%d) dropped(%d)",
		s.NumInputFilesInNonOutputLevels, s.NumInputFilesInOutputLevel, s.NumOutputFiles,
		float64(s.BytesReadNonOutputLevels)/1048576.0, float64(s.BytesReadOutputLevel)/1048576.0,
		float64(s.BytesWritten)/1048576.0, s.NumInputRecords, s.NumDroppedRecords)
}
