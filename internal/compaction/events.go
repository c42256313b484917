// events.go implements EventListener hooks for compaction jobs.
//
// Reference: RocksDB v10.7.5 include/rocksdb/listener.h
package compaction

import (
	"sync"
)

// SubcompactionJobInfo describes one subcompaction.
type SubcompactionJobInfo struct {
	// CFName is the column family name.
	CFName string
	// JobID is the id of the parent compaction job.
	JobID int
	// SubcompactionJobID is the index of the subcompaction in its job.
	SubcompactionJobID int
	// BaseInputLevel is the start level of the compaction.
	BaseInputLevel int
	// OutputLevel is the output level.
	OutputLevel int
	// Status is the result of the subcompaction (nil for success).
	Status error
	// Stats are the counters of this subcompaction only.
	Stats CompactionJobStats
	// CompactionReason is the reason for the compaction.
	CompactionReason CompactionReason
}

// CompactionJobInfo describes a finished compaction job.
type CompactionJobInfo struct {
	// CFName is the column family name.
	CFName string
	// Status is the status of the compaction (nil for success).
	Status error
	// JobID is the unique identifier for this compaction job.
	JobID int
	// BaseInputLevel is the lowest input level.
	BaseInputLevel int
	// OutputLevel is the output level.
	OutputLevel int
	// InputFiles are the numbers of the input files.
	InputFiles []uint64
	// OutputFiles are the numbers of the installed output files.
	OutputFiles []uint64
	// CompactionReason is the reason for the compaction.
	CompactionReason CompactionReason
	// Stats are the aggregated job counters.
	Stats CompactionJobStats
	// LevelStats split the output between the output and proximal levels.
	LevelStats CompactionStatsFull
}

// TableFileCreationInfo describes an output file that was written.
type TableFileCreationInfo struct {
	CFName     string
	FilePath   string
	FileSize   uint64
	JobID      int
	Level      int
	NumEntries uint64
	Status     error
}

// TableFileDeletionInfo describes an output file removed after a failed
// job.
type TableFileDeletionInfo struct {
	FilePath string
	JobID    int
	Status   error
}

// EventListener receives notifications about compaction jobs.
// All callbacks must be safe for concurrent use; subcompactions report
// from their own goroutines.
type EventListener interface {
	// OnSubcompactionBegin is called before a subcompaction reads input.
	OnSubcompactionBegin(info *SubcompactionJobInfo)
	// OnSubcompactionCompleted is called when a subcompaction stops.
	OnSubcompactionCompleted(info *SubcompactionJobInfo)
	// OnTableFileCreated is called when an output file is closed.
	OnTableFileCreated(info *TableFileCreationInfo)
	// OnTableFileDeleted is called when a discarded output is removed.
	OnTableFileDeleted(info *TableFileDeletionInfo)
	// OnCompactionCompleted is called once Install has decided the job.
	OnCompactionCompleted(info *CompactionJobInfo)
}

// NoOpEventListener is a default implementation that does nothing.
// Embed this in your listener if you only want to handle specific events.
type NoOpEventListener struct{}

func (NoOpEventListener) OnSubcompactionBegin(*SubcompactionJobInfo)     {}
func (NoOpEventListener) OnSubcompactionCompleted(*SubcompactionJobInfo) {}
func (NoOpEventListener) OnTableFileCreated(*TableFileCreationInfo)      {}
func (NoOpEventListener) OnTableFileDeleted(*TableFileDeletionInfo)      {}
func (NoOpEventListener) OnCompactionCompleted(*CompactionJobInfo)       {}

// CountingEventListener counts events for testing purposes.
type CountingEventListener struct {
	mu sync.Mutex

	SubcompactionBegin     int
	SubcompactionCompleted int
	TableFilesCreated      int
	TableFilesDeleted      int
	CompactionsCompleted   int

	LastCompaction *CompactionJobInfo
}

func (l *CountingEventListener) OnSubcompactionBegin(*SubcompactionJobInfo) {
	l.mu.Lock()
	l.SubcompactionBegin++
	l.mu.Unlock()
}

func (l *CountingEventListener) OnSubcompactionCompleted(*SubcompactionJobInfo) {
	l.mu.Lock()
	l.SubcompactionCompleted++
	l.mu.Unlock()
}

func (l *CountingEventListener) OnTableFileCreated(*TableFileCreationInfo) {
	l.mu.Lock()
	l.TableFilesCreated++
	l.mu.Unlock()
}

func (l *CountingEventListener) OnTableFileDeleted(*TableFileDeletionInfo) {
	l.mu.Lock()
	l.TableFilesDeleted++
	l.mu.Unlock()
}

func (l *CountingEventListener) OnCompactionCompleted(info *CompactionJobInfo) {
	l.mu.Lock()
	l.CompactionsCompleted++
	l.LastCompaction = info
	l.mu.Unlock()
}

// Snapshot returns the counters under the lock.
func (l *CountingEventListener) Snapshot() (begin, completed, created, deleted, compactions int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.SubcompactionBegin, l.SubcompactionCompleted, l.TableFilesCreated, l.TableFilesDeleted, l.CompactionsCompleted
}

// listeners fans one event out to several listeners.
type listeners []EventListener

func (ls listeners) OnSubcompactionBegin(info *SubcompactionJobInfo) {
	for _, l := range ls {
		l.OnSubcompactionBegin(info)
	}
}

func (ls listeners) OnSubcompactionCompleted(info *SubcompactionJobInfo) {
	for _, l := range ls {
		l.OnSubcompactionCompleted(info)
	}
}

func (ls listeners) OnTableFileCreated(info *TableFileCreationInfo) {
	for _, l := range ls {
		l.OnTableFileCreated(info)
	}
}

func (ls listeners) OnTableFileDeleted(info *TableFileDeletionInfo) {
	for _, l := range ls {
		l.OnTableFileDeleted(info)
	}
}

func (ls listeners) OnCompactionCompleted(info *CompactionJobInfo) {
	for _, l := range ls {
		l.OnCompactionCompleted(info)
	}
}
