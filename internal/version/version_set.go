// version_set.go implements the VersionSet which manages the current
// version and the MANIFEST.
//
// Reference: RocksDB v10.7.5 db/version_set.h
package version

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/record"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

// ErrManifestWrite wraps failures to persist an edit. The in-memory version
// is left unchanged when it is returned.
var ErrManifestWrite = errors.New("version: manifest write failed")

// ErrNoManifest is returned when a directory holds no MANIFEST file.
var ErrNoManifest = errors.New("version: no MANIFEST file")

// EditLog persists edits before they are installed.
type EditLog interface {
	Append(edit *manifest.VersionEdit) error
}

type nopEditLog struct{}

func (nopEditLog) Append(*manifest.VersionEdit) error { return nil }

// VersionSetOptions configures the VersionSet.
type VersionSetOptions struct {
	// DBName is the database directory path.
	DBName string

	// FS is the filesystem to use.
	FS vfs.FS

	// Mutex guards every mutation. A fresh one is created when nil.
	Mutex *DBMutex

	// EditLog receives every edit before it is applied. Edits are not
	// persisted when nil.
	EditLog EditLog

	// ColumnFamilyName names the single column family tracked.
	ColumnFamilyName string
}

// DefaultVersionSetOptions returns default options.
func DefaultVersionSetOptions(dbname string) VersionSetOptions {
	return VersionSetOptions{
		DBName:           dbname,
		FS:               vfs.Default(),
		ColumnFamilyName: "default",
	}
}

// VersionSet owns the current Version and the file number counter.
//
// Reference: RocksDB v10.7.5 db/version_set.h (VersionSet class)
type VersionSet struct {
	opts VersionSetOptions
	mu   *DBMutex

	current        *Version
	nextFileNumber atomic.Uint64
	nextEpoch      atomic.Uint64

	counters BackgroundCounters
}

// NewVersionSet returns a version set with an empty current version.
// File numbers start at 2; 1 is reserved for the first MANIFEST.
func NewVersionSet(opts VersionSetOptions) *VersionSet {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.Mutex == nil {
		opts.Mutex = &DBMutex{}
	}
	if opts.EditLog == nil {
		opts.EditLog = nopEditLog{}
	}
	if opts.ColumnFamilyName == "" {
		opts.ColumnFamilyName = "default"
	}
	vs := &VersionSet{opts: opts, mu: opts.Mutex, current: &Version{}}
	vs.nextFileNumber.Store(2)
	vs.nextEpoch.Store(1)
	return vs
}

// Mutex returns the lock that guards the version set.
func (vs *VersionSet) Mutex() *DBMutex { return vs.mu }

// DBName returns the database directory.
func (vs *VersionSet) DBName() string { return vs.opts.DBName }

// FS returns the filesystem the database lives on.
func (vs *VersionSet) FS() vfs.FS { return vs.opts.FS }

// ColumnFamilyName returns the tracked column family.
func (vs *VersionSet) ColumnFamilyName() string { return vs.opts.ColumnFamilyName }

// Current returns the current version. Callers holding the DBMutex see a
// stable value.
func (vs *VersionSet) Current() *Version { return vs.current }

// NewFileNumber allocates a file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNumber.Add(1) - 1
}

// NextFileNumber returns the number the next allocation would return.
func (vs *VersionSet) NextFileNumber() uint64 {
	return vs.nextFileNumber.Load()
}

// MarkFileNumberUsed makes sure number is never allocated again.
func (vs *VersionSet) MarkFileNumberUsed(number uint64) {
	for {
		cur := vs.nextFileNumber.Load()
		if cur > number || vs.nextFileNumber.CompareAndSwap(cur, number+1) {
			return
		}
	}
}

// NewEpochNumber allocates an epoch number for a file.
func (vs *VersionSet) NewEpochNumber() uint64 {
	return vs.nextEpoch.Add(1) - 1
}

// LogAndApply validates edit against the current version, persists it, and
// installs the result as the new current version. The DBMutex must be held.
// Nothing changes when an error is returned.
func (vs *VersionSet) LogAndApply(edit *manifest.VersionEdit) error {
	vs.mu.AssertHeld()

	b := NewBuilder(vs.current)
	if err := b.Apply(edit); err != nil {
		return err
	}
	for _, n := range edit.NewFiles {
		vs.MarkFileNumberUsed(n.Meta.Number)
	}
	if edit.ColumnFamilyName == "" {
		edit.ColumnFamilyName = vs.opts.ColumnFamilyName
	}
	edit.NextFileNumber = vs.NextFileNumber()
	if err := vs.opts.EditLog.Append(edit); err != nil {
		return fmt.Errorf("%w: %w", ErrManifestWrite, err)
	}
	vs.current = b.SaveTo(vs.current.number + 1)
	return nil
}

// Counters returns a pointer to the background job counters. They are
// guarded by the DBMutex.
func (vs *VersionSet) Counters() *BackgroundCounters {
	vs.mu.AssertHeld()
	return &vs.counters
}

// ManifestLog appends edits to a MANIFEST file in the record format.
type ManifestLog struct {
	mu     sync.Mutex
	file   vfs.WritableFile
	writer *record.Writer
}

// CreateManifestLog creates MANIFEST-number in dir.
func CreateManifestLog(fs vfs.FS, dir string, number uint64) (*ManifestLog, error) {
	f, err := fs.Create(manifest.ManifestFileName(dir, number))
	if err != nil {
		return nil, err
	}
	return &ManifestLog{file: f, writer: record.NewWriter(f)}, nil
}

// Append writes and syncs one edit.
func (l *ManifestLog) Append(edit *manifest.VersionEdit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.AddRecord(edit.Encode()); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close closes the MANIFEST file.
func (l *ManifestLog) Close() error {
	return l.file.Close()
}

// ReadManifest returns every edit in the MANIFEST at path.
func ReadManifest(fs vfs.FS, path string) ([]*manifest.VersionEdit, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	r := record.NewReader(bytes.NewReader(data))
	var edits []*manifest.VersionEdit
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return edits, nil
		}
		if err != nil {
			return nil, err
		}
		edit, err := manifest.DecodeVersionEdit(rec)
		if err != nil {
			return nil, err
		}
		edits = append(edits, edit)
	}
}

// LatestManifest returns the path of the highest-numbered MANIFEST in dir.
func LatestManifest(fs vfs.FS, dir string) (string, error) {
	entries, err := fs.ListDir(dir)
	if err != nil {
		return "", err
	}
	var latest uint64
	found := false
	for _, entry := range entries {
		numStr, ok := strings.CutPrefix(entry, "MANIFEST-")
		if !ok {
			continue
		}
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || num > latest {
			latest, found = num, true
		}
	}
	if !found {
		return "", fmt.Errorf("%w in %s", ErrNoManifest, dir)
	}
	return manifest.ManifestFileName(dir, latest), nil
}

// Recover rebuilds the current version from edits.
func (vs *VersionSet) Recover(edits []*manifest.VersionEdit) error {
	vs.mu.AssertHeld()
	b := NewBuilder(vs.current)
	for _, edit := range edits {
		if err := b.Apply(edit); err != nil {
			return err
		}
		if edit.NextFileNumber > 0 {
			vs.MarkFileNumberUsed(edit.NextFileNumber - 1)
		}
		for _, n := range edit.NewFiles {
			vs.MarkFileNumberUsed(n.Meta.Number)
			if n.Meta.EpochNumber >= vs.nextEpoch.Load() {
				vs.nextEpoch.Store(n.Meta.EpochNumber + 1)
			}
		}
	}
	vs.current = b.SaveTo(vs.current.number + 1)
	return nil
}
