// fault_injection.go implements FaultInjectionFS which fails chosen
// operations on chosen files.
package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

var (
	// ErrInjectedReadError is returned when a read error is injected.
	ErrInjectedReadError = errors.New("vfs: injected read error")

	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")

	// ErrInjectedRenameError is returned when a rename error is injected.
	ErrInjectedRenameError = errors.New("vfs: injected rename error")
)

// Op names the filesystem operation a fault is attached to.
type Op int

const (
	OpOpen Op = iota
	OpRead
	OpCreate
	OpWrite
	OpSync
	OpRename
)

func (op Op) err() error {
	switch op {
	case OpOpen, OpRead:
		return ErrInjectedReadError
	case OpSync:
		return ErrInjectedSyncError
	case OpRename:
		return ErrInjectedRenameError
	default:
		return ErrInjectedWriteError
	}
}

// fault fails an operation on paths matching pattern once skip matching
// calls have gone through. pattern is a filepath.Match pattern applied to
// the base name, or "" for every path.
type fault struct {
	op      Op
	pattern string
	skip    int
}

func (f *fault) matches(op Op, name string) bool {
	if f.op != op {
		return false
	}
	if f.pattern == "" {
		return true
	}
	ok, _ := filepath.Match(f.pattern, filepath.Base(name))
	return ok
}

// FaultInjectionFS wraps an FS and fails selected operations.
// It also records every file created through it so tests can check that
// abandoned outputs were cleaned up.
//
// Reference: RocksDB v10.7.5 utilities/fault_injection_fs.h
type FaultInjectionFS struct {
	base FS

	mu      sync.Mutex
	faults  []*fault
	created map[string]struct{}
	removed []string
}

// NewFaultInjectionFS wraps base.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:    base,
		created: make(map[string]struct{}),
	}
}

// Inject fails op on files whose base name matches pattern.
func (fs *FaultInjectionFS) Inject(op Op, pattern string) {
	fs.InjectAfter(op, pattern, 0)
}

// InjectAfter lets skip matching calls succeed before failing the rest.
func (fs *FaultInjectionFS) InjectAfter(op Op, pattern string, skip int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.faults = append(fs.faults, &fault{op: op, pattern: pattern, skip: skip})
}

// ClearErrors removes every injected fault.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.faults = nil
}

func (fs *FaultInjectionFS) check(op Op, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, f := range fs.faults {
		if !f.matches(op, name) {
			continue
		}
		if f.skip > 0 {
			f.skip--
			continue
		}
		return op.err()
	}
	return nil
}

// CreatedFiles returns the files created through fs that still exist.
func (fs *FaultInjectionFS) CreatedFiles() []string {
	fs.mu.Lock()
	names := make([]string, 0, len(fs.created))
	for name := range fs.created {
		names = append(names, name)
	}
	fs.mu.Unlock()
	names = slices.DeleteFunc(names, func(n string) bool { return !fs.base.Exists(n) })
	slices.Sort(names)
	return names
}

// RemovedFiles returns the files removed through fs in call order.
func (fs *FaultInjectionFS) RemovedFiles() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return slices.Clone(fs.removed)
}

// Create creates a writable file unless a create fault matches.
func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	if err := fs.check(OpCreate, name); err != nil {
		return nil, err
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	fs.created[name] = struct{}{}
	fs.mu.Unlock()
	return &faultWritableFile{base: f, fs: fs, name: name}, nil
}

// OpenRandomAccess opens name for reading unless an open fault matches.
func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	if err := fs.check(OpOpen, name); err != nil {
		return nil, err
	}
	f, err := fs.base.OpenRandomAccess(name)
	if err != nil {
		return nil, err
	}
	return &faultRandomAccessFile{base: f, fs: fs, name: name}, nil
}

// Rename renames oldname unless a rename fault matches either name.
func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	if err := fs.check(OpRename, oldname); err != nil {
		return err
	}
	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}
	fs.mu.Lock()
	if _, ok := fs.created[oldname]; ok {
		delete(fs.created, oldname)
		fs.created[newname] = struct{}{}
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.base.Remove(name); err != nil {
		return err
	}
	fs.mu.Lock()
	delete(fs.created, name)
	fs.removed = append(fs.removed, name)
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) RemoveAll(path string) error { return fs.base.RemoveAll(path) }

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) { return fs.base.Stat(name) }

func (fs *FaultInjectionFS) Exists(name string) bool { return fs.base.Exists(name) }

func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) { return fs.base.ListDir(path) }

func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) { return fs.base.Lock(name) }

func (fs *FaultInjectionFS) SyncDir(path string) error {
	if err := fs.check(OpSync, path); err != nil {
		return err
	}
	return fs.base.SyncDir(path)
}

type faultWritableFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	name string
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	if err := f.fs.check(OpWrite, f.name); err != nil {
		return 0, err
	}
	return f.base.Write(p)
}

func (f *faultWritableFile) Sync() error {
	if err := f.fs.check(OpSync, f.name); err != nil {
		return err
	}
	return f.base.Sync()
}

func (f *faultWritableFile) Close() error { return f.base.Close() }

func (f *faultWritableFile) Size() (int64, error) { return f.base.Size() }

type faultRandomAccessFile struct {
	base RandomAccessFile
	fs   *FaultInjectionFS
	name string
}

func (f *faultRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.fs.check(OpRead, f.name); err != nil {
		return 0, err
	}
	return f.base.ReadAt(p, off)
}

func (f *faultRandomAccessFile) Close() error { return f.base.Close() }

func (f *faultRandomAccessFile) Size() int64 { return f.base.Size() }
