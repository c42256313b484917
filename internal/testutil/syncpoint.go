//go:build synctest

// Package testutil holds sync points: named places in the compaction code
// where a test can observe, stall, reorder or fail execution.
//
// Reference: RocksDB v10.7.5 test_util/sync_point.h
//
// Usage:
//
//	sp := testutil.EnableSyncPoints()
//	defer testutil.DisableSyncPoints()
//	sp.SetCallback(testutil.SPSubcompactionStart, func(arg any) error {
//	    started <- arg.(int)
//	    return nil
//	})
package testutil

import (
	"sync"
	"sync/atomic"
	"time"
)

// Callback runs when a sync point is hit. arg is whatever the caller passed
// to SPArg, or nil. A non-nil error is returned to the caller of SP.
type Callback func(arg any) error

// Dependency makes After wait until Before has been hit once.
type Dependency struct {
	Before string
	After  string
}

type injection struct {
	err   error
	after int64 // hits to let through first
}

// SyncPointManager holds the per-test configuration of every sync point.
type SyncPointManager struct {
	mu      sync.Mutex
	changed *sync.Cond

	callbacks  map[string][]Callback
	hits       map[string]int64
	blocked    map[string]bool
	injections map[string]injection
	waitsFor   map[string][]string
}

var (
	enabled atomic.Bool
	global  atomic.Pointer[SyncPointManager]
)

// NewSyncPointManager returns an empty manager.
func NewSyncPointManager() *SyncPointManager {
	sp := &SyncPointManager{
		callbacks:  make(map[string][]Callback),
		hits:       make(map[string]int64),
		blocked:    make(map[string]bool),
		injections: make(map[string]injection),
		waitsFor:   make(map[string][]string),
	}
	sp.changed = sync.NewCond(&sp.mu)
	return sp
}

// EnableSyncPoints installs a fresh manager for SP calls.
func EnableSyncPoints() *SyncPointManager {
	sp := NewSyncPointManager()
	global.Store(sp)
	enabled.Store(true)
	return sp
}

// DisableSyncPoints stops processing and releases every blocked caller.
func DisableSyncPoints() {
	enabled.Store(false)
	if sp := global.Swap(nil); sp != nil {
		sp.Reset()
	}
}

// SP processes the named sync point.
func SP(name string) error {
	return SPArg(name, nil)
}

// SPArg processes the named sync point, handing arg to its callbacks.
func SPArg(name string, arg any) error {
	if !enabled.Load() {
		return nil
	}
	sp := global.Load()
	if sp == nil {
		return nil
	}
	return sp.Process(name, arg)
}

// SetCallback adds cb to the callbacks of name.
func (sp *SyncPointManager) SetCallback(name string, cb Callback) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.callbacks[name] = append(sp.callbacks[name], cb)
}

// InjectError makes name return err on every hit.
func (sp *SyncPointManager) InjectError(name string, err error) {
	sp.InjectErrorAfter(name, 0, err)
}

// InjectErrorAfter lets n hits of name through, then returns err.
func (sp *SyncPointManager) InjectErrorAfter(name string, n int64, err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.injections[name] = injection{err: err, after: n}
}

// Block stalls callers of name until Unblock.
func (sp *SyncPointManager) Block(name string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.blocked[name] = true
}

// Unblock releases the callers stalled at name.
func (sp *SyncPointManager) Unblock(name string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	delete(sp.blocked, name)
	sp.changed.Broadcast()
}

// LoadDependencies orders sync points: each After waits for its Before.
func (sp *SyncPointManager) LoadDependencies(deps ...Dependency) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, d := range deps {
		sp.waitsFor[d.After] = append(sp.waitsFor[d.After], d.Before)
	}
}

// Hits returns how many times name was processed.
func (sp *SyncPointManager) Hits(name string) int64 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.hits[name]
}

// WaitForHits blocks until name has been hit n times or timeout passes.
func (sp *SyncPointManager) WaitForHits(name string, n int64, timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		sp.mu.Lock()
		sp.changed.Broadcast()
		sp.mu.Unlock()
	})
	defer timer.Stop()
	deadline := time.Now().Add(timeout)

	sp.mu.Lock()
	defer sp.mu.Unlock()
	for sp.hits[name] < n {
		if !time.Now().Before(deadline) {
			return false
		}
		sp.changed.Wait()
	}
	return true
}

// Reset drops all configuration and wakes every waiter.
func (sp *SyncPointManager) Reset() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.callbacks = make(map[string][]Callback)
	sp.hits = make(map[string]int64)
	sp.blocked = make(map[string]bool)
	sp.injections = make(map[string]injection)
	sp.waitsFor = make(map[string][]string)
	sp.changed.Broadcast()
}

// Process runs the sync point: wait for dependencies and blocks, count the
// hit, run callbacks, then return any injected error.
func (sp *SyncPointManager) Process(name string, arg any) error {
	sp.mu.Lock()
	for !sp.ready(name) {
		sp.changed.Wait()
	}
	sp.hits[name]++
	hit := sp.hits[name]
	callbacks := sp.callbacks[name]
	inj, injected := sp.injections[name]
	sp.changed.Broadcast()
	sp.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(arg); err != nil {
			return err
		}
	}
	if injected && hit > inj.after {
		return inj.err
	}
	return nil
}

// ready reports whether name may proceed. sp.mu must be held.
func (sp *SyncPointManager) ready(name string) bool {
	if sp.blocked[name] {
		return false
	}
	for _, before := range sp.waitsFor[name] {
		if sp.hits[before] == 0 {
			return false
		}
	}
	return true
}
