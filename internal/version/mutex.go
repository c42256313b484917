// mutex.go implements DBMutex, the mutex guarding versions and
// background counters.
package version

import (
	"sync"
	"sync/atomic"
)

// DBMutex is the metadata lock. Prepare and Install of every compaction
// and every VersionSet mutation run with it held.
//
// Reference: RocksDB v10.7.5 monitoring/instrumented_mutex.h
type DBMutex struct {
	mu   sync.Mutex
	held atomic.Bool
}

func (m *DBMutex) Lock() {
	m.mu.Lock()
	m.held.Store(true)
}

func (m *DBMutex) Unlock() {
	m.held.Store(false)
	m.mu.Unlock()
}

// AssertHeld panics when the lock is not held by anyone. It cannot tell
// which goroutine holds it.
func (m *DBMutex) AssertHeld() {
	if !m.held.Load() {
		panic("version: DBMutex not held")
	}
}
