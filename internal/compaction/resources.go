// resources.go implements the extra-thread reservation of round-robin
// subcompactions.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_job.cc (AcquireSubcompactionResources)
package compaction

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/aalhour/rockyardkv-compaction/internal/version"
)

// ResourceLedger is the process-wide budget of extra subcompaction threads.
// Every job draws from the same ledger, so concurrent jobs can never hold
// more than Capacity slots between them.
type ResourceLedger struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// NewResourceLedger returns a ledger with capacity slots.
func NewResourceLedger(capacity int) *ResourceLedger {
	capacity = max(capacity, 0)
	return &ResourceLedger{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// TryAcquire takes up to n slots without blocking and returns how many it
// got, possibly zero.
func (l *ResourceLedger) TryAcquire(n int) int {
	for k := int64(n); k > 0; k-- {
		if l.sem.TryAcquire(k) {
			l.inUse.Add(k)
			return int(k)
		}
	}
	return 0
}

// Release returns n slots.
func (l *ResourceLedger) Release(n int) {
	if n <= 0 {
		return
	}
	l.inUse.Add(-int64(n))
	l.sem.Release(int64(n))
}

// InUse returns the slots currently held by all jobs.
func (l *ResourceLedger) InUse() int { return int(l.inUse.Load()) }

// Capacity returns the ceiling of the ledger.
func (l *ResourceLedger) Capacity() int { return int(l.capacity) }

// Reservation is one job's share of the ledger and of the background
// counters. Every method requires the DBMutex.
//
// Reference: RocksDB v10.7.5 CompactionJob::AcquireSubcompactionResources,
// ShrinkSubcompactionResources, ReleaseSubcompactionResources
type Reservation struct {
	mu       *version.DBMutex
	ledger   *ResourceLedger
	counters *version.BackgroundCounters
	bottom   bool

	extra    int
	released bool
}

// NewReservation returns an empty reservation. ledger and counters may be
// nil; a nil ledger grants whatever the counters allow.
func NewReservation(mu *version.DBMutex, ledger *ResourceLedger, counters *version.BackgroundCounters, bottom bool) *Reservation {
	return &Reservation{mu: mu, ledger: ledger, counters: counters, bottom: bottom}
}

// AcquireExtra asks for n more threads and returns how many were granted.
// It never blocks; a full pool grants zero.
func (r *Reservation) AcquireExtra(n int) int {
	r.mu.AssertHeld()
	if n <= 0 || r.released {
		return 0
	}
	want := n
	if r.counters != nil {
		want = min(want, r.counters.Available())
	}
	if want <= 0 {
		return 0
	}
	granted := want
	if r.ledger != nil {
		granted = r.ledger.TryAcquire(want)
	}
	r.adjustCounters(granted)
	r.extra += granted
	return granted
}

// Shrink keeps used extra threads and returns the rest.
func (r *Reservation) Shrink(used int) {
	r.mu.AssertHeld()
	used = max(used, 0)
	if used >= r.extra {
		return
	}
	r.release(r.extra - used)
}

// ReleaseAll returns every extra thread. Calls after the first do nothing.
func (r *Reservation) ReleaseAll() {
	r.mu.AssertHeld()
	if r.released {
		return
	}
	r.release(r.extra)
	r.released = true
}

// Extra returns the extra threads currently held.
func (r *Reservation) Extra() int { return r.extra }

func (r *Reservation) release(n int) {
	if n <= 0 {
		return
	}
	if r.ledger != nil {
		r.ledger.Release(n)
	}
	r.adjustCounters(-n)
	r.extra -= n
}

func (r *Reservation) adjustCounters(delta int) {
	if r.counters == nil {
		return
	}
	if r.bottom {
		r.counters.BottomScheduled += delta
	} else {
		r.counters.Scheduled += delta
	}
}
