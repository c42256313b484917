package compaction

import (
	"sync"
	"testing"

	"github.com/aalhour/rockyardkv-compaction/internal/version"
)

func TestResourceLedgerTryAcquire(t *testing.T) {
	l := NewResourceLedger(4)
	if got := l.TryAcquire(3); got != 3 {
		t.Fatalf("TryAcquire(3) = %d, want 3", got)
	}
	if got := l.TryAcquire(3); got != 1 {
		t.Fatalf("TryAcquire(3) with 1 left = %d, want 1", got)
	}
	if got := l.TryAcquire(1); got != 0 {
		t.Fatalf("TryAcquire on a full ledger = %d, want 0", got)
	}
	if got := l.InUse(); got != 4 {
		t.Errorf("InUse() = %d, want 4", got)
	}
	l.Release(4)
	if got := l.InUse(); got != 0 {
		t.Errorf("InUse() after release = %d, want 0", got)
	}
}

func TestTwoJobsShareLedgerCeiling(t *testing.T) {
	mu := &version.DBMutex{}
	counters := &version.BackgroundCounters{MaxCompactions: 16, Scheduled: 2}
	ledger := NewResourceLedger(4)

	a := NewReservation(mu, ledger, counters, false)
	b := NewReservation(mu, ledger, counters, false)

	mu.Lock()
	ga := a.AcquireExtra(3)
	gb := b.AcquireExtra(3)
	mu.Unlock()

	if ga+gb > 4 {
		t.Fatalf("granted %d+%d, ceiling is 4", ga, gb)
	}
	if ga != 3 || gb != 1 {
		t.Errorf("granted %d and %d, want 3 and 1", ga, gb)
	}
	if got := ledger.InUse(); got != 4 {
		t.Errorf("ledger in use = %d, want 4", got)
	}
	if counters.Scheduled != 6 {
		t.Errorf("Scheduled = %d, want 6", counters.Scheduled)
	}

	mu.Lock()
	a.Shrink(1)
	a.ReleaseAll()
	a.ReleaseAll()
	b.ReleaseAll()
	mu.Unlock()

	if got := ledger.InUse(); got != 0 {
		t.Errorf("ledger in use after release = %d, want 0", got)
	}
	if counters.Scheduled != 2 {
		t.Errorf("Scheduled after release = %d, want 2", counters.Scheduled)
	}
}

func TestReservationBoundedByCounters(t *testing.T) {
	mu := &version.DBMutex{}
	counters := &version.BackgroundCounters{MaxCompactions: 3, Scheduled: 1, BottomScheduled: 1}
	r := NewReservation(mu, NewResourceLedger(8), counters, true)

	mu.Lock()
	defer mu.Unlock()
	if got := r.AcquireExtra(5); got != 1 {
		t.Fatalf("AcquireExtra(5) = %d, want 1", got)
	}
	if counters.BottomScheduled != 2 {
		t.Errorf("BottomScheduled = %d, want 2", counters.BottomScheduled)
	}
	if got := r.AcquireExtra(1); got != 0 {
		t.Errorf("AcquireExtra on exhausted pools = %d, want 0", got)
	}
	r.ReleaseAll()
	if counters.BottomScheduled != 1 {
		t.Errorf("BottomScheduled after release = %d, want 1", counters.BottomScheduled)
	}
	if got := r.AcquireExtra(1); got != 0 {
		t.Errorf("AcquireExtra after ReleaseAll = %d, want 0", got)
	}
}

func TestReservationShrink(t *testing.T) {
	mu := &version.DBMutex{}
	ledger := NewResourceLedger(4)
	r := NewReservation(mu, ledger, nil, false)

	mu.Lock()
	defer mu.Unlock()
	r.AcquireExtra(4)
	r.Shrink(1)
	if r.Extra() != 1 || ledger.InUse() != 1 {
		t.Errorf("after Shrink(1): extra %d, in use %d", r.Extra(), ledger.InUse())
	}
	r.Shrink(-3)
	if r.Extra() != 0 || ledger.InUse() != 0 {
		t.Errorf("after Shrink(-3): extra %d, in use %d", r.Extra(), ledger.InUse())
	}
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	mu := &version.DBMutex{}
	counters := &version.BackgroundCounters{MaxCompactions: 64}
	ledger := NewResourceLedger(5)

	var (
		wg      sync.WaitGroup
		peakMu  sync.Mutex
		peak    int
		granted int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := NewReservation(mu, ledger, counters, false)
			mu.Lock()
			got := r.AcquireExtra(2)
			mu.Unlock()

			peakMu.Lock()
			peak = max(peak, ledger.InUse())
			granted += got
			peakMu.Unlock()

			mu.Lock()
			r.ReleaseAll()
			mu.Unlock()
		}()
	}
	wg.Wait()
	if peak > 5 {
		t.Errorf("peak in use = %d, ceiling is 5", peak)
	}
	if granted == 0 {
		t.Errorf("no reservation was granted")
	}
	if ledger.InUse() != 0 || counters.Scheduled != 0 {
		t.Errorf("leaked: in use %d, scheduled %d", ledger.InUse(), counters.Scheduled)
	}
}
