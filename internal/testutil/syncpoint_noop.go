//go:build !synctest

// Package testutil holds sync points: named places in the compaction code
// where a test can observe, stall, reorder or fail execution.
//
// Without -tags synctest every call here is a no-op.
package testutil

// SP is a no-op in production builds.
func SP(_ string) error { return nil }

// SPArg is a no-op in production builds.
func SPArg(_ string, _ any) error { return nil }

// SyncPointManager is a stub; the real manager needs -tags synctest.
type SyncPointManager struct{}

// EnableSyncPoints returns nil in production builds.
func EnableSyncPoints() *SyncPointManager { return nil }

// DisableSyncPoints is a no-op in production builds.
func DisableSyncPoints() {}
