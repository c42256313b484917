// counters.go implements BackgroundCounters, the scheduler's view of
// running compactions.
package version

// BackgroundCounters tracks scheduled background compactions. Every field
// is guarded by the DBMutex.
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl.h
// (bg_compaction_scheduled_, bg_bottom_compaction_scheduled_)
type BackgroundCounters struct {
	// Scheduled counts compactions running in the normal pool.
	Scheduled int
	// BottomScheduled counts compactions running in the bottom pool.
	BottomScheduled int
	// MaxCompactions is the configured concurrency of the compaction pools.
	MaxCompactions int
}

// Available returns how many more compactions the pools could run now.
func (c *BackgroundCounters) Available() int {
	return max(c.MaxCompactions-c.Scheduled-c.BottomScheduled, 0)
}
