package testutil

// Sync point names, "Component::Function:Location" as in RocksDB.
const (
	SPJobPrepareStart = "CompactionJob::Prepare:Start"
	SPJobPrepareDone  = "CompactionJob::Prepare:Done"
	SPJobRunStart     = "CompactionJob::Run:Start"
	SPJobRunDone      = "CompactionJob::Run:Done"

	// SPSubcompactionStart receives the subcompaction index as its argument.
	SPSubcompactionStart = "CompactionJob::ProcessKeyValueCompaction:Start"
	// SPSubcompactionRecord is hit before each record is written. An
	// injected error fails the subcompaction.
	SPSubcompactionRecord = "CompactionJob::ProcessKeyValueCompaction:Record"
	SPSubcompactionFinish = "CompactionJob::ProcessKeyValueCompaction:Finish"

	SPRemoteBeforeDispatch = "CompactionJob::RunRemote:BeforeDispatch"
	SPRemoteAfterResult    = "CompactionJob::RunRemote:AfterResult"

	SPInstallStart             = "CompactionJob::Install:Start"
	SPInstallBeforeLogAndApply = "CompactionJob::Install:BeforeLogAndApply"
	SPInstallDone              = "CompactionJob::Install:Done"

	SPServiceJobStart = "CompactionServiceJob::Run:Start"
)
