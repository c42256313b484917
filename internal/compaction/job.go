// job.go implements Job which executes a single compaction.
//
// A Job plans subcompactions and reserves threads in Prepare, runs them
// and aggregates their stats in Run, and commits one version edit in
// Install.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_job.h
//   - db/compaction/compaction_job.cc
//
// # Whitebox Testing Hooks
//
// This file contains sync points (requires -tags synctest) for whitebox testing.
// In production builds, these compile to no-ops.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/logging"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/rangedel"
	"github.com/aalhour/rockyardkv-compaction/internal/seqnotime"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
	"github.com/aalhour/rockyardkv-compaction/internal/testutil"
	"github.com/aalhour/rockyardkv-compaction/internal/version"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

const tracerName = "github.com/aalhour/rockyardkv-compaction/internal/compaction"

// JobConfig holds the collaborators of a Job. VersionSet is required; the
// rest have defaults.
type JobConfig struct {
	JobID int

	VersionSet  *version.VersionSet
	DBID        string
	DBSessionID string

	// Ledger is the shared budget of extra subcompaction threads.
	Ledger *ResourceLedger

	// Executor runs the subcompactions. Defaults to LocalExecutor.
	Executor Executor

	// Naming places output files. Defaults to DBOutputNaming.
	Naming OutputNaming

	// InputDir holds the input tables. Defaults to the database directory.
	InputDir string

	// FS defaults to the version set's filesystem.
	FS vfs.FS

	Logger       logging.Logger
	Tracer       trace.Tracer
	Listeners    []EventListener
	ErrorHandler ErrorHandler

	// ShuttingDown is the process-wide stop flag. It may be nil.
	ShuttingDown *atomic.Bool

	Clock func() time.Time

	// OptionsFileNumber names the OPTIONS file remote workers load.
	OptionsFileNumber uint64
}

// Job runs one compaction.
//
//	j := compaction.NewJob(c, cfg)
//	mu.Lock()
//	err := j.Prepare()
//	mu.Unlock()
//	err = j.Run(ctx)
//	mu.Lock()
//	released, err := j.Install()
//	mu.Unlock()
//
// Reference: RocksDB v10.7.5 db/compaction/compaction_job.h
type Job struct {
	cfg      JobConfig
	c        *Compaction
	vs       *version.VersionSet
	mu       *version.DBMutex
	fs       vfs.FS
	logger   logging.Logger
	tracer   trace.Tracer
	listener listeners
	executor Executor
	naming   OutputNaming
	clock    func() time.Time

	reservation *Reservation
	tables      *tableCache
	rangeDel    *rangedel.CompactionAggregator
	settings    *outputFileSettings

	seqnoToTime        *seqnotime.Mapping
	preserveSeqnoAfter dbformat.SequenceNumber
	proximalAfterSeqno dbformat.SequenceNumber

	boundaries     [][]byte
	subcompactions []*SubcompactionState

	stats             CompactionJobStats
	levelStats        CompactionStatsFull
	numInputRangeDels uint64
	status            error
	ioStatus          error

	prepared  bool
	ran       bool
	installed bool
	discarded bool
}

// NewJob returns a job for c.
func NewJob(c *Compaction, cfg JobConfig) *Job {
	j := &Job{
		cfg:                cfg,
		c:                  c,
		vs:                 cfg.VersionSet,
		mu:                 cfg.VersionSet.Mutex(),
		fs:                 cfg.FS,
		logger:             logging.OrDefault(cfg.Logger),
		tracer:             cfg.Tracer,
		listener:           listeners(cfg.Listeners),
		executor:           cfg.Executor,
		naming:             cfg.Naming,
		clock:              cfg.Clock,
		preserveSeqnoAfter: dbformat.MaxSequenceNumber,
		proximalAfterSeqno: dbformat.MaxSequenceNumber,
	}
	if j.fs == nil {
		j.fs = j.vs.FS()
	}
	if j.tracer == nil {
		j.tracer = otel.Tracer(tracerName)
	}
	if j.executor == nil {
		j.executor = LocalExecutor{}
	}
	if j.naming == nil {
		j.naming = DBOutputNaming{VersionSet: j.vs}
	}
	if j.clock == nil {
		j.clock = time.Now
	}
	dir := cfg.InputDir
	if dir == "" {
		dir = j.vs.DBName()
	}
	j.tables = newTableCache(j.fs, dir)
	return j
}

// Compaction returns the compaction the job runs.
func (j *Job) Compaction() *Compaction { return j.c }

// Subcompactions returns the planned units. Valid after Prepare.
func (j *Job) Subcompactions() []*SubcompactionState { return j.subcompactions }

// Boundaries returns the cut points chosen by Prepare.
func (j *Job) Boundaries() [][]byte { return j.boundaries }

// Stats returns the job counters. Final after Run.
func (j *Job) Stats() *CompactionJobStats { return &j.stats }

// LevelStats returns the per-level counters. Final after Run.
func (j *Job) LevelStats() *CompactionStatsFull { return &j.levelStats }

// Status returns the outcome of Run.
func (j *Job) Status() error { return j.status }

// IOStatus returns the first I/O failure seen by Run, if any.
func (j *Job) IOStatus() error { return j.ioStatus }

// Reservation returns the job's share of the thread budget.
func (j *Job) Reservation() *Reservation { return j.reservation }

// SeqnoThresholds returns the sequence numbers above which records keep
// their seqno and go to the proximal level, respectively.
func (j *Job) SeqnoThresholds() (preserveAfter, proximalAfter dbformat.SequenceNumber) {
	return j.preserveSeqnoAfter, j.proximalAfterSeqno
}

// Prepare plans the subcompactions and reserves threads for them. The
// DBMutex must be held.
//
// Reference: RocksDB v10.7.5 CompactionJob::Prepare
func (j *Job) Prepare() error {
	j.mu.AssertHeld()
	if j.prepared {
		return fmt.Errorf("%w: job %d already prepared", ErrInvalidArgument, j.cfg.JobID)
	}
	if j.c.NumInputFiles() == 0 {
		return fmt.Errorf("%w: compaction has no input files", ErrInvalidArgument)
	}
	_ = testutil.SP(testutil.SPJobPrepareStart)
	_, span := j.tracer.Start(context.Background(), "compaction.prepare", trace.WithAttributes(
		attribute.Int("compaction.job_id", j.cfg.JobID),
		attribute.Int("compaction.input_files", j.c.NumInputFiles()),
		attribute.Int("compaction.output_level", j.c.OutputLevel),
	))
	defer span.End()

	j.c.Options.Sanitize()
	j.c.MarkFilesBeingCompacted(true)
	j.reservation = NewReservation(j.mu, j.cfg.Ledger, j.vs.Counters(), j.c.Priority == PriorityBottom)
	j.rangeDel = rangedel.NewCompactionAggregator(j.c.Snapshots)
	j.prepareTimes()
	j.settings = j.newOutputSettings()

	j.boundaries = j.genSubcompactionBoundaries()
	planned := len(j.boundaries) + 1
	j.reservation.Shrink(planned - j.c.Options.MaxSubcompactions)

	for i, r := range SplitRanges(j.boundaries, j.c.Bounds) {
		j.subcompactions = append(j.subcompactions, newSubcompactionState(i, r, j.settings, j.onOutputCreated))
	}
	j.prepared = true

	span.SetAttributes(
		attribute.Int("compaction.subcompactions", planned),
		attribute.Int("compaction.extra_threads", j.reservation.Extra()),
	)
	j.logCompaction()
	_ = testutil.SP(testutil.SPJobPrepareDone)
	return nil
}

// genSubcompactionBoundaries picks the cut points. Round-robin compactions
// may borrow extra threads so every start-level file gets its own unit.
func (j *Job) genSubcompactionBoundaries() [][]byte {
	if j.c.Bounds != nil || j.c.SingleSubcompaction {
		return nil
	}
	maxSubs := j.c.Options.MaxSubcompactions
	if j.c.usesRoundRobin() {
		if want := len(j.c.StartLevelFiles()); want > maxSubs {
			maxSubs += j.reservation.AcquireExtra(want - maxSubs)
		}
		return RoundRobinBoundaries(j.c.StartLevelFiles(), maxSubs)
	}
	var files []*manifest.FileMetaData
	for _, lf := range j.c.AllInputFiles() {
		files = append(files, lf.Meta)
	}
	return GenerateBoundaries(files, maxSubs, tableSizer{lookup: func(f *manifest.FileMetaData) (offsetSource, error) {
		return j.tables.get(f)
	}})
}

// prepareTimes gathers the seqno to time samples of every input and
// derives the seqno thresholds for zeroing and for the proximal level.
//
// Reference: RocksDB v10.7.5 CompactionJob::PrepareTimes
func (j *Job) prepareTimes() {
	m := seqnotime.New(0)
	for _, lf := range j.c.AllInputFiles() {
		if r, err := j.tables.get(lf.Meta); err == nil {
			if enc := r.Properties().SeqnoToTime; enc != "" {
				if fm, err := seqnotime.Decode([]byte(enc), 0); err == nil {
					m.AddAll(fm)
				}
			}
		}
		if lf.Meta.OldestAncestorTime != manifest.UnknownOldestAncestorTime {
			m.Add(lf.Meta.SmallestSeqno, lf.Meta.OldestAncestorTime)
		}
	}
	m.Sort()
	j.seqnoToTime = m

	o := &j.c.Options
	keep := max(o.PreserveInternalTimeSeconds, o.PrecludeLastLevelDataSeconds)
	if keep == 0 {
		return
	}
	now := uint64(j.clock().Unix())
	precludeMin := dbformat.MaxSequenceNumber
	if o.PrecludeLastLevelDataSeconds > 0 && now > o.PrecludeLastLevelDataSeconds {
		precludeMin = m.ProximalSeqnoBeforeTime(now - o.PrecludeLastLevelDataSeconds)
	}
	if now > keep {
		j.preserveSeqnoAfter = m.ProximalSeqnoBeforeTime(now - keep)
	}
	// Precluded data keeps its seqno too.
	j.preserveSeqnoAfter = min(j.preserveSeqnoAfter, precludeMin)
	if j.c.SupportsProximalLevel() {
		j.proximalAfterSeqno = precludeMin
	}
}

func (j *Job) newOutputSettings() *outputFileSettings {
	o := &j.c.Options
	oldest := uint64(j.clock().Unix())
	var epoch uint64
	for _, lf := range j.c.AllInputFiles() {
		if t := lf.Meta.OldestAncestorTime; t != manifest.UnknownOldestAncestorTime && t < oldest {
			oldest = t
		}
		if e := lf.Meta.EpochNumber; e != manifest.UnknownEpochNumber && (epoch == 0 || e < epoch) {
			epoch = e
		}
	}
	s := &outputFileSettings{
		fs:     j.fs,
		naming: j.naming,
		writerOpts: table.WriterOptions{
			BlockSize:        o.BlockSize,
			Compression:      o.Compression,
			ChecksumType:     o.ChecksumType,
			ColumnFamilyName: j.c.ColumnFamilyName,
			DBID:             j.cfg.DBID,
			DBSessionID:      j.cfg.DBSessionID,
		},
		targetSize:         j.c.MaxOutputFileSize(),
		temperature:        j.c.OutputTemperature(),
		bottommost:         j.c.Bottommost,
		paranoid:           o.ParanoidFileChecks,
		dbID:               j.cfg.DBID,
		dbSessionID:        j.cfg.DBSessionID,
		oldestAncestorTime: oldest,
		epochNumber:        epoch,
		rangeDel:           j.rangeDel,
		clock:              j.clock,
	}
	if !j.seqnoToTime.Empty() {
		s.seqnoToTime = &seqnoTimeSource{m: j.seqnoToTime}
	}
	return s
}

// Run executes the subcompactions and aggregates their results. It must
// be called without the DBMutex. The extra threads reserved by Prepare are
// returned before Run returns, whatever the outcome.
//
// Reference: RocksDB v10.7.5 CompactionJob::Run
func (j *Job) Run(ctx context.Context) error {
	if !j.prepared {
		return ErrNotPrepared
	}
	if j.ran {
		return fmt.Errorf("%w: job %d already ran", ErrInvalidArgument, j.cfg.JobID)
	}
	j.ran = true
	_ = testutil.SP(testutil.SPJobRunStart)

	ctx, span := j.tracer.Start(ctx, "compaction.run", trace.WithAttributes(
		attribute.Int("compaction.job_id", j.cfg.JobID),
		attribute.Int("compaction.subcompactions", len(j.subcompactions)),
		attribute.Bool("compaction.remote", j.executor.remote()),
	))
	defer span.End()
	defer func() {
		j.mu.Lock()
		j.reservation.ReleaseAll()
		j.mu.Unlock()
	}()
	defer j.tables.closeAll()

	start := j.clock()
	err := j.run(ctx)
	elapsed := uint64(j.clock().Sub(start).Microseconds())
	j.stats.ElapsedMicros = elapsed
	j.levelStats.OutputLevelStats.Micros = elapsed

	j.status = err
	j.ioStatus = j.firstIOStatus(err)
	if err != nil && !IsCancelled(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if j.cfg.ErrorHandler != nil && (IsIOError(err) || IsCorruption(err)) {
			j.cfg.ErrorHandler.SetBGError(err, BackgroundErrorCompaction)
		}
	}
	j.logRunSummary()
	_ = testutil.SP(testutil.SPJobRunDone)
	return err
}

func (j *Job) run(ctx context.Context) error {
	props := make(map[uint64]table.Properties, j.c.NumInputFiles())
	for _, lf := range j.c.AllInputFiles() {
		r, err := j.tables.get(lf.Meta)
		if err != nil {
			return err
		}
		props[lf.Meta.Number] = r.Properties()
		ts, err := r.RangeTombstones()
		if err != nil {
			return classifyReadError("read range tombstones", err)
		}
		j.rangeDel.Add(ts)
	}
	j.numInputRangeDels = BuildStatsFromInputTableProperties(j.c, props, &j.levelStats.OutputLevelStats)

	err := j.executor.execute(ctx, j)
	j.aggregate()

	if err == nil && j.c.Options.VerifyRecordCount && j.c.Bounds == nil {
		err = VerifyInputRecordCount(&j.levelStats.OutputLevelStats, j.stats.NumInputRecords)
	}
	return err
}

// aggregate sums the subcompactions into the job and level stats.
func (j *Job) aggregate() {
	var busy uint64
	for _, sub := range j.subcompactions {
		j.stats.Add(&sub.Stats)
		j.levelStats.OutputLevelStats.addOutputs(sub.outputs.Stats())
		if sub.proximalOutputs.HasOutput() {
			j.levelStats.HasProximalLevelOutput = true
			j.levelStats.ProximalLevelStats.addOutputs(sub.proximalOutputs.Stats())
		}
		busy += sub.Micros
	}
	j.levelStats.OutputLevelStats.CPUMicros = busy
	j.levelStats.OutputLevelStats.Count = 1
	j.levelStats.OutputLevelStats.NumDroppedRecords = j.levelStats.DroppedRecords()
	j.stats.CPUMicros = busy
	j.stats.NumSubcompactions = uint64(len(j.subcompactions))
	j.stats.IsFullCompaction = j.c.IsFullCompaction
	j.stats.IsManualCompaction = j.c.IsManual
	j.stats.IsRemoteCompaction = j.executor.remote()

	UpdateCompactionJobInputStats(&j.levelStats, &j.stats)
	UpdateCompactionJobOutputStats(&j.levelStats, &j.stats)
}

func (j *Job) firstIOStatus(err error) error {
	for _, sub := range j.subcompactions {
		if sub.IOStatus != nil {
			return sub.IOStatus
		}
	}
	if IsIOError(err) {
		return err
	}
	return nil
}

// Install replaces the inputs with the outputs in one version edit, or
// removes the outputs when the job failed. The DBMutex must be held.
// released reports whether this call released the input files for other
// compactions; it is false only when the job was already installed.
//
// Reference: RocksDB v10.7.5 CompactionJob::Install
func (j *Job) Install() (released bool, err error) {
	j.mu.AssertHeld()
	if !j.prepared {
		return false, ErrNotPrepared
	}
	if j.installed {
		return false, ErrAlreadyInstalled
	}
	j.installed = true
	_ = testutil.SP(testutil.SPInstallStart)

	_, span := j.tracer.Start(context.Background(), "compaction.install", trace.WithAttributes(
		attribute.Int("compaction.job_id", j.cfg.JobID),
	))
	defer span.End()

	status := j.status
	if !j.ran {
		status = fmt.Errorf("%w: job %d installed before running", ErrAborted, j.cfg.JobID)
	}
	var edit *manifest.VersionEdit
	if status == nil {
		edit = j.buildEdit()
		_ = testutil.SP(testutil.SPInstallBeforeLogAndApply)
		if err := j.vs.LogAndApply(edit); err != nil {
			status = err
			if errors.Is(err, version.ErrManifestWrite) {
				status = ioError("install", err)
				if j.cfg.ErrorHandler != nil {
					j.cfg.ErrorHandler.SetBGError(status, BackgroundErrorManifestWrite)
				} else {
					j.logger.Fatalf("%sjob %d: MANIFEST write failed: %v", logging.NSInstall, j.cfg.JobID, status)
				}
			}
		}
	}

	if status != nil {
		j.discardOutputs(status)
		span.SetStatus(codes.Error, status.Error())
		j.logger.Warnf("%sjob %d: not installed, %d output files discarded: %v",
			logging.NSInstall, j.cfg.JobID, len(j.allOutputs()), status)
	} else {
		j.logger.Infof("%sjob %d: installed version %d: %d files deleted, %d files added",
			logging.NSInstall, j.cfg.JobID, j.vs.Current().Number(), len(edit.DeletedFiles), len(edit.NewFiles))
		j.logger.Debugf("%s%s", logging.NSInstall, edit.DebugString())
	}

	j.finish(status)
	_ = testutil.SP(testutil.SPInstallDone)
	return true, status
}

// finish returns the extra threads, releases the inputs and reports the
// job completed. Workers call it in place of Install. The DBMutex must be
// held.
func (j *Job) finish(status error) {
	j.mu.AssertHeld()
	j.reservation.ReleaseAll()
	j.c.MarkFilesBeingCompacted(false)
	j.listener.OnCompactionCompleted(j.jobInfo(status))
}

// buildEdit removes every input and adds every finished output.
func (j *Job) buildEdit() *manifest.VersionEdit {
	edit := manifest.NewVersionEdit(j.c.ColumnFamilyName)
	j.c.AddInputDeletions(edit)
	for _, sub := range j.subcompactions {
		for _, out := range sub.Outputs() {
			edit.AddFile(j.c.OutputLevel, out.Meta)
		}
		for _, out := range sub.ProximalOutputs() {
			edit.AddFile(j.c.ProximalLevel, out.Meta)
		}
	}
	return edit
}

func (j *Job) allOutputs() []*Output {
	var out []*Output
	for _, sub := range j.subcompactions {
		out = append(out, sub.AllOutputs()...)
	}
	return out
}

// discardOutputs removes every file the job created. Files that were
// never created are skipped.
func (j *Job) discardOutputs(reason error) {
	if j.discarded {
		return
	}
	j.discarded = true
	for _, out := range j.allOutputs() {
		if !j.fs.Exists(out.Path) {
			continue
		}
		err := j.fs.Remove(out.Path)
		if err != nil {
			j.logger.Warnf("%sjob %d: remove %s: %v", logging.NSInstall, j.cfg.JobID, out.Path, err)
		}
		j.listener.OnTableFileDeleted(&TableFileDeletionInfo{FilePath: out.Path, JobID: j.cfg.JobID, Status: err})
	}
	for _, sub := range j.subcompactions {
		j.removeRemoteDir(sub)
	}
}

func (j *Job) jobInfo(status error) *CompactionJobInfo {
	info := &CompactionJobInfo{
		CFName:           j.c.ColumnFamilyName,
		Status:           status,
		JobID:            j.cfg.JobID,
		BaseInputLevel:   j.c.StartLevel(),
		OutputLevel:      j.c.OutputLevel,
		CompactionReason: j.c.Reason,
		Stats:            j.stats,
		LevelStats:       j.levelStats,
	}
	for _, lf := range j.c.AllInputFiles() {
		info.InputFiles = append(info.InputFiles, lf.Meta.Number)
	}
	if status == nil {
		for _, out := range j.allOutputs() {
			info.OutputFiles = append(info.OutputFiles, out.Number)
		}
	}
	return info
}

// logCompaction mirrors RocksDB's "Compacting N files" line.
func (j *Job) logCompaction() {
	var sb strings.Builder
	for i, in := range j.c.Inputs {
		if i > 0 {
			sb.WriteString(" + ")
		}
		fmt.Fprintf(&sb, "%d@%d", len(in.Files), in.Level)
	}
	smallest, largest := j.c.KeyRange()
	j.logger.Infof("%sjob %d: [%s] compacting %s files to L%d, keys [%q, %q], reason %s, %d subcompactions (%d extra threads)",
		logging.NSCompact, j.cfg.JobID, j.c.ColumnFamilyName, sb.String(), j.c.OutputLevel,
		smallest, largest, j.c.Reason, len(j.subcompactions), j.reservation.Extra())
}

func (j *Job) logRunSummary() {
	status := "OK"
	if j.status != nil {
		status = j.status.Error()
	}
	s := &j.levelStats.OutputLevelStats
	j.logger.Infof("%sjob %d: [%s] compacted to L%d: %s, proximal out(%d), %d subcompactions, %.3f s, status: %s",
		logging.NSCompact, j.cfg.JobID, j.c.ColumnFamilyName, j.c.OutputLevel, s,
		j.levelStats.ProximalLevelStats.NumOutputFiles, len(j.subcompactions),
		float64(j.stats.ElapsedMicros)/1e6, status)
}

// tableCache keeps the input readers of one job open between Prepare and
// the end of Run.
type tableCache struct {
	fs  vfs.FS
	dir string

	mu      sync.Mutex
	readers map[uint64]*table.Reader
}

func newTableCache(fs vfs.FS, dir string) *tableCache {
	return &tableCache{fs: fs, dir: dir, readers: make(map[uint64]*table.Reader)}
}

func (tc *tableCache) get(f *manifest.FileMetaData) (*table.Reader, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if r, ok := tc.readers[f.Number]; ok {
		return r, nil
	}
	path := manifest.TableFileName(tc.dir, f.Number)
	r, err := table.OpenFile(tc.fs, path)
	if err != nil {
		return nil, classifyReadError("open "+path, err)
	}
	tc.readers[f.Number] = r
	return r, nil
}

func (tc *tableCache) closeAll() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for n, r := range tc.readers {
		_ = r.Close()
		delete(tc.readers, n)
	}
}

// seqnoTimeSource hands each output the samples covering its seqnos. The
// mapping is sorted in Prepare and only read afterwards.
type seqnoTimeSource struct {
	m *seqnotime.Mapping
}

func (s *seqnoTimeSource) encodeRange(from, to dbformat.SequenceNumber) []byte {
	return s.m.SubRange(from, to).Encode()
}
