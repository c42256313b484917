// service_job.go implements ServiceJob, the worker side of a remote
// compaction.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aalhour/rockyardkv-compaction/internal/logging"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/options"
	"github.com/aalhour/rockyardkv-compaction/internal/testutil"
	"github.com/aalhour/rockyardkv-compaction/internal/version"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

// ServiceJobConfig configures the worker side of a remote compaction.
type ServiceJobConfig struct {
	// DBPath is the primary's database directory. Inputs, the MANIFEST and
	// the OPTIONS file are read from it.
	DBPath string
	// OutputPath receives the output tables.
	OutputPath string

	// DBSessionID identifies this worker in the unique ids of its outputs.
	DBSessionID string
	JobID       int

	FS           vfs.FS
	Logger       logging.Logger
	Tracer       trace.Tracer
	Listeners    []EventListener
	ShuttingDown *atomic.Bool
	Clock        func() time.Time
}

// ServiceJob runs one CompactionServiceInput on a worker as a single
// subcompaction. It never touches the primary's version state: outputs
// stay in OutputPath until the primary renames and installs them. The
// configured listeners see the job complete once Run returns.
//
// Reference: RocksDB v10.7.5 CompactionServiceCompactionJob
type ServiceJob struct {
	cfg   ServiceJobConfig
	input *CompactionServiceInput
	job   *Job
}

// NewServiceJob returns a worker job for input.
func NewServiceJob(input *CompactionServiceInput, cfg ServiceJobConfig) *ServiceJob {
	if cfg.FS == nil {
		cfg.FS = vfs.Default()
	}
	cfg.Logger = logging.OrDefault(cfg.Logger)
	return &ServiceJob{cfg: cfg, input: input}
}

// Job returns the underlying job once Run has built it.
func (s *ServiceJob) Job() *Job { return s.job }

// Run compacts the input and returns the result for the primary. The
// result's status always matches the returned error.
func (s *ServiceJob) Run(ctx context.Context) (*CompactionServiceResult, error) {
	result := &CompactionServiceResult{
		OutputLevel: s.input.OutputLevel,
		OutputPath:  s.cfg.OutputPath,
	}
	err := s.run(ctx, result)
	result.Status = StatusFromError(err)
	if err != nil && !IsCancelled(err) {
		s.cfg.Logger.Errorf("%sjob %d: %v", logging.NSWorker, s.cfg.JobID, err)
	}
	return result, err
}

func (s *ServiceJob) run(ctx context.Context, result *CompactionServiceResult) error {
	in := s.input
	_ = testutil.SPArg(testutil.SPServiceJobStart, in)
	if err := s.cfg.FS.MkdirAll(s.cfg.OutputPath, 0o755); err != nil {
		return ioError("create output path", err)
	}
	opts, err := s.loadOptions()
	if err != nil {
		return err
	}
	vs, err := s.recoverVersion()
	if err != nil {
		return err
	}
	inputs, err := resolveInputs(vs.Current(), in.InputFiles)
	if err != nil {
		return err
	}

	c := NewCompaction(in.ColumnFamilyName, inputs, in.OutputLevel, opts)
	if c.StartLevel() != in.StartLevel {
		return fmt.Errorf("%w: inputs start at L%d, job says L%d", ErrInvalidArgument, c.StartLevel(), in.StartLevel)
	}
	c.ProximalLevel = in.ProximalLevel
	c.Bottommost = in.Bottommost
	c.Reason = in.Reason
	c.Snapshots = slices.Clone(in.Snapshots)
	c.SingleSubcompaction = true
	if in.Begin != nil || in.End != nil {
		c.Bounds = &KeyRange{Start: in.Begin, End: in.End}
	}

	s.job = NewJob(c, JobConfig{
		JobID:        s.cfg.JobID,
		VersionSet:   vs,
		DBID:         in.DBID,
		DBSessionID:  s.cfg.DBSessionID,
		Naming:       NewDirOutputNaming(s.cfg.OutputPath),
		InputDir:     s.cfg.DBPath,
		FS:           s.cfg.FS,
		Logger:       s.cfg.Logger,
		Tracer:       s.cfg.Tracer,
		Listeners:    s.cfg.Listeners,
		ShuttingDown: s.cfg.ShuttingDown,
		Clock:        s.cfg.Clock,
	})
	mu := vs.Mutex()
	mu.Lock()
	err = s.job.Prepare()
	mu.Unlock()
	if err != nil {
		return err
	}

	runErr := s.job.Run(ctx)
	s.job.stats.IsRemoteCompaction = true
	s.fillResult(result, runErr == nil)

	mu.Lock()
	s.job.finish(runErr)
	mu.Unlock()
	return runErr
}

// loadOptions reads the OPTIONS file the primary named, or the newest one
// when it named none. A database without OPTIONS files compacts with
// defaults.
func (s *ServiceJob) loadOptions() (options.CompactionOptions, error) {
	path := options.OptionsFileName(s.cfg.DBPath, s.input.OptionsFileNumber)
	if s.input.OptionsFileNumber == 0 {
		latest, _, err := options.LatestOptionsFile(s.cfg.FS, s.cfg.DBPath)
		if errors.Is(err, options.ErrNoOptionsFile) {
			s.cfg.Logger.Warnf("%sjob %d: no OPTIONS file in %s, using defaults", logging.NSOptions, s.cfg.JobID, s.cfg.DBPath)
			return options.DefaultCompactionOptions(), nil
		}
		if err != nil {
			return options.CompactionOptions{}, ioError("list options", err)
		}
		path = latest
	}
	parsed, err := options.ReadOptionsFile(s.cfg.FS, path)
	if err != nil {
		if errors.Is(err, options.ErrInvalidOptionsFile) {
			return options.CompactionOptions{}, fmt.Errorf("%w: %s: %w", ErrCorruption, path, err)
		}
		return options.CompactionOptions{}, ioError("read "+path, err)
	}
	s.cfg.Logger.Debugf("%sjob %d: loaded %s", logging.NSOptions, s.cfg.JobID, path)
	return parsed.Compaction, nil
}

// recoverVersion rebuilds a private, read-only view of the primary's
// files from its newest MANIFEST.
func (s *ServiceJob) recoverVersion() (*version.VersionSet, error) {
	path, err := version.LatestManifest(s.cfg.FS, s.cfg.DBPath)
	if err != nil {
		return nil, ioError("find manifest", err)
	}
	edits, err := version.ReadManifest(s.cfg.FS, path)
	if err != nil {
		return nil, classifyReadError("read "+path, err)
	}
	vsOpts := version.DefaultVersionSetOptions(s.cfg.DBPath)
	vsOpts.FS = s.cfg.FS
	vsOpts.ColumnFamilyName = s.input.ColumnFamilyName
	vs := version.NewVersionSet(vsOpts)

	mu := vs.Mutex()
	mu.Lock()
	defer mu.Unlock()
	if err := vs.Recover(edits); err != nil {
		return nil, fmt.Errorf("%w: recover %s: %w", ErrCorruption, path, err)
	}
	return vs, nil
}

// resolveInputs finds every named file in v and groups them by level.
func resolveInputs(v *version.Version, names []string) ([]InputFiles, error) {
	byLevel := make(map[int][]*manifest.FileMetaData)
	var levels []int
	for _, name := range names {
		number, ok := manifest.ParseTableFileName(name)
		if !ok {
			return nil, fmt.Errorf("%w: bad input file name %q", ErrInvalidArgument, name)
		}
		level, meta := v.FindFile(number)
		if meta == nil {
			return nil, fmt.Errorf("%w: input file %s is not live", ErrInvalidArgument, name)
		}
		if _, seen := byLevel[level]; !seen {
			levels = append(levels, level)
		}
		byLevel[level] = append(byLevel[level], meta)
	}
	slices.Sort(levels)
	inputs := make([]InputFiles, 0, len(levels))
	for _, level := range levels {
		inputs = append(inputs, InputFiles{Level: level, Files: byLevel[level]})
	}
	return inputs, nil
}

// fillResult lists the outputs and copies the stats. On failure every
// file the job created is listed so the primary can remove it.
func (s *ServiceJob) fillResult(result *CompactionServiceResult, ok bool) {
	j := s.job
	for _, sub := range j.Subcompactions() {
		for _, out := range sub.AllOutputs() {
			if ok && !out.Finished() {
				continue
			}
			result.OutputFiles = append(result.OutputFiles, newServiceOutputFile(out))
		}
	}
	result.Stats = *j.Stats()
	result.InternalStats = *j.LevelStats()
	result.BytesRead = j.LevelStats().OutputLevelStats.BytesRead()
	result.BytesWritten = j.LevelStats().TotalBytesWritten()
	s.cfg.Logger.Infof("%sjob %d: %d output files in %s, %d bytes read, %d bytes written",
		logging.NSWorker, s.cfg.JobID, len(result.OutputFiles), s.cfg.OutputPath, result.BytesRead, result.BytesWritten)
}
