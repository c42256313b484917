// worker.go implements Worker which runs one ServiceJob per request.
package remote

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aalhour/rockyardkv-compaction/internal/compaction"
	"github.com/aalhour/rockyardkv-compaction/internal/logging"
	"github.com/aalhour/rockyardkv-compaction/internal/options"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// DBPath overrides the database directory named in each request. Set
	// it when the worker mounts the shared storage somewhere else.
	DBPath string

	// OutputRoot holds one output directory per request.
	OutputRoot string

	// MaxConcurrentJobs bounds the requests compacting at once; the rest
	// wait. Defaults to 1.
	MaxConcurrentJobs int

	// SessionID identifies the worker in the unique ids of its outputs.
	// Defaults to a fresh session id.
	SessionID string

	FS        vfs.FS
	Logger    logging.Logger
	Tracer    trace.Tracer
	Listeners []compaction.EventListener
}

// Worker runs remote compactions with compaction.ServiceJob.
type Worker struct {
	cfg          WorkerConfig
	logger       logging.Logger
	slots        *semaphore.Weighted
	shuttingDown atomic.Bool
	running      atomic.Int64
}

var _ CompactionServer = (*Worker)(nil)

// NewWorker returns a worker for cfg.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.SessionID == "" {
		cfg.SessionID = options.NewSessionID()
	}
	if cfg.FS == nil {
		cfg.FS = vfs.Default()
	}
	return &Worker{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
	}
}

// LockOutputRoot creates OutputRoot and takes its LOCK file, so a second
// worker configured with the same directory fails to start.
func (w *Worker) LockOutputRoot() (io.Closer, error) {
	if err := w.cfg.FS.MkdirAll(w.cfg.OutputRoot, 0o755); err != nil {
		return nil, err
	}
	lock, err := w.cfg.FS.Lock(filepath.Join(w.cfg.OutputRoot, "LOCK"))
	if err != nil {
		return nil, fmt.Errorf("lock output root %s: %w", w.cfg.OutputRoot, err)
	}
	return lock, nil
}

// Running returns the number of jobs compacting now.
func (w *Worker) Running() int { return int(w.running.Load()) }

// Shutdown makes running jobs stop at their next record and rejects new
// requests.
func (w *Worker) Shutdown() {
	w.shuttingDown.Store(true)
}

// Compact runs one request. Each request writes into a new directory under
// OutputRoot. The primary moves or removes the files listed in the result
// and then removes the directory.
func (w *Worker) Compact(ctx context.Context, info compaction.CompactionServiceJobInfo, data []byte) ([]byte, error) {
	if w.shuttingDown.Load() {
		return nil, status.Error(codes.Unavailable, "worker is shutting down")
	}
	in, err := compaction.DecodeCompactionServiceInput(data)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode input: %v", err)
	}
	if err := w.slots.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	defer w.slots.Release(1)
	w.running.Add(1)
	defer w.running.Add(-1)

	dbPath := w.cfg.DBPath
	if dbPath == "" {
		dbPath = info.DBName
	}
	outDir := filepath.Join(w.cfg.OutputRoot,
		fmt.Sprintf("job-%d-%d-%s", info.JobID, info.SubcompactionIndex, uuid.NewString()))
	w.logger.Infof("%sjob %d subcompaction %d from %s: %d input files, L%d -> L%d, output in %s",
		logging.NSWorker, info.JobID, info.SubcompactionIndex, info.DBSessionID,
		len(in.InputFiles), in.StartLevel, in.OutputLevel, outDir)

	sj := compaction.NewServiceJob(in, compaction.ServiceJobConfig{
		DBPath:       dbPath,
		OutputPath:   outDir,
		DBSessionID:  w.cfg.SessionID,
		JobID:        info.JobID,
		FS:           w.cfg.FS,
		Logger:       w.logger,
		Tracer:       w.cfg.Tracer,
		Listeners:    w.cfg.Listeners,
		ShuttingDown: &w.shuttingDown,
	})
	result, err := sj.Run(ctx)
	if err != nil {
		w.logger.Warnf("%sjob %d subcompaction %d: %v", logging.NSWorker, info.JobID, info.SubcompactionIndex, err)
	}
	return result.Encode(), nil
}
