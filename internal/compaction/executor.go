// executor.go implements local and remote execution of subcompactions.
//
// The remote executor hands each subcompaction to a Dispatcher, then moves
// the worker's outputs into the database under fresh file numbers.
//
// # Whitebox Testing Hooks
//
// This file contains sync points (requires -tags synctest).
package compaction

import (
	"context"
	"path/filepath"

	"github.com/aalhour/rockyardkv-compaction/internal/logging"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/testutil"
)

// Executor decides how a job's subcompactions run. Both implementations
// leave their outputs in the job's subcompaction states, so aggregation
// and install do not depend on where the work happened.
type Executor interface {
	execute(ctx context.Context, j *Job) error
	remote() bool
}

// LocalExecutor runs every subcompaction on its own goroutine in this
// process.
type LocalExecutor struct{}

func (LocalExecutor) execute(ctx context.Context, j *Job) error {
	runParallel(j.subcompactions, func(sub *SubcompactionState) {
		j.runSubcompaction(ctx, sub, j.processKeyValueCompaction)
	})
	return firstStatus(j.subcompactions)
}

func (LocalExecutor) remote() bool { return false }

// Dispatcher hands an encoded CompactionServiceInput to a worker and
// blocks until the worker returns an encoded CompactionServiceResult.
type Dispatcher interface {
	Dispatch(ctx context.Context, info CompactionServiceJobInfo, input []byte) ([]byte, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, info CompactionServiceJobInfo, input []byte) ([]byte, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, info CompactionServiceJobInfo, input []byte) ([]byte, error) {
	return f(ctx, info, input)
}

// RemoteExecutor sends each subcompaction to a worker through Dispatcher.
// Workers write into their own output directory; finished files are
// renamed into the database under fresh file numbers.
//
// Reference: RocksDB v10.7.5 db/compaction/compaction_service_job.cc
type RemoteExecutor struct {
	Dispatcher Dispatcher
}

func (e RemoteExecutor) execute(ctx context.Context, j *Job) error {
	runParallel(j.subcompactions, func(sub *SubcompactionState) {
		j.runSubcompaction(ctx, sub, func(ctx context.Context, sub *SubcompactionState) error {
			return j.runRemote(ctx, e.Dispatcher, sub)
		})
	})
	return firstStatus(j.subcompactions)
}

func (RemoteExecutor) remote() bool { return true }

func (j *Job) runRemote(ctx context.Context, d Dispatcher, sub *SubcompactionState) error {
	if err := j.checkCancelled(ctx); err != nil {
		return err
	}
	input := j.serviceInput(sub)
	j.logger.Infof("%sjob %d subcompaction %d: dispatching %d input files to L%d",
		logging.NSRemote, j.cfg.JobID, sub.Index, len(input.InputFiles), input.OutputLevel)

	_ = testutil.SPArg(testutil.SPRemoteBeforeDispatch, input)
	resp, err := d.Dispatch(ctx, j.serviceJobInfo(sub), input.Encode())
	if err != nil {
		if ctx.Err() != nil {
			return ErrShutdownInProgress
		}
		return ioError("remote dispatch", err)
	}
	result, err := DecodeCompactionServiceResult(resp)
	if err != nil {
		return err
	}
	sub.Stats.Add(&result.Stats)
	sub.remoteDir = result.OutputPath
	_ = testutil.SPArg(testutil.SPRemoteAfterResult, result)

	if !result.Status.OK() {
		// The worker may have left files behind; track them so Install
		// removes them.
		j.trackRemoteLeftovers(sub, result, result.OutputFiles)
		return result.Status.Err()
	}

	for i := range result.OutputFiles {
		f := &result.OutputFiles[i]
		number := j.vs.NewFileNumber()
		src := filepath.Join(result.OutputPath, f.FileName)
		dst := manifest.TableFileName(j.vs.DBName(), number)
		if err := j.fs.Rename(src, dst); err != nil {
			j.trackRemoteLeftovers(sub, result, result.OutputFiles[i:])
			return ioError("rename "+src, err)
		}
		out := &Output{
			Number:       number,
			Path:         dst,
			Meta:         f.ToFileMetaData(number),
			Props:        f.TableProperties,
			ParanoidHash: f.ParanoidHash,
		}
		j.remoteGroup(sub, f).addFinished(out)
		j.onOutputCreated(out, nil)
	}
	j.removeRemoteDir(sub)
	j.logger.Debugf("%sjob %d subcompaction %d: installed %d remote outputs from %s",
		logging.NSRemote, j.cfg.JobID, sub.Index, len(result.OutputFiles), result.OutputPath)
	return nil
}

// removeRemoteDir deletes the worker's output directory of sub after its
// files were renamed or discarded. A directory still holding files stays.
func (j *Job) removeRemoteDir(sub *SubcompactionState) {
	dir := sub.remoteDir
	sub.remoteDir = ""
	if dir == "" || filepath.Clean(dir) == filepath.Clean(j.vs.DBName()) {
		return
	}
	if err := j.fs.Remove(dir); err != nil && j.fs.Exists(dir) {
		j.logger.Warnf("%sjob %d subcompaction %d: remove %s: %v", logging.NSRemote, j.cfg.JobID, sub.Index, dir, err)
	}
}

func (j *Job) remoteGroup(sub *SubcompactionState, f *CompactionServiceOutputFile) *CompactionOutputs {
	if f.IsProximalLevelOutput {
		return sub.proximalOutputs
	}
	return sub.outputs
}

func (j *Job) trackRemoteLeftovers(sub *SubcompactionState, result *CompactionServiceResult, files []CompactionServiceOutputFile) {
	for i := range files {
		f := &files[i]
		j.remoteGroup(sub, f).addFinished(&Output{Path: filepath.Join(result.OutputPath, f.FileName)})
	}
}

// serviceInput describes sub for a worker. Single-unit jobs without
// bounds send no Begin or End.
func (j *Job) serviceInput(sub *SubcompactionState) *CompactionServiceInput {
	in := &CompactionServiceInput{
		ColumnFamilyName:  j.c.ColumnFamilyName,
		Snapshots:         j.c.Snapshots,
		OutputLevel:       j.c.OutputLevel,
		StartLevel:        j.c.StartLevel(),
		ProximalLevel:     j.c.ProximalLevel,
		Bottommost:        j.c.Bottommost,
		Reason:            j.c.Reason,
		DBID:              j.cfg.DBID,
		Begin:             sub.Range.Start,
		End:               sub.Range.End,
		OptionsFileNumber: j.cfg.OptionsFileNumber,
	}
	for _, lf := range j.c.AllInputFiles() {
		in.InputFiles = append(in.InputFiles, filepath.Base(manifest.TableFileName("", lf.Meta.Number)))
	}
	return in
}

func (j *Job) serviceJobInfo(sub *SubcompactionState) CompactionServiceJobInfo {
	return CompactionServiceJobInfo{
		DBName:             j.vs.DBName(),
		DBID:               j.cfg.DBID,
		DBSessionID:        j.cfg.DBSessionID,
		JobID:              j.cfg.JobID,
		SubcompactionIndex: sub.Index,
		Priority:           j.c.Priority,
		Reason:             j.c.Reason,
		IsManual:           j.c.IsManual,
		IsFullCompaction:   j.c.IsFullCompaction,
		BaseInputLevel:     j.c.StartLevel(),
		OutputLevel:        j.c.OutputLevel,
	}
}
