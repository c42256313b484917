// subcompaction.go implements Subcompactions - parallel compaction within
// a single job.
//
// Each subcompaction merges its key range of the inputs and writes its own
// output files. Subcompactions share no mutable state.
//
// Reference: RocksDB v10.7.5 db/compaction/subcompaction_state.h
package compaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/iterator"
	"github.com/aalhour/rockyardkv-compaction/internal/logging"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
	"github.com/aalhour/rockyardkv-compaction/internal/testutil"
)

// SubcompactionState is one independently executed slice of a job's key
// range. Only the goroutine running it touches it until the job joins.
//
// Reference: RocksDB v10.7.5 db/compaction/subcompaction_state.h
type SubcompactionState struct {
	Index int
	Range KeyRange

	// Status is nil on success. IOStatus keeps the I/O failure, if any,
	// apart from other failures.
	Status   error
	IOStatus error

	Stats  CompactionJobStats
	Micros uint64

	outputs         *CompactionOutputs
	proximalOutputs *CompactionOutputs

	// remoteDir is the worker's output directory, removed once emptied.
	remoteDir string
}

func newSubcompactionState(index int, r KeyRange, settings *outputFileSettings, created func(*Output, error)) *SubcompactionState {
	return &SubcompactionState{
		Index:           index,
		Range:           r,
		outputs:         newCompactionOutputs(settings, false, r, created),
		proximalOutputs: newCompactionOutputs(settings, true, r, created),
	}
}

// Outputs returns the files written to the output level.
func (s *SubcompactionState) Outputs() []*Output { return s.outputs.Outputs() }

// ProximalOutputs returns the files written to the proximal level.
func (s *SubcompactionState) ProximalOutputs() []*Output { return s.proximalOutputs.Outputs() }

// AllOutputs returns every file the subcompaction created, including
// unfinished ones.
func (s *SubcompactionState) AllOutputs() []*Output {
	out := make([]*Output, 0, len(s.outputs.outputs)+len(s.proximalOutputs.outputs))
	out = append(out, s.outputs.outputs...)
	return append(out, s.proximalOutputs.outputs...)
}

func (s *SubcompactionState) setStatus(err error) {
	s.Status = err
	if IsIOError(err) && s.IOStatus == nil {
		s.IOStatus = err
	}
}

// runParallel runs fn for every subcompaction. The first runs on the
// calling goroutine, the rest on their own; it returns once all are done.
func runParallel(subs []*SubcompactionState, fn func(*SubcompactionState)) {
	if len(subs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, sub := range subs[1:] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(sub)
		}()
	}
	fn(subs[0])
	wg.Wait()
}

// firstStatus returns the error of the lowest-index failed subcompaction.
func firstStatus(subs []*SubcompactionState) error {
	for _, sub := range subs {
		if sub.Status != nil {
			return sub.Status
		}
	}
	return nil
}

// runSubcompaction wraps one unit of work with tracing, timing and events.
func (j *Job) runSubcompaction(ctx context.Context, sub *SubcompactionState, work func(context.Context, *SubcompactionState) error) {
	ctx, span := j.tracer.Start(ctx, "compaction.subcompaction", trace.WithAttributes(
		attribute.Int("compaction.job_id", j.cfg.JobID),
		attribute.Int("compaction.subcompaction", sub.Index),
	))
	defer span.End()

	start := j.clock()
	j.listener.OnSubcompactionBegin(j.subcompactionInfo(sub))

	err := work(ctx, sub)
	sub.setStatus(err)
	sub.Micros = uint64(j.clock().Sub(start).Microseconds())

	if err != nil && !IsCancelled(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int64("compaction.input_records", int64(sub.Stats.NumInputRecords)),
		attribute.Int("compaction.output_files", len(sub.AllOutputs())),
	)
	j.listener.OnSubcompactionCompleted(j.subcompactionInfo(sub))
	j.logger.Debugf("%sjob %d subcompaction %d [%q, %q) done in %d us: %v",
		logging.NSSubcompact, j.cfg.JobID, sub.Index, sub.Range.Start, sub.Range.End, sub.Micros, err)
}

func (j *Job) subcompactionInfo(sub *SubcompactionState) *SubcompactionJobInfo {
	return &SubcompactionJobInfo{
		CFName:             j.c.ColumnFamilyName,
		JobID:              j.cfg.JobID,
		SubcompactionJobID: sub.Index,
		BaseInputLevel:     j.c.StartLevel(),
		OutputLevel:        j.c.OutputLevel,
		Status:             sub.Status,
		Stats:              sub.Stats,
		CompactionReason:   j.c.Reason,
	}
}

// processKeyValueCompaction merges the inputs overlapping sub's range and
// writes the surviving records.
//
// Reference: RocksDB v10.7.5 CompactionJob::ProcessKeyValueCompaction
func (j *Job) processKeyValueCompaction(ctx context.Context, sub *SubcompactionState) error {
	_ = testutil.SPArg(testutil.SPSubcompactionStart, sub.Index)
	iters, err := j.inputIterators(sub.Range)
	if err != nil {
		return err
	}
	ci := iterator.NewCompactionIterator(iterator.NewMergingIterator(iters...), iterator.CompactionIterOptions{
		Begin:              sub.Range.Start,
		End:                sub.Range.End,
		Snapshots:          j.c.Snapshots,
		Bottommost:         j.c.Bottommost,
		PreserveSeqnoAfter: j.preserveSeqnoAfter,
		RangeDel:           j.rangeDel,
	})

	routeProximal := j.c.SupportsProximalLevel()
	for ci.SeekToFirst(); ci.Valid(); ci.Next() {
		if err = j.checkCancelled(ctx); err != nil {
			break
		}
		if err = testutil.SPArg(testutil.SPSubcompactionRecord, sub.Index); err != nil {
			break
		}
		key := ci.Key()
		out := sub.outputs
		if routeProximal && dbformat.ExtractSequenceNumber(key) > j.proximalAfterSeqno {
			out = sub.proximalOutputs
		}
		if err = out.Add(key, ci.Value()); err != nil {
			break
		}
	}
	if err == nil {
		if ierr := ci.Error(); ierr != nil {
			err = classifyReadError("read input", ierr)
		}
	}
	sub.Stats.addIterStats(ci.Stats())

	switch {
	case err == nil:
	case IsCancelled(err):
		// Close what was written so the partial output is a valid table.
		_ = sub.outputs.Finish(false)
		_ = sub.proximalOutputs.Finish(false)
		return err
	default:
		sub.outputs.Abandon()
		sub.proximalOutputs.Abandon()
		return err
	}

	_ = testutil.SPArg(testutil.SPSubcompactionFinish, sub.Index)
	if err := sub.outputs.Finish(true); err != nil {
		sub.proximalOutputs.Abandon()
		return err
	}
	return sub.proximalOutputs.Finish(false)
}

// inputIterators opens an iterator on every input file overlapping r,
// start level first so newer data wins ties.
func (j *Job) inputIterators(r KeyRange) ([]iterator.Iterator, error) {
	var iters []iterator.Iterator
	for _, lf := range j.c.AllInputFiles() {
		if !fileOverlaps(lf.Meta, r) {
			continue
		}
		reader, err := j.tables.get(lf.Meta)
		if err != nil {
			return nil, err
		}
		iters = append(iters, reader.NewIterator())
	}
	return iters, nil
}

func fileOverlaps(f *manifest.FileMetaData, r KeyRange) bool {
	if r.End != nil && bytes.Compare(f.SmallestUserKey(), r.End) >= 0 {
		return false
	}
	return r.Start == nil || bytes.Compare(f.LargestUserKey(), r.Start) >= 0
}

func (j *Job) checkCancelled(ctx context.Context) error {
	if j.cfg.ShuttingDown != nil && j.cfg.ShuttingDown.Load() {
		return ErrShutdownInProgress
	}
	if j.c.cancelledManually() {
		return ErrManualCompactionPaused
	}
	if ctx.Err() != nil {
		return ErrShutdownInProgress
	}
	return nil
}

// classifyReadError maps reader failures onto the job's error taxonomy.
func classifyReadError(op string, err error) error {
	if err == nil || IsCorruption(err) || IsIOError(err) || IsCancelled(err) {
		return err
	}
	if errors.Is(err, table.ErrCorruption) ||
		errors.Is(err, dbformat.ErrKeyTooSmall) ||
		errors.Is(err, dbformat.ErrInvalidValueType) {
		return fmt.Errorf("%w: %s: %w", ErrCorruption, op, err)
	}
	return ioError(op, err)
}

// onOutputCreated reports a closed output to the listener.
func (j *Job) onOutputCreated(out *Output, err error) {
	info := &TableFileCreationInfo{
		CFName:   j.c.ColumnFamilyName,
		FilePath: out.Path,
		JobID:    j.cfg.JobID,
		Level:    j.c.OutputLevel,
		Status:   err,
	}
	if out.Proximal {
		info.Level = j.c.ProximalLevel
	}
	if out.Meta != nil {
		info.FileSize = out.Meta.FileSize
		info.NumEntries = out.Meta.NumEntries
	}
	j.listener.OnTableFileCreated(info)
}
