// outputs.go implements CompactionOutputs, the output files of one
// subcompaction.
//
// Reference: RocksDB v10.7.5 db/compaction/compaction_outputs.h
package compaction

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/rangedel"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
	"github.com/aalhour/rockyardkv-compaction/internal/version"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

// OutputNaming decides where output tables are written.
type OutputNaming interface {
	// NewOutputFile allocates a file number and returns the path to write
	// it at.
	NewOutputFile() (number uint64, path string)
	// Dir is the directory outputs land in.
	Dir() string
}

// DBOutputNaming numbers outputs from the version set and writes them
// straight into the database directory.
type DBOutputNaming struct {
	VersionSet *version.VersionSet
}

func (n DBOutputNaming) NewOutputFile() (uint64, string) {
	num := n.VersionSet.NewFileNumber()
	return num, manifest.TableFileName(n.VersionSet.DBName(), num)
}

func (n DBOutputNaming) Dir() string { return n.VersionSet.DBName() }

// DirOutputNaming numbers outputs on its own and writes them into a
// scratch directory. Remote workers use it; the initiating side renames
// the files into the database under its own numbers.
type DirOutputNaming struct {
	Path string
	next atomic.Uint64
}

// NewDirOutputNaming returns a naming policy for path whose first file is
// number 1.
func NewDirOutputNaming(path string) *DirOutputNaming {
	n := &DirOutputNaming{Path: path}
	n.next.Store(1)
	return n
}

func (n *DirOutputNaming) NewOutputFile() (uint64, string) {
	num := n.next.Add(1) - 1
	return num, manifest.TableFileName(n.Path, num)
}

func (n *DirOutputNaming) Dir() string { return n.Path }

// Output is one table written by a subcompaction. Meta is nil until the
// file is finished.
type Output struct {
	Number   uint64
	Path     string
	Meta     *manifest.FileMetaData
	Props    table.Properties
	Proximal bool

	// ParanoidHash covers every point key and value written, when output
	// verification is on.
	ParanoidHash uint64
}

// Finished reports whether the file was completed.
func (o *Output) Finished() bool { return o.Meta != nil }

// outputFileSettings are shared by every output of a job.
type outputFileSettings struct {
	fs          vfs.FS
	naming      OutputNaming
	writerOpts  table.WriterOptions
	targetSize  uint64
	temperature manifest.Temperature
	bottommost  bool
	paranoid    bool

	dbID        string
	dbSessionID string

	oldestAncestorTime uint64
	epochNumber        uint64
	seqnoToTime        *seqnoTimeSource
	rangeDel           *rangedel.CompactionAggregator
	clock              func() time.Time
}

// CompactionOutputs rolls output tables for one destination of one
// subcompaction, either the output level or the proximal level.
//
// Reference: RocksDB v10.7.5 db/compaction/compaction_outputs.h
type CompactionOutputs struct {
	settings *outputFileSettings
	proximal bool

	// fileStart is the first user key the open file may claim; nil is the
	// start of the subcompaction range.
	fileStart []byte
	rangeEnd  []byte

	outputs []*Output
	current *Output
	writer  *table.Writer
	meta    *manifest.FileMetaData
	lastKey []byte
	hasher  *xxh3.Hasher

	stats   CompactionStats
	created func(*Output, error)
}

func newCompactionOutputs(settings *outputFileSettings, proximal bool, r KeyRange, created func(*Output, error)) *CompactionOutputs {
	return &CompactionOutputs{
		settings:  settings,
		proximal:  proximal,
		fileStart: r.Start,
		rangeEnd:  r.End,
		created:   created,
	}
}

// Outputs returns every file this group created, finished or not.
func (o *CompactionOutputs) Outputs() []*Output { return o.outputs }

// Stats returns the output side of the level stats.
func (o *CompactionOutputs) Stats() *CompactionStats { return &o.stats }

// HasOutput reports whether any file was created.
func (o *CompactionOutputs) HasOutput() bool { return len(o.outputs) > 0 }

// Add appends one record, cutting the open file first when it has reached
// the target size and the user key changes.
func (o *CompactionOutputs) Add(ikey, value []byte) error {
	userKey := dbformat.ExtractUserKey(ikey)
	if o.writer != nil && o.writer.EstimatedFileSize() >= o.settings.targetSize &&
		!bytes.Equal(userKey, o.lastKey) {
		if err := o.finishFile(userKey); err != nil {
			return err
		}
	}
	if o.writer == nil {
		if err := o.openFile(); err != nil {
			return err
		}
	}
	if err := o.writer.Add(ikey, value); err != nil {
		return ioError("add to "+o.current.Path, err)
	}
	o.meta.UpdateBoundaries(ikey, dbformat.ExtractSequenceNumber(ikey))
	if o.hasher != nil {
		_, _ = o.hasher.Write(ikey)
		_, _ = o.hasher.Write(value)
	}
	o.lastKey = append(o.lastKey[:0], userKey...)
	return nil
}

// Finish closes the open file. When the group wrote nothing but range
// tombstones overlap its range, a file is opened to carry them.
func (o *CompactionOutputs) Finish(carryTombstones bool) error {
	if o.writer == nil && carryTombstones && !o.HasOutput() && o.settings.rangeDel != nil {
		ts := o.settings.rangeDel.ForOutput(o.fileStart, o.rangeEnd, o.settings.bottommost)
		if len(ts) == 0 {
			return nil
		}
		if err := o.openFile(); err != nil {
			return err
		}
	}
	if o.writer == nil {
		return nil
	}
	return o.finishFile(o.rangeEnd)
}

// Abandon closes the open file without finishing it.
func (o *CompactionOutputs) Abandon() {
	if o.writer != nil {
		o.writer.Abandon()
		o.writer = nil
	}
}

func (o *CompactionOutputs) openFile() error {
	number, path := o.settings.naming.NewOutputFile()
	out := &Output{Number: number, Path: path, Proximal: o.proximal}
	o.outputs = append(o.outputs, out)

	f, err := o.settings.fs.Create(path)
	if err != nil {
		return ioError("create "+path, err)
	}
	opts := o.settings.writerOpts
	opts.OrigFileNumber = number
	opts.CreationTime = o.settings.oldestAncestorTime
	opts.FileCreationTime = uint64(o.settings.clock().Unix())

	o.current = out
	o.writer = table.NewWriter(f, opts)
	o.meta = manifest.NewFileMetaData(number)
	o.lastKey = o.lastKey[:0]
	if o.settings.paranoid {
		o.hasher = xxh3.New()
	}
	return nil
}

// finishFile completes the open file. next is the first user key of the
// following file, which bounds the tombstones this file carries.
func (o *CompactionOutputs) finishFile(next []byte) error {
	w, out, meta, hasher := o.writer, o.current, o.meta, o.hasher
	o.writer, o.current, o.meta, o.hasher = nil, nil, nil, nil

	// Only the output level carries range tombstones; the proximal level
	// holds data newer than anything they could cover there.
	if !o.proximal && o.settings.rangeDel != nil {
		for _, t := range o.settings.rangeDel.ForOutput(o.fileStart, next, o.settings.bottommost) {
			if err := w.AddTombstone(t); err != nil {
				w.Abandon()
				return ioError("add tombstone to "+out.Path, err)
			}
		}
		if lo, hi := w.TombstoneBounds(); lo != nil {
			if len(meta.Smallest) == 0 || dbformat.CompareInternalKeys(lo, meta.Smallest) < 0 {
				meta.Smallest = lo
			}
			if len(meta.Largest) == 0 || dbformat.CompareInternalKeys(hi, meta.Largest) > 0 {
				meta.Largest = hi
			}
		}
	}
	o.fileStart = next

	if src := o.settings.seqnoToTime; src != nil && meta.LargestSeqno >= meta.SmallestSeqno {
		w.SetSeqnoToTime(src.encodeRange(meta.SmallestSeqno, meta.LargestSeqno))
	}

	props, err := w.Finish()
	if err != nil {
		o.created(out, err)
		return ioError("finish "+out.Path, err)
	}

	meta.FileSize = w.FileSize()
	meta.SmallestSeqno = dbformat.SequenceNumber(props.SmallestSeqno)
	meta.LargestSeqno = dbformat.SequenceNumber(props.LargestSeqno)
	meta.OldestAncestorTime = o.settings.oldestAncestorTime
	meta.FileCreationTime = props.FileCreationTime
	meta.EpochNumber = o.settings.epochNumber
	meta.FileChecksum = w.FileChecksum()
	meta.FileChecksumFuncName = w.FileChecksumFuncName()
	meta.NumEntries = props.NumEntries
	meta.NumRangeDeletions = props.NumRangeDeletions
	meta.UniqueID = checksum.UniqueIDForFile(o.settings.dbID, o.settings.dbSessionID, out.Number)
	if !o.proximal {
		meta.Temperature = o.settings.temperature
	}

	if hasher != nil {
		out.ParanoidHash = hasher.Sum64()
		if err := verifyOutputFile(o.settings.fs, out.Path, meta, props, out.ParanoidHash); err != nil {
			o.created(out, err)
			return err
		}
	}

	out.Meta = meta
	out.Props = props
	o.noteFinished(out)
	o.created(out, nil)
	return nil
}

// addFinished records a file that was completed elsewhere, such as on a
// remote worker, as if this group had written it.
func (o *CompactionOutputs) addFinished(out *Output) {
	out.Proximal = o.proximal
	o.outputs = append(o.outputs, out)
	if out.Finished() {
		o.noteFinished(out)
	}
}

func (o *CompactionOutputs) noteFinished(out *Output) {
	o.stats.NumOutputFiles++
	o.stats.BytesWritten += out.Meta.FileSize
	o.stats.NumOutputRecords += out.Props.NumPointEntries()
}

// verifyOutputFile reopens a finished output and checks it against what
// the writer reported, then rereads every record against hash.
func verifyOutputFile(fs vfs.FS, path string, meta *manifest.FileMetaData, props table.Properties, hash uint64) error {
	r, err := table.OpenFile(fs, path)
	if err != nil {
		return classifyReadError("reopen "+filepath.Base(path), err)
	}
	defer r.Close()
	if err := r.VerifyChecksums(); err != nil {
		return classifyReadError("verify "+filepath.Base(path), err)
	}
	sum, err := r.FileChecksum()
	if err != nil {
		return classifyReadError("checksum "+filepath.Base(path), err)
	}
	if sum != meta.FileChecksum {
		return corruption("output %s checksum mismatch: wrote %x, read %x", filepath.Base(path), meta.FileChecksum, sum)
	}
	if got := r.Properties().NumEntries; got != props.NumEntries {
		return corruption("output %s has %d entries, expected %d", filepath.Base(path), got, props.NumEntries)
	}
	h := xxh3.New()
	it := r.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		_, _ = h.Write(it.Key())
		_, _ = h.Write(it.Value())
	}
	if err := it.Error(); err != nil {
		return classifyReadError("reread "+filepath.Base(path), err)
	}
	if got := h.Sum64(); got != hash {
		return corruption("output %s paranoid hash mismatch: wrote %x, read %x", filepath.Base(path), hash, got)
	}
	return nil
}

func (o *Output) String() string {
	if o.Meta == nil {
		return fmt.Sprintf("#%d (unfinished)", o.Number)
	}
	return o.Meta.String()
}
