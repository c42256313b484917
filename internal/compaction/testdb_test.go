package compaction

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aalhour/rockyardkv-compaction/internal/compression"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/logging"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/options"
	"github.com/aalhour/rockyardkv-compaction/internal/rangedel"
	"github.com/aalhour/rockyardkv-compaction/internal/seqnotime"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
	"github.com/aalhour/rockyardkv-compaction/internal/version"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

// testDB is a database directory with a persisted MANIFEST and a version
// set, enough to run jobs end to end.
type testDB struct {
	t      *testing.T
	dir    string
	fs     vfs.FS
	vs     *version.VersionSet
	log    *testEditLog
	ledger *ResourceLedger

	// blockSize overrides the 256 byte blocks of written tables.
	blockSize int
}

// testEditLog persists edits to a MANIFEST until fail is set.
type testEditLog struct {
	base *version.ManifestLog

	mu   sync.Mutex
	fail error
}

func (l *testEditLog) Append(edit *manifest.VersionEdit) error {
	l.mu.Lock()
	err := l.fail
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.base.Append(edit)
}

func (l *testEditLog) failWith(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

type testRecord struct {
	key   string
	seq   uint64
	typ   dbformat.ValueType
	value string
}

func put(key string, seq uint64, value string) testRecord {
	return testRecord{key: key, seq: seq, typ: dbformat.TypeValue, value: value}
}

func del(key string, seq uint64) testRecord {
	return testRecord{key: key, seq: seq, typ: dbformat.TypeDeletion}
}

// sequentialPuts returns n puts of key%05d starting at from, with seqnos
// starting at seq.
func sequentialPuts(from, n int, seq uint64) []testRecord {
	recs := make([]testRecord, 0, n)
	for i := range n {
		k := from + i
		recs = append(recs, put(fmt.Sprintf("key%05d", k), seq+uint64(i), fmt.Sprintf("value%05d-%d", k, seq)))
	}
	return recs
}

func newTestDB(t *testing.T) *testDB {
	t.Helper()
	return newTestDBWithFS(t, vfs.Default())
}

func newTestDBWithFS(t *testing.T, fs vfs.FS) *testDB {
	t.Helper()
	dir := t.TempDir()
	log, err := version.CreateManifestLog(fs, dir, 1)
	if err != nil {
		t.Fatalf("CreateManifestLog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	editLog := &testEditLog{base: log}
	opts := version.DefaultVersionSetOptions(dir)
	opts.FS = fs
	opts.EditLog = editLog
	vs := version.NewVersionSet(opts)

	vs.Mutex().Lock()
	vs.Counters().MaxCompactions = 8
	vs.Counters().Scheduled = 1
	vs.Mutex().Unlock()

	return &testDB{t: t, dir: dir, fs: fs, vs: vs, log: editLog, ledger: NewResourceLedger(4)}
}

// writeTable writes recs, in any order, as a new table in the database
// directory and returns its metadata. The file is not yet live.
func (db *testDB) writeTable(recs []testRecord, tombstones ...rangedel.Tombstone) *manifest.FileMetaData {
	db.t.Helper()
	return db.writeTableWithTimes(recs, nil, tombstones...)
}

// writeTableWithTimes is writeTable with seqno to time samples stored in
// the table properties.
func (db *testDB) writeTableWithTimes(recs []testRecord, times *seqnotime.Mapping, tombstones ...rangedel.Tombstone) *manifest.FileMetaData {
	db.t.Helper()
	recs = slices.Clone(recs)
	slices.SortFunc(recs, func(a, b testRecord) int {
		if c := cmp.Compare(a.key, b.key); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	number := db.vs.NewFileNumber()
	path := manifest.TableFileName(db.dir, number)
	f, err := db.fs.Create(path)
	if err != nil {
		db.t.Fatalf("Create %s: %v", path, err)
	}
	wopts := table.DefaultWriterOptions()
	wopts.BlockSize = 256
	if db.blockSize > 0 {
		wopts.BlockSize = db.blockSize
	}
	wopts.OrigFileNumber = number
	w := table.NewWriter(f, wopts)

	meta := manifest.NewFileMetaData(number)
	for _, r := range recs {
		ikey := dbformat.NewInternalKey([]byte(r.key), dbformat.SequenceNumber(r.seq), r.typ)
		if err := w.Add(ikey, []byte(r.value)); err != nil {
			db.t.Fatalf("Add(%s@%d): %v", r.key, r.seq, err)
		}
		meta.UpdateBoundaries(ikey, dbformat.SequenceNumber(r.seq))
	}
	for _, ts := range tombstones {
		if err := w.AddTombstone(ts); err != nil {
			db.t.Fatalf("AddTombstone: %v", err)
		}
	}
	if times != nil {
		w.SetSeqnoToTime(times.Encode())
	}
	if lo, hi := w.TombstoneBounds(); lo != nil {
		if len(meta.Smallest) == 0 || dbformat.CompareInternalKeys(lo, meta.Smallest) < 0 {
			meta.Smallest = lo
		}
		if len(meta.Largest) == 0 || dbformat.CompareInternalKeys(hi, meta.Largest) > 0 {
			meta.Largest = hi
		}
	}
	props, err := w.Finish()
	if err != nil {
		db.t.Fatalf("Finish: %v", err)
	}
	meta.FileSize = w.FileSize()
	meta.SmallestSeqno = dbformat.SequenceNumber(props.SmallestSeqno)
	meta.LargestSeqno = dbformat.SequenceNumber(props.LargestSeqno)
	meta.NumEntries = props.NumEntries
	meta.NumRangeDeletions = props.NumRangeDeletions
	meta.FileChecksum = w.FileChecksum()
	meta.FileChecksumFuncName = w.FileChecksumFuncName()
	meta.EpochNumber = db.vs.NewEpochNumber()
	return meta
}

// addFiles makes files live at level.
func (db *testDB) addFiles(level int, files ...*manifest.FileMetaData) {
	db.t.Helper()
	edit := manifest.NewVersionEdit("")
	for _, f := range files {
		edit.AddFile(level, f)
	}
	db.vs.Mutex().Lock()
	defer db.vs.Mutex().Unlock()
	if err := db.vs.LogAndApply(edit); err != nil {
		db.t.Fatalf("LogAndApply: %v", err)
	}
}

func testOptions() options.CompactionOptions {
	opts := options.DefaultCompactionOptions()
	opts.Compression = compression.NoCompression
	opts.BlockSize = 256
	opts.ParanoidFileChecks = true
	return opts
}

func (db *testDB) jobConfig() JobConfig {
	return JobConfig{
		JobID:       1,
		VersionSet:  db.vs,
		DBID:        "test-db",
		DBSessionID: "test-session",
		Ledger:      db.ledger,
		Logger:      logging.Discard,
		Tracer:      noop.NewTracerProvider().Tracer("test"),
	}
}

func (db *testDB) prepare(j *Job) error {
	db.vs.Mutex().Lock()
	defer db.vs.Mutex().Unlock()
	return j.Prepare()
}

func (db *testDB) install(j *Job) (bool, error) {
	db.vs.Mutex().Lock()
	defer db.vs.Mutex().Unlock()
	return j.Install()
}

func (db *testDB) counters() version.BackgroundCounters {
	db.vs.Mutex().Lock()
	defer db.vs.Mutex().Unlock()
	return *db.vs.Counters()
}

// readAll returns every point record of the table at path.
func (db *testDB) readAll(path string) []testRecord {
	db.t.Helper()
	r, err := table.OpenFile(db.fs, path)
	if err != nil {
		db.t.Fatalf("OpenFile %s: %v", path, err)
	}
	defer r.Close()
	var out []testRecord
	it := r.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		p, err := dbformat.ParseInternalKey(it.Key())
		if err != nil {
			db.t.Fatalf("ParseInternalKey: %v", err)
		}
		out = append(out, testRecord{key: string(p.UserKey), seq: uint64(p.Sequence), typ: p.Type, value: string(it.Value())})
	}
	if err := it.Error(); err != nil {
		db.t.Fatalf("iterate %s: %v", path, err)
	}
	return out
}

// sstFiles returns the table files in the database directory.
func (db *testDB) sstFiles() []string {
	db.t.Helper()
	entries, err := db.fs.ListDir(db.dir)
	if err != nil {
		db.t.Fatalf("ListDir: %v", err)
	}
	var out []string
	for _, e := range entries {
		if _, ok := manifest.ParseTableFileName(e); ok {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return out
}

// liveNumbers returns the live file numbers at level.
func (db *testDB) liveNumbers(level int) []uint64 {
	db.vs.Mutex().Lock()
	defer db.vs.Mutex().Unlock()
	var out []uint64
	for _, f := range db.vs.Current().Files(level) {
		out = append(out, f.Number)
	}
	return out
}

// recordingErrorHandler remembers background errors.
type recordingErrorHandler struct {
	mu      sync.Mutex
	errs    []error
	reasons []BackgroundErrorReason
}

func (h *recordingErrorHandler) SetBGError(err error, reason BackgroundErrorReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
	h.reasons = append(h.reasons, reason)
}

func (h *recordingErrorHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}
