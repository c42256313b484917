package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/aalhour/rockyardkv-compaction/internal/compaction"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/logging"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/options"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
	"github.com/aalhour/rockyardkv-compaction/internal/version"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

// newBufconnClient serves w on an in-memory listener and returns a client
// connection to it.
func newBufconnClient(t *testing.T, w *Worker) (*Client, *grpc.ClientConn, *Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(w, logging.Discard)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn), conn, srv
}

// sharedDB is a primary database directory a worker can read.
type sharedDB struct {
	dir string
	vs  *version.VersionSet
}

func newSharedDB(t *testing.T) *sharedDB {
	t.Helper()
	dir := t.TempDir()
	log, err := version.CreateManifestLog(vfs.Default(), dir, 1)
	if err != nil {
		t.Fatalf("CreateManifestLog: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	opts := version.DefaultVersionSetOptions(dir)
	opts.EditLog = log
	vs := version.NewVersionSet(opts)
	vs.Mutex().Lock()
	vs.Counters().MaxCompactions = 4
	vs.Counters().Scheduled = 1
	vs.Mutex().Unlock()
	return &sharedDB{dir: dir, vs: vs}
}

// addTable writes n puts of key%05d with seqnos from seq and makes the
// table live at level.
func (db *sharedDB) addTable(t *testing.T, level, from, n int, seq uint64) *manifest.FileMetaData {
	t.Helper()
	number := db.vs.NewFileNumber()
	f, err := vfs.Default().Create(manifest.TableFileName(db.dir, number))
	if err != nil {
		t.Fatal(err)
	}
	wopts := table.DefaultWriterOptions()
	wopts.BlockSize = 256
	w := table.NewWriter(f, wopts)
	meta := manifest.NewFileMetaData(number)
	for i := range n {
		s := dbformat.SequenceNumber(seq + uint64(i))
		ikey := dbformat.NewInternalKey([]byte(fmt.Sprintf("key%05d", from+i)), s, dbformat.TypeValue)
		if err := w.Add(ikey, []byte(fmt.Sprintf("value-%d", s))); err != nil {
			t.Fatal(err)
		}
		meta.UpdateBoundaries(ikey, s)
	}
	props, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	meta.FileSize = w.FileSize()
	meta.NumEntries = props.NumEntries
	meta.EpochNumber = db.vs.NewEpochNumber()

	edit := manifest.NewVersionEdit("")
	edit.AddFile(level, meta)
	db.vs.Mutex().Lock()
	defer db.vs.Mutex().Unlock()
	if err := db.vs.LogAndApply(edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}
	return meta
}

func newTestWorker(t *testing.T, db *sharedDB) *Worker {
	return NewWorker(WorkerConfig{
		OutputRoot:        t.TempDir(),
		MaxConcurrentJobs: 2,
		Logger:            logging.Discard,
		Tracer:            noop.NewTracerProvider().Tracer("test"),
	})
}

func TestClientCompactsOnWorker(t *testing.T) {
	db := newSharedDB(t)
	f := db.addTable(t, 1, 0, 100, 1)
	client, _, _ := newBufconnClient(t, newTestWorker(t, db))

	in := &compaction.CompactionServiceInput{
		ColumnFamilyName: "default",
		InputFiles:       []string{filepath.Base(manifest.TableFileName(db.dir, f.Number))},
		StartLevel:       1,
		OutputLevel:      2,
		ProximalLevel:    -1,
		Bottommost:       true,
	}
	info := compaction.CompactionServiceJobInfo{DBName: db.dir, JobID: 9, BaseInputLevel: 1, OutputLevel: 2}
	resp, err := client.Dispatch(context.Background(), info, in.Encode())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	result, err := compaction.DecodeCompactionServiceResult(resp)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !result.Status.OK() {
		t.Fatalf("status = %v", result.Status)
	}
	if len(result.OutputFiles) == 0 {
		t.Fatal("no output files")
	}
	var entries uint64
	for _, of := range result.OutputFiles {
		if !vfs.Default().Exists(filepath.Join(result.OutputPath, of.FileName)) {
			t.Errorf("%s missing from %s", of.FileName, result.OutputPath)
		}
		if of.SmallestSeqno != 0 || of.LargestSeqno != 0 {
			t.Errorf("%s seqnos [%d, %d], want zeroed", of.FileName, of.SmallestSeqno, of.LargestSeqno)
		}
		entries += of.TableProperties.NumEntries
	}
	if entries != 100 || result.Stats.NumInputRecords != 100 {
		t.Errorf("entries %d, input records %d, want 100", entries, result.Stats.NumInputRecords)
	}
	if filepath.Dir(result.OutputPath) == db.dir {
		t.Error("worker wrote into the database directory")
	}
}

func TestWorkerReportsJobFailureInStatus(t *testing.T) {
	db := newSharedDB(t)
	client, _, _ := newBufconnClient(t, newTestWorker(t, db))
	in := &compaction.CompactionServiceInput{
		ColumnFamilyName: "default",
		InputFiles:       []string{"000777.sst"},
		StartLevel:       1,
		OutputLevel:      2,
	}
	resp, err := client.Dispatch(context.Background(), compaction.CompactionServiceJobInfo{DBName: db.dir}, in.Encode())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	result, err := compaction.DecodeCompactionServiceResult(resp)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if result.Status.Code != compaction.StatusInvalidArgument {
		t.Errorf("status = %v, want InvalidArgument", result.Status)
	}
}

func TestWorkerRejectsGarbage(t *testing.T) {
	db := newSharedDB(t)
	client, conn, _ := newBufconnClient(t, newTestWorker(t, db))

	_, err := client.Dispatch(context.Background(), compaction.CompactionServiceJobInfo{}, []byte{0x0a, 0xff})
	if status.Code(errors.Unwrap(err)) != codes.InvalidArgument {
		t.Errorf("bad input: %v, want InvalidArgument", err)
	}

	var reply frame
	err = conn.Invoke(context.Background(), compactMethod, &frame{data: []byte{0xff}}, &reply,
		grpc.CallContentSubtype(codecName))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad envelope: %v, want InvalidArgument", err)
	}
}

func TestWorkerShutdownRejects(t *testing.T) {
	db := newSharedDB(t)
	w := newTestWorker(t, db)
	client, _, _ := newBufconnClient(t, w)
	w.Shutdown()
	in := &compaction.CompactionServiceInput{ColumnFamilyName: "default"}
	_, err := client.Dispatch(context.Background(), compaction.CompactionServiceJobInfo{}, in.Encode())
	if status.Code(errors.Unwrap(err)) != codes.Unavailable {
		t.Errorf("Dispatch after Shutdown = %v, want Unavailable", err)
	}
}

func TestLockOutputRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	first := NewWorker(WorkerConfig{OutputRoot: root, Logger: logging.Discard})
	lock, err := first.LockOutputRoot()
	if err != nil {
		t.Fatalf("LockOutputRoot: %v", err)
	}
	second := NewWorker(WorkerConfig{OutputRoot: root, Logger: logging.Discard})
	if _, err := second.LockOutputRoot(); err == nil {
		t.Fatal("second worker locked the same output root")
	}
	if err := lock.Close(); err != nil {
		t.Fatal(err)
	}
	again, err := second.LockOutputRoot()
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	_ = again.Close()
}

func TestServerHealth(t *testing.T) {
	db := newSharedDB(t)
	_, conn, _ := newBufconnClient(t, newTestWorker(t, db))
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.GetStatus())
	}
}

func TestRequestEnvelope(t *testing.T) {
	info := compaction.CompactionServiceJobInfo{DBName: "/db", JobID: 3, SubcompactionIndex: 1, OutputLevel: 4}
	gotInfo, gotInput, err := decodeRequest(encodeRequest(info, []byte("payload")))
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if gotInfo != info || string(gotInput) != "payload" {
		t.Errorf("decoded %+v %q", gotInfo, gotInput)
	}
	if _, _, err := decodeRequest(nil); !errors.Is(err, compaction.ErrCorruptServiceMessage) {
		t.Errorf("empty request: %v", err)
	}
}

// TestRemoteJobEndToEnd runs a primary job whose subcompactions execute on
// a worker over gRPC and installs the result.
func TestRemoteJobEndToEnd(t *testing.T) {
	db := newSharedDB(t)
	l1 := db.addTable(t, 1, 0, 50, 101)
	l2 := db.addTable(t, 2, 0, 100, 1)
	client, _, _ := newBufconnClient(t, newTestWorker(t, db))

	opts := options.DefaultCompactionOptions()
	opts.MaxSubcompactions = 2
	c := compaction.NewCompaction("default", []compaction.InputFiles{
		{Level: 1, Files: []*manifest.FileMetaData{l1}},
		{Level: 2, Files: []*manifest.FileMetaData{l2}},
	}, 2, opts)
	c.Bottommost = true
	events := &compaction.CountingEventListener{}
	j := compaction.NewJob(c, compaction.JobConfig{
		JobID:       5,
		VersionSet:  db.vs,
		DBID:        "primary",
		DBSessionID: options.NewSessionID(),
		Ledger:      compaction.NewResourceLedger(2),
		Executor:    compaction.RemoteExecutor{Dispatcher: client},
		Logger:      logging.Discard,
		Tracer:      noop.NewTracerProvider().Tracer("test"),
		Listeners:   []compaction.EventListener{events},
	})

	mu := db.vs.Mutex()
	mu.Lock()
	err := j.Prepare()
	mu.Unlock()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	_, err = j.Install()
	files := db.vs.Current().Files(2)
	l1Left := len(db.vs.Current().Files(1))
	mu.Unlock()
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if l1Left != 0 {
		t.Errorf("L1 still has %d files", l1Left)
	}
	var entries uint64
	for _, f := range files {
		if f.Number == l2.Number {
			t.Error("input still live")
		}
		if !vfs.Default().Exists(manifest.TableFileName(db.dir, f.Number)) {
			t.Errorf("output %d not in the database directory", f.Number)
		}
		entries += f.NumEntries
	}
	if entries != 100 {
		t.Errorf("entries = %d, want 100", entries)
	}
	if st := j.Stats(); !st.IsRemoteCompaction || st.NumInputRecords != 150 {
		t.Errorf("stats = %+v", st)
	}
	if _, _, _, _, done := events.Snapshot(); done != 1 {
		t.Errorf("completed jobs = %d", done)
	}
}
