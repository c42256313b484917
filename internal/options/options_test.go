package options

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/compression"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

func TestOptionsFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	opts := DefaultCompactionOptions()
	opts.MaxSubcompactions = 4
	opts.MaxBackgroundCompactions = 6
	opts.CompactionPri = RoundRobin
	opts.TargetFileSize = 1 << 20
	opts.Compression = compression.ZstdCompression
	opts.BlockSize = 16384
	opts.ChecksumType = checksum.TypeXXH3
	opts.ParanoidFileChecks = true
	opts.VerifyRecordCount = false
	opts.PreserveInternalTimeSeconds = 3600
	opts.PrecludeLastLevelDataSeconds = 7200
	opts.LastLevelTemperature = manifest.TemperatureCold

	if err := WriteOptionsFile(fs, dir, "users", opts, 12); err != nil {
		t.Fatalf("WriteOptionsFile: %v", err)
	}
	parsed, err := ReadOptionsFile(fs, OptionsFileName(dir, 12))
	if err != nil {
		t.Fatalf("ReadOptionsFile: %v", err)
	}
	if parsed.RocksDBVersion != "10.7.5" || parsed.OptionsFileVersion != OptionsFileVersion {
		t.Errorf("version = %q/%d", parsed.RocksDBVersion, parsed.OptionsFileVersion)
	}
	if parsed.ColumnFamilyName != "users" {
		t.Errorf("cf = %q", parsed.ColumnFamilyName)
	}
	if parsed.Compaction != opts {
		t.Errorf("options mismatch:\n got  %+v\n want %+v", parsed.Compaction, opts)
	}
}

func TestParseOptionsFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing version", "[DBOptions]\n  max_subcompactions=2\n"},
		{"bad number", "[Version]\n rocksdb_version=10.7.5\n[DBOptions]\n max_subcompactions=two\n"},
		{"bad compression", "[Version]\n rocksdb_version=10.7.5\n[CFOptions \"default\"]\n compression=kBrotli\n"},
		{"no equals", "[Version]\n rocksdb_version\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptionsFile(strings.NewReader(tt.content))
			if !errors.Is(err, ErrInvalidOptionsFile) {
				t.Errorf("err = %v, want ErrInvalidOptionsFile", err)
			}
		})
	}
}

func TestParseOptionsFileIgnoresUnknownKeys(t *testing.T) {
	content := "[Version]\n rocksdb_version=10.7.5\n[DBOptions]\n max_open_files=5000\n[CFOptions \"default\"]\n write_buffer_size=1\n"
	parsed, err := ParseOptionsFile(strings.NewReader(content))
	if err != nil {
		t.Fatalf("ParseOptionsFile: %v", err)
	}
	if parsed.Compaction != DefaultCompactionOptions() {
		t.Errorf("unknown keys changed options: %+v", parsed.Compaction)
	}
}

func TestLatestOptionsFile(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	if _, _, err := LatestOptionsFile(fs, dir); !errors.Is(err, ErrNoOptionsFile) {
		t.Errorf("empty dir: err = %v", err)
	}
	for _, n := range []uint64{3, 11, 7} {
		if err := WriteOptionsFile(fs, dir, "default", DefaultCompactionOptions(), n); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, "OPTIONS-junk"), nil, 0o644)
	path, num, err := LatestOptionsFile(fs, dir)
	if err != nil || num != 11 || path != OptionsFileName(dir, 11) {
		t.Errorf("LatestOptionsFile = %s, %d, %v", path, num, err)
	}
}

func TestSanitize(t *testing.T) {
	var o CompactionOptions
	o.Compression = compression.Type(99)
	o.Sanitize()
	if o.MaxSubcompactions != 1 || o.MaxBackgroundCompactions != 1 || o.TargetFileSize == 0 ||
		o.BlockSize == 0 || o.NumLevels != 7 || o.Compression != compression.NoCompression {
		t.Errorf("Sanitize = %+v", o)
	}
}

func TestCompactionPriNames(t *testing.T) {
	for p := ByCompensatedSize; p <= RoundRobin; p++ {
		got, ok := ParseCompactionPri(p.String())
		if !ok || got != p {
			t.Errorf("ParseCompactionPri(%s) = %v, %v", p, got, ok)
		}
	}
}

func TestSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if len(a) != 20 || a == b {
		t.Errorf("session ids %q %q", a, b)
	}
	if NewDBID() == NewDBID() {
		t.Error("db ids collide")
	}
}

func TestWorkerConfig(t *testing.T) {
	data := []byte(`
listen_address: ":9000"
db_path: /data/db
output_root: /data/out
metrics_address: ":9100"
log_level: debug
`)
	cfg, err := ParseWorkerConfig(data)
	if err != nil {
		t.Fatalf("ParseWorkerConfig: %v", err)
	}
	want := WorkerConfig{
		ListenAddress:            ":9000",
		DBPath:                   "/data/db",
		OutputRoot:               "/data/out",
		MetricsAddress:           ":9100",
		LogLevel:                 "debug",
		MaxBackgroundCompactions: 4,
	}
	if cfg != want {
		t.Errorf("cfg = %+v, want %+v", cfg, want)
	}

	if _, err := ParseWorkerConfig([]byte("listen_address: x\n")); err == nil {
		t.Error("config without db_path accepted")
	}
	if _, err := ParseWorkerConfig([]byte("db_path: [\n")); err == nil {
		t.Error("malformed yaml accepted")
	}

	fs := vfs.Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := LoadWorkerConfig(fs, path); err != nil || got != want {
		t.Errorf("LoadWorkerConfig = %+v, %v", got, err)
	}
	if _, err := LoadWorkerConfig(fs, filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing config: %v", err)
	}

	faulty := vfs.NewFaultInjectionFS(fs)
	faulty.Inject(vfs.OpRead, "worker.yaml")
	if _, err := LoadWorkerConfig(faulty, path); !errors.Is(err, vfs.ErrInjectedReadError) {
		t.Errorf("LoadWorkerConfig with a read fault = %v", err)
	}
}
