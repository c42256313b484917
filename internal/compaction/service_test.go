package compaction

import (
	"errors"
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
)

func sampleInput() *CompactionServiceInput {
	return &CompactionServiceInput{
		ColumnFamilyName:  "default",
		Snapshots:         []dbformat.SequenceNumber{5, 90, 1 << 40},
		InputFiles:        []string{"000012.sst", "000013.sst", "000020.sst"},
		OutputLevel:       6,
		StartLevel:        5,
		ProximalLevel:     5,
		Bottommost:        true,
		Reason:            CompactionReasonManualCompaction,
		DBID:              "2b1c6a7e-db",
		Begin:             []byte("key00100"),
		End:               []byte("key00200"),
		OptionsFileNumber: 7,
	}
}

func sampleResult() *CompactionServiceResult {
	return &CompactionServiceResult{
		Status: Status{Code: StatusOK},
		OutputFiles: []CompactionServiceOutputFile{
			{
				FileName:             "000001.sst",
				FileSize:             4096,
				SmallestSeqno:        0,
				LargestSeqno:         77,
				SmallestInternalKey:  dbformat.NewInternalKey([]byte("a"), 0, dbformat.TypeValue),
				LargestInternalKey:   dbformat.NewInternalKey([]byte("m"), 77, dbformat.TypeDeletion),
				OldestAncestorTime:   1700000000,
				FileCreationTime:     1700000100,
				EpochNumber:          3,
				FileChecksum:         "0123456789abcdef",
				FileChecksumFuncName: "FileChecksumXXH3",
				ParanoidHash:         0xdeadbeefcafe,
				UniqueID:             checksum.UniqueID64x2{11, 22},
				TableProperties:      table.Properties{NumEntries: 12, NumDeletions: 1, RawKeySize: 100, ColumnFamilyName: "default"},
				Temperature:          manifest.TemperatureCold,
			},
			{
				FileName:              "000002.sst",
				FileSize:              512,
				SmallestInternalKey:   []byte{},
				LargestInternalKey:    dbformat.NewInternalKey([]byte("z"), 101, dbformat.TypeValue),
				MarkedForCompaction:   true,
				IsProximalLevelOutput: true,
			},
		},
		OutputLevel:  6,
		OutputPath:   "/tmp/remote/job-7",
		BytesRead:    1 << 20,
		BytesWritten: 4608,
		Stats: CompactionJobStats{
			ElapsedMicros:      1234,
			NumInputRecords:    13,
			NumOutputRecords:   12,
			NumOutputFiles:     2,
			IsManualCompaction: true,
			IsRemoteCompaction: true,
		},
		InternalStats: CompactionStatsFull{
			OutputLevelStats:       CompactionStats{BytesWritten: 4096, NumOutputFiles: 1, NumInputFilesInNonOutputLevels: 2, Count: 1},
			ProximalLevelStats:     CompactionStats{BytesWritten: 512, NumOutputFiles: 1},
			HasProximalLevelOutput: true,
		},
	}
}

func TestServiceInputRoundTrip(t *testing.T) {
	in := sampleInput()
	got, err := DecodeCompactionServiceInput(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok, diff := in.Equals(got); !ok {
		t.Errorf("round trip mismatch: %s", diff)
	}
}

func TestServiceInputBounds(t *testing.T) {
	tests := []struct {
		name       string
		begin, end []byte
	}{
		{"open", nil, nil},
		{"explicit empty begin", []byte{}, []byte("m")},
		{"open end", []byte("m"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleInput()
			in.Begin, in.End = tt.begin, tt.end
			got, err := DecodeCompactionServiceInput(in.Encode())
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if (got.Begin == nil) != (tt.begin == nil) || (got.End == nil) != (tt.end == nil) {
				t.Errorf("bounds presence lost: begin %v end %v", got.Begin, got.End)
			}
			if ok, diff := in.Equals(got); !ok {
				t.Errorf("round trip mismatch: %s", diff)
			}
		})
	}
}

func TestServiceResultRoundTrip(t *testing.T) {
	r := sampleResult()
	got, err := DecodeCompactionServiceResult(r.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok, diff := r.Equals(got); !ok {
		t.Errorf("round trip mismatch: %s", diff)
	}
}

func TestServiceResultFailureStatusRoundTrip(t *testing.T) {
	r := &CompactionServiceResult{
		Status:      StatusFromError(ioError("write 000003.sst", errors.New("disk full"))),
		OutputFiles: []CompactionServiceOutputFile{{FileName: "000003.sst"}},
		OutputPath:  "/scratch",
	}
	got, err := DecodeCompactionServiceResult(r.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok, diff := r.Equals(got); !ok {
		t.Fatalf("round trip mismatch: %s", diff)
	}
	if got.Status.OK() {
		t.Fatal("status decoded as OK")
	}
	if err := got.Status.Err(); !IsIOError(err) || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Status.Err() = %v, want an I/O error carrying the message", err)
	}
}

func TestEqualsNamesFirstDifference(t *testing.T) {
	a, b := sampleResult(), sampleResult()
	b.OutputFiles[1].FileSize++
	ok, diff := a.Equals(b)
	if ok {
		t.Fatal("Equals reported equal results")
	}
	if !strings.Contains(diff, "OutputFiles[1].FileSize") {
		t.Errorf("diff = %q, want it to name OutputFiles[1].FileSize", diff)
	}

	x, y := sampleInput(), sampleInput()
	y.Begin = nil
	if ok, diff := x.Equals(y); ok || !strings.Contains(diff, "Begin") {
		t.Errorf("Equals(nil Begin) = %v, %q", ok, diff)
	}
	y.Begin = []byte{}
	x.Begin = nil
	if ok, _ := x.Equals(y); ok {
		t.Error("Equals treats a nil bound like an empty one")
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	in := sampleInput()
	data := in.Encode()
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from a newer primary")
	data = protowire.AppendTag(data, 100, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)

	got, err := DecodeCompactionServiceInput(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok, diff := in.Equals(got); !ok {
		t.Errorf("mismatch: %s", diff)
	}
}

func TestDecodeTruncated(t *testing.T) {
	data := sampleResult().Encode()
	_, err := DecodeCompactionServiceResult(data[:len(data)-3])
	if !errors.Is(err, ErrCorruptServiceMessage) || !IsCorruption(err) {
		t.Errorf("err = %v, want ErrCorruptServiceMessage", err)
	}
}

func TestServiceOutputFileToMeta(t *testing.T) {
	f := sampleResult().OutputFiles[0]
	meta := f.ToFileMetaData(42)
	if meta.Number != 42 {
		t.Errorf("Number = %d, want 42", meta.Number)
	}
	if meta.UniqueID != f.UniqueID || meta.Temperature != manifest.TemperatureCold {
		t.Errorf("unique id or temperature not carried: %+v", meta)
	}
	if meta.NumEntries != 12 || meta.FileSize != 4096 || meta.LargestSeqno != 77 {
		t.Errorf("sizes not carried: %+v", meta)
	}
	if string(meta.SmallestUserKey()) != "a" || string(meta.LargestUserKey()) != "m" {
		t.Errorf("bounds = [%q, %q]", meta.SmallestUserKey(), meta.LargestUserKey())
	}
}

func TestServiceJobInfoRoundTrip(t *testing.T) {
	info := CompactionServiceJobInfo{
		DBName:             "/data/db",
		DBID:               "2b1c6a7e-db",
		DBSessionID:        "SESSION0123456789AB",
		JobID:              42,
		SubcompactionIndex: 3,
		Priority:           PriorityBottom,
		Reason:             CompactionReasonManualCompaction,
		IsManual:           true,
		BaseInputLevel:     0,
		OutputLevel:        6,
	}
	got, err := DecodeCompactionServiceJobInfo(info.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != info {
		t.Errorf("round trip = %+v, want %+v", got, info)
	}
}
