package manifest

import (
	"strings"
	"testing"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

func TestUpdateBoundaries(t *testing.T) {
	f := NewFileMetaData(7)
	f.UpdateBoundaries(dbformat.NewInternalKey([]byte("m"), 5, dbformat.TypeValue), 5)
	f.UpdateBoundaries(dbformat.NewInternalKey([]byte("c"), 9, dbformat.TypeValue), 9)
	f.UpdateBoundaries(dbformat.NewInternalKey([]byte("x"), 2, dbformat.TypeDeletion), 2)

	if string(f.SmallestUserKey()) != "c" || string(f.LargestUserKey()) != "x" {
		t.Errorf("bounds = [%s, %s], want [c, x]", f.SmallestUserKey(), f.LargestUserKey())
	}
	if f.SmallestSeqno != 2 || f.LargestSeqno != 9 {
		t.Errorf("seqnos = [%d, %d], want [2, 9]", f.SmallestSeqno, f.LargestSeqno)
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := NewFileMetaData(1)
	f.UpdateBoundaries(dbformat.NewInternalKey([]byte("a"), 1, dbformat.TypeValue), 1)
	c := f.Clone()
	c.Smallest[0] = 'z'
	if string(f.SmallestUserKey()) != "a" {
		t.Error("Clone shares key storage")
	}
}

func TestTableFileName(t *testing.T) {
	name := TableFileName("/db", 42)
	if name != "/db/000042.sst" {
		t.Errorf("TableFileName = %s", name)
	}
	n, ok := ParseTableFileName(name)
	if !ok || n != 42 {
		t.Errorf("ParseTableFileName(%s) = %d, %v", name, n, ok)
	}
	for _, bad := range []string{"LOCK", ".sst", "abc.sst", "000001.log"} {
		if _, ok := ParseTableFileName(bad); ok {
			t.Errorf("ParseTableFileName(%q) should fail", bad)
		}
	}
}

func TestTemperatureNames(t *testing.T) {
	for _, tt := range []Temperature{TemperatureUnknown, TemperatureHot, TemperatureWarm, TemperatureCold} {
		got, ok := ParseTemperature(tt.String())
		if !ok || got != tt {
			t.Errorf("ParseTemperature(%s) = %v, %v", tt, got, ok)
		}
	}
}

func TestVersionEdit(t *testing.T) {
	ve := NewVersionEdit("default")
	if !ve.Empty() {
		t.Error("new edit should be empty")
	}
	ve.DeleteFile(1, 10)
	ve.DeleteFile(2, 11)
	meta := NewFileMetaData(12)
	meta.UpdateBoundaries(dbformat.NewInternalKey([]byte("k"), 3, dbformat.TypeValue), 3)
	ve.AddFile(2, meta)

	if len(ve.DeletedFiles) != 2 || len(ve.NewFiles) != 1 {
		t.Fatalf("edit = %+v", ve)
	}
	s := ve.DebugString()
	for _, want := range []string{"DeleteFile: L1 #10", "AddFile: L2 #12"} {
		if !strings.Contains(s, want) {
			t.Errorf("DebugString missing %q:\n%s", want, s)
		}
	}
}

func TestVersionEditEncodeDecode(t *testing.T) {
	ve := NewVersionEdit("default")
	ve.NextFileNumber = 31
	ve.DeleteFile(0, 4)
	ve.DeleteFile(1, 9)
	meta := NewFileMetaData(30)
	meta.FileSize = 4096
	meta.UpdateBoundaries(dbformat.NewInternalKey([]byte("a"), 7, dbformat.TypeValue), 7)
	meta.UpdateBoundaries(dbformat.NewInternalKey([]byte("q"), 0, dbformat.TypeValue), 0)
	meta.FileChecksum = "abc"
	meta.FileChecksumFuncName = "XXH3_64"
	meta.Temperature = TemperatureCold
	meta.MarkedForCompaction = true
	meta.UniqueID = [2]uint64{11, 12}
	meta.NumEntries = 100
	meta.NumRangeDeletions = 2
	ve.AddFile(1, meta)

	got, err := DecodeVersionEdit(ve.Encode())
	if err != nil {
		t.Fatalf("DecodeVersionEdit: %v", err)
	}
	if got.ColumnFamilyName != "default" || got.NextFileNumber != 31 {
		t.Errorf("header = %q %d", got.ColumnFamilyName, got.NextFileNumber)
	}
	if len(got.DeletedFiles) != 2 || got.DeletedFiles[1] != (DeletedFileEntry{Level: 1, FileNumber: 9}) {
		t.Errorf("deleted = %+v", got.DeletedFiles)
	}
	if len(got.NewFiles) != 1 || got.NewFiles[0].Level != 1 {
		t.Fatalf("new files = %+v", got.NewFiles)
	}
	g := got.NewFiles[0].Meta
	if g.String() != meta.String() || g.FileChecksum != "abc" || g.Temperature != TemperatureCold ||
		!g.MarkedForCompaction || g.UniqueID != meta.UniqueID || g.NumEntries != 100 || g.NumRangeDeletions != 2 {
		t.Errorf("meta = %+v, want %+v", g, meta)
	}
}

func TestDecodeVersionEditRejectsGarbage(t *testing.T) {
	if _, err := DecodeVersionEdit([]byte{0x22, 0x05, 0x01}); err == nil {
		t.Error("truncated edit decoded")
	}
	// A new file without bounds.
	ve := NewVersionEdit("default")
	ve.AddFile(0, NewFileMetaData(5))
	if _, err := DecodeVersionEdit(ve.Encode()); err == nil {
		t.Error("file without bounds decoded")
	}
}
