package iterator

import (
	"fmt"
	"testing"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

type entry struct {
	user string
	seq  dbformat.SequenceNumber
	typ  dbformat.ValueType
	val  string
}

func build(entries ...entry) Iterator {
	var out []KV
	for _, e := range entries {
		out = append(out, KV{Key: dbformat.NewInternalKey([]byte(e.user), e.seq, e.typ), Value: []byte(e.val)})
	}
	return NewSliceIterator(out)
}

func drain(t *testing.T, it *CompactionIterator) []string {
	t.Helper()
	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		p, err := dbformat.ParseInternalKey(it.Key())
		if err != nil {
			t.Fatalf("ParseInternalKey: %v", err)
		}
		got = append(got, fmt.Sprintf("%s@%d:%d=%s", p.UserKey, p.Sequence, p.Type, it.Value()))
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iteration error: %v", err)
	}
	return got
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type fakeRangeDel struct {
	start, end string
	seq        dbformat.SequenceNumber
}

func (f fakeRangeDel) ShouldDrop(userKey []byte, seq dbformat.SequenceNumber) bool {
	k := string(userKey)
	return k >= f.start && k < f.end && seq < f.seq
}

func TestCompactionIteratorDropsHiddenVersions(t *testing.T) {
	input := build(
		entry{"a", 9, dbformat.TypeValue, "a9"},
		entry{"a", 5, dbformat.TypeValue, "a5"},
		entry{"a", 2, dbformat.TypeValue, "a2"},
		entry{"b", 4, dbformat.TypeValue, "b4"},
	)
	it := NewCompactionIterator(input, CompactionIterOptions{Snapshots: []dbformat.SequenceNumber{6}})
	got := drain(t, it)
	// a5 is the newest version visible at snapshot 6; a2 is hidden by it.
	want := []string{"a@9:1=a9", "a@5:1=a5", "b@4:1=b4"}
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	st := it.Stats()
	if st.NumInputRecords != 4 || st.NumDroppedHidden != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCompactionIteratorBottommost(t *testing.T) {
	input := build(
		entry{"a", 8, dbformat.TypeDeletion, ""},
		entry{"a", 3, dbformat.TypeValue, "old"},
		entry{"b", 7, dbformat.TypeValue, "b7"},
		entry{"c", 2, dbformat.TypeValue, "c2"},
	)
	it := NewCompactionIterator(input, CompactionIterOptions{
		Bottommost:         true,
		PreserveSeqnoAfter: 5,
	})
	got := drain(t, it)
	// b7 is above the preserve threshold and keeps its seqno; c2 is zeroed.
	want := []string{"b@7:1=b7", "c@0:1=c2"}
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	st := it.Stats()
	if st.NumDroppedObsoleteDel != 1 || st.NumDroppedHidden != 1 || st.NumSeqnoZeroed != 1 || st.NumInputDeletions != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCompactionIteratorKeepsDeletionSeenBySnapshot(t *testing.T) {
	input := build(
		entry{"a", 8, dbformat.TypeDeletion, ""},
		entry{"a", 3, dbformat.TypeValue, "old"},
	)
	it := NewCompactionIterator(input, CompactionIterOptions{
		Bottommost: true,
		Snapshots:  []dbformat.SequenceNumber{5},
	})
	got := drain(t, it)
	// The snapshot at 5 still reads a@3, and the deletion is newer than it.
	want := []string{"a@8:0=", "a@3:1=old"}
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCompactionIteratorRangeDeletion(t *testing.T) {
	input := build(
		entry{"a", 1, dbformat.TypeValue, "a"},
		entry{"c", 2, dbformat.TypeValue, "c"},
		entry{"d", 20, dbformat.TypeValue, "d"},
	)
	it := NewCompactionIterator(input, CompactionIterOptions{
		RangeDel: fakeRangeDel{start: "b", end: "e", seq: 10},
	})
	got := drain(t, it)
	want := []string{"a@1:1=a", "d@20:1=d"}
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if it.Stats().NumDroppedRangeDel != 1 {
		t.Errorf("NumDroppedRangeDel = %d", it.Stats().NumDroppedRangeDel)
	}
}

func TestCompactionIteratorBounds(t *testing.T) {
	input := build(
		entry{"a", 1, dbformat.TypeValue, "a"},
		entry{"b", 2, dbformat.TypeValue, "b"},
		entry{"c", 3, dbformat.TypeValue, "c"},
		entry{"d", 4, dbformat.TypeValue, "d"},
	)
	it := NewCompactionIterator(input, CompactionIterOptions{Begin: []byte("b"), End: []byte("d")})
	got := drain(t, it)
	want := []string{"b@2:1=b", "c@3:1=c"}
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if it.Stats().NumInputRecords != 2 {
		t.Errorf("NumInputRecords = %d, want 2", it.Stats().NumInputRecords)
	}
}

func TestCompactionIteratorMergeOperandsPassThrough(t *testing.T) {
	input := build(
		entry{"a", 9, dbformat.TypeMerge, "+1"},
		entry{"a", 8, dbformat.TypeMerge, "+2"},
		entry{"a", 7, dbformat.TypeValue, "base"},
		entry{"a", 6, dbformat.TypeValue, "hidden"},
	)
	it := NewCompactionIterator(input, CompactionIterOptions{})
	got := drain(t, it)
	want := []string{"a@9:2=+1", "a@8:2=+2", "a@7:1=base"}
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
