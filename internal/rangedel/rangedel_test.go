package rangedel

import (
	"testing"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

func TestTombstoneCoversAndClip(t *testing.T) {
	ts := NewTombstone([]byte("b"), []byte("f"), 10)

	if !ts.Covers([]byte("b"), 9) {
		t.Error("start key is inclusive")
	}
	if ts.Covers([]byte("f"), 1) {
		t.Error("end key is exclusive")
	}
	if ts.Covers([]byte("c"), 10) {
		t.Error("equal sequence is not covered")
	}

	c := ts.Clip([]byte("d"), nil)
	if string(c.Start) != "d" || string(c.End) != "f" {
		t.Errorf("Clip = [%s, %s), want [d, f)", c.Start, c.End)
	}
	if !ts.Clip([]byte("x"), nil).IsEmpty() {
		t.Error("clip past the end should be empty")
	}
	if ts.Overlaps([]byte("f"), nil) {
		t.Error("[b,f) must not overlap [f,inf)")
	}
}

func TestTombstoneBoundKeys(t *testing.T) {
	ts := NewTombstone([]byte("b"), []byte("f"), 10)
	if dbformat.CompareInternalKeys(ts.LargestKey(), dbformat.NewInternalKey([]byte("f"), 100, dbformat.TypeValue)) >= 0 {
		t.Error("largest sentinel must sort before real entries of the end key")
	}
	if ts.SmallestKey().Sequence() != 10 {
		t.Errorf("smallest seq = %d, want 10", ts.SmallestKey().Sequence())
	}
}

func TestFragmenterOverlapping(t *testing.T) {
	var f Fragmenter
	f.Add(NewTombstone([]byte("a"), []byte("e"), 10))
	f.Add(NewTombstone([]byte("c"), []byte("g"), 20))
	f.Add(NewTombstone([]byte("z"), []byte("a"), 99))
	list := f.Finish()

	want := []struct {
		start, end string
		seq        dbformat.SequenceNumber
	}{
		{"a", "c", 10},
		{"c", "e", 20},
		{"e", "g", 20},
	}
	if list.Len() != len(want) {
		t.Fatalf("fragments = %d, want %d", list.Len(), len(want))
	}
	for i, w := range want {
		got := list.All()[i]
		if string(got.Start) != w.start || string(got.End) != w.end || got.Seq != w.seq {
			t.Errorf("fragment %d = [%s,%s)@%d, want [%s,%s)@%d", i, got.Start, got.End, got.Seq, w.start, w.end, w.seq)
		}
	}
	if !list.ShouldDelete([]byte("d"), 15) {
		t.Error("d@15 should be deleted by the seq 20 fragment")
	}
	if list.ShouldDelete([]byte("b"), 15) {
		t.Error("b@15 is newer than the seq 10 fragment")
	}
}

func TestFragmenterGap(t *testing.T) {
	var f Fragmenter
	f.Add(NewTombstone([]byte("a"), []byte("b"), 5))
	f.Add(NewTombstone([]byte("c"), []byte("d"), 5))
	list := f.Finish()
	if list.Len() != 2 {
		t.Fatalf("fragments = %d, want 2", list.Len())
	}
	if list.ShouldDelete([]byte("bb"), 1) {
		t.Error("key in the gap must not be deleted")
	}
}

func TestAggregatorSnapshotStripes(t *testing.T) {
	a := NewCompactionAggregator([]dbformat.SequenceNumber{50})
	a.Add([]Tombstone{NewTombstone([]byte("a"), []byte("z"), 100)})

	if a.ShouldDrop([]byte("k"), 40) {
		t.Error("snapshot 50 still sees k@40 without the tombstone")
	}
	if !a.ShouldDrop([]byte("k"), 60) {
		t.Error("k@60 shares the tombstone's stripe and should drop")
	}
}

func TestAggregatorNoSnapshots(t *testing.T) {
	a := NewCompactionAggregator(nil)
	if a.ShouldDrop([]byte("k"), 1) {
		t.Error("empty aggregator must not drop")
	}
	a.Add([]Tombstone{NewTombstone([]byte("a"), []byte("m"), 10)})
	if !a.ShouldDrop([]byte("k"), 1) {
		t.Error("k@1 should drop")
	}
	if a.ShouldDrop([]byte("m"), 1) {
		t.Error("m is outside [a,m)")
	}
}

func TestAggregatorForOutput(t *testing.T) {
	a := NewCompactionAggregator([]dbformat.SequenceNumber{20})
	a.Add([]Tombstone{
		NewTombstone([]byte("a"), []byte("k"), 10),
		NewTombstone([]byte("c"), []byte("x"), 30),
	})

	got := a.ForOutput([]byte("d"), []byte("m"), false)
	if len(got) != 2 {
		t.Fatalf("ForOutput = %d tombstones, want 2", len(got))
	}
	// Same clipped start, so the newer tombstone sorts first.
	if string(got[0].Start) != "d" || string(got[0].End) != "m" || got[0].Seq != 30 {
		t.Errorf("first = [%s,%s)@%d, want [d,m)@30", got[0].Start, got[0].End, got[0].Seq)
	}
	if string(got[1].End) != "k" || got[1].Seq != 10 {
		t.Errorf("second = [%s,%s)@%d, want [d,k)@10", got[1].Start, got[1].End, got[1].Seq)
	}

	bottom := a.ForOutput(nil, nil, true)
	if len(bottom) != 1 || bottom[0].Seq != 30 {
		t.Errorf("bottommost output = %+v, want only the seq 30 tombstone", bottom)
	}
}
