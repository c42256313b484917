package compaction

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/options"
)

func fileMeta(number uint64, smallest, largest string, size uint64) *manifest.FileMetaData {
	f := manifest.NewFileMetaData(number)
	f.FileSize = size
	f.UpdateBoundaries(dbformat.NewInternalKey([]byte(smallest), 10, dbformat.TypeValue), 10)
	f.UpdateBoundaries(dbformat.NewInternalKey([]byte(largest), 10, dbformat.TypeValue), 10)
	return f
}

// wholeFileSizer charges each file to the interval holding its smallest key.
type wholeFileSizer struct{}

func (wholeFileSizer) ApproximateSize(f *manifest.FileMetaData, lo, _ []byte) uint64 {
	if bytes.Compare(lo, f.SmallestUserKey()) <= 0 {
		return f.FileSize
	}
	return 0
}

func fourFiles() []*manifest.FileMetaData {
	return []*manifest.FileMetaData{
		fileMeta(1, "a", "f", 100),
		fileMeta(2, "g", "m", 100),
		fileMeta(3, "n", "s", 100),
		fileMeta(4, "t", "z", 100),
	}
}

func TestGenerateBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		files  []*manifest.FileMetaData
		target int
		want   []string
	}{
		{"single target", fourFiles(), 1, nil},
		{"single file", fourFiles()[:1], 4, nil},
		{"no files", nil, 4, nil},
		{"two parts", fourFiles(), 2, []string{"m"}},
		{"four parts", fourFiles(), 4, []string{"f", "m", "s"}},
		{"more parts than candidates", fourFiles(), 16, []string{"f", "m", "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateBoundaries(tt.files, tt.target, wholeFileSizer{})
			if len(got) != len(tt.want) {
				t.Fatalf("boundaries = %q, want %q", got, tt.want)
			}
			for i := range got {
				if string(got[i]) != tt.want[i] {
					t.Errorf("boundary %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestGenerateBoundariesNeverExceedsTarget(t *testing.T) {
	var files []*manifest.FileMetaData
	for i := range 26 {
		k := string(rune('a' + i))
		files = append(files, fileMeta(uint64(i+1), k+"0", k+"9", uint64(10*(i+1))))
	}
	for target := 1; target <= 30; target++ {
		got := GenerateBoundaries(files, target, wholeFileSizer{})
		if len(got) > max(target-1, 0) {
			t.Errorf("target %d: %d boundaries", target, len(got))
		}
		for i := 1; i < len(got); i++ {
			if bytes.Compare(got[i-1], got[i]) >= 0 {
				t.Errorf("target %d: boundaries not increasing: %q", target, got)
			}
		}
	}
}

func TestSplitRangesCoverDisjoint(t *testing.T) {
	boundaries := [][]byte{[]byte("f"), []byte("m"), []byte("s")}
	ranges := SplitRanges(boundaries, nil)
	if len(ranges) != 4 {
		t.Fatalf("len(ranges) = %d, want 4", len(ranges))
	}
	if ranges[0].Start != nil || ranges[3].End != nil {
		t.Errorf("outer ranges not open: %+v", ranges)
	}
	for i := 1; i < len(ranges); i++ {
		if !bytes.Equal(ranges[i-1].End, ranges[i].Start) {
			t.Errorf("gap or overlap between range %d and %d", i-1, i)
		}
	}
	for _, key := range []string{"a", "f", "l", "m", "r", "s", "zz"} {
		n := 0
		for _, r := range ranges {
			if r.Contains([]byte(key)) {
				n++
			}
		}
		if n != 1 {
			t.Errorf("key %q is in %d ranges, want 1", key, n)
		}
	}
}

func TestSplitRangesWithBound(t *testing.T) {
	bound := &KeyRange{Start: []byte("c"), End: []byte("x")}
	ranges := SplitRanges(nil, bound)
	if len(ranges) != 1 {
		t.Fatalf("len(ranges) = %d, want 1", len(ranges))
	}
	if string(ranges[0].Start) != "c" || string(ranges[0].End) != "x" {
		t.Errorf("range = [%q, %q), want [c, x)", ranges[0].Start, ranges[0].End)
	}
}

func TestRoundRobinBoundaries(t *testing.T) {
	start := []*manifest.FileMetaData{
		fileMeta(3, "n", "s", 1),
		fileMeta(1, "a", "f", 1),
		fileMeta(2, "g", "m", 1),
	}
	got := RoundRobinBoundaries(start, 3)
	if len(got) != 2 || string(got[0]) != "g" || string(got[1]) != "n" {
		t.Errorf("boundaries = %q, want [g n]", got)
	}
	if got := RoundRobinBoundaries(start, 2); len(got) != 1 {
		t.Errorf("target 2: boundaries = %q, want one", got)
	}
}

func TestPrepareUsesBoundaries(t *testing.T) {
	db := newTestDB(t)
	var l1 []*manifest.FileMetaData
	for i := range 4 {
		l1 = append(l1, db.writeTable(sequentialPuts(i*100, 100, uint64(i*100+1))))
	}
	db.addFiles(1, l1...)

	opts := testOptions()
	opts.MaxSubcompactions = 4
	c := NewCompaction("default", []InputFiles{{Level: 1, Files: l1}}, 2, opts)
	j := NewJob(c, db.jobConfig())
	if err := db.prepare(j); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if n := len(j.Subcompactions()); n < 2 || n > 4 {
		t.Fatalf("subcompactions = %d, want 2..4", n)
	}
	if got := len(j.Boundaries()) + 1; got != len(j.Subcompactions()) {
		t.Errorf("boundaries+1 = %d, subcompactions = %d", got, len(j.Subcompactions()))
	}
	subs := j.Subcompactions()
	if subs[0].Range.Start != nil || subs[len(subs)-1].Range.End != nil {
		t.Errorf("outer subcompactions not open")
	}
}

func TestPrepareRoundRobinBorrowsThreads(t *testing.T) {
	db := newTestDB(t)
	var l1 []*manifest.FileMetaData
	for i := range 3 {
		l1 = append(l1, db.writeTable(sequentialPuts(i*10, 10, uint64(i*10+1))))
	}
	db.addFiles(1, l1...)

	opts := testOptions()
	opts.MaxSubcompactions = 1
	opts.CompactionPri = options.RoundRobin
	c := NewCompaction("default", []InputFiles{{Level: 1, Files: l1}}, 2, opts)
	c.Reason = CompactionReasonLevelMaxLevelSize
	j := NewJob(c, db.jobConfig())
	if err := db.prepare(j); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got := len(j.Subcompactions()); got != 3 {
		t.Fatalf("subcompactions = %d, want 3", got)
	}
	if got := j.Reservation().Extra(); got != 2 {
		t.Errorf("extra threads = %d, want 2", got)
	}
	if got := db.ledger.InUse(); got != 2 {
		t.Errorf("ledger in use = %d, want 2", got)
	}
	if got := db.counters().Scheduled; got != 3 {
		t.Errorf("scheduled = %d, want 3", got)
	}

	db.vs.Mutex().Lock()
	j.Reservation().ReleaseAll()
	db.vs.Mutex().Unlock()
	if got := db.ledger.InUse(); got != 0 {
		t.Errorf("ledger in use after release = %d", got)
	}
	if got := db.counters().Scheduled; got != 1 {
		t.Errorf("scheduled after release = %d, want 1", got)
	}
}

// letterPuts returns perLetter puts for every letter in [from, to], keyed
// like "c007", with seqnos starting at seq and pad extra value bytes.
func letterPuts(from, to byte, perLetter, pad int, seq uint64) []testRecord {
	var recs []testRecord
	for ch := from; ch <= to; ch++ {
		for i := range perLetter {
			key := fmt.Sprintf("%c%03d", ch, i)
			recs = append(recs, put(key, seq, "value-"+key+strings.Repeat("x", pad)))
			seq++
		}
	}
	return recs
}

func TestPrepareSplitsNearMidpoint(t *testing.T) {
	tests := []struct {
		name      string
		blockSize int
		want      string
	}{
		// Interior block offsets let the cut land on the last key of the
		// heavier range.
		{"multi-block files", 0, "m019"},
		// A single block has no interior offset: each file is charged to
		// the interval past its largest key, so the cut falls on a file edge.
		{"single-block files", 1 << 20, "n000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			db.blockSize = tt.blockSize
			// [a, m] holds about two thirds of the bytes.
			am1 := db.writeTable(letterPuts('a', 'm', 20, 16, 1000))
			nz1 := db.writeTable(letterPuts('n', 'z', 20, 0, 2000))
			am2 := db.writeTable(letterPuts('a', 'm', 20, 16, 1))
			tz2 := db.writeTable(letterPuts('t', 'z', 20, 0, 500))
			db.addFiles(1, am1, nz1)
			db.addFiles(2, am2, tz2)
			files := []*manifest.FileMetaData{am1, nz1, am2, tz2}

			opts := testOptions()
			opts.MaxSubcompactions = 2
			c := NewCompaction("default", []InputFiles{
				{Level: 1, Files: []*manifest.FileMetaData{am1, nz1}},
				{Level: 2, Files: []*manifest.FileMetaData{am2, tz2}},
			}, 2, opts)
			c.Bottommost = true
			j := NewJob(c, db.jobConfig())
			if err := db.prepare(j); err != nil {
				t.Fatalf("Prepare: %v", err)
			}

			b := j.Boundaries()
			if len(b) != 1 || string(b[0]) != tt.want {
				t.Fatalf("boundaries = %q, want [%s]", b, tt.want)
			}
			subs := j.Subcompactions()
			if len(subs) != 2 {
				t.Fatalf("subcompactions = %d, want 2", len(subs))
			}
			if subs[0].Range.Start != nil || subs[1].Range.End != nil ||
				!bytes.Equal(subs[0].Range.End, b[0]) || !bytes.Equal(subs[1].Range.Start, b[0]) {
				t.Errorf("ranges [%q, %q) [%q, %q) leave a gap or overlap",
					subs[0].Range.Start, subs[0].Range.End, subs[1].Range.Start, subs[1].Range.End)
			}

			if err := j.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			var wantBytes uint64
			for _, f := range files {
				wantBytes += f.FileSize
			}
			if got := j.Stats().TotalInputBytes; got != wantBytes {
				t.Errorf("total input bytes = %d, want %d", got, wantBytes)
			}
			const total = 4*13*20 - 6*20
			if got := subs[0].Stats.NumInputRecords + subs[1].Stats.NumInputRecords; got != total {
				t.Fatalf("records consumed = %d, want %d", got, total)
			}
			for _, sub := range subs {
				if share := float64(sub.Stats.NumInputRecords) / total; share < 0.4 || share > 0.6 {
					t.Errorf("subcompaction %d read %.0f%% of the records", sub.Index, share*100)
				}
			}
			if _, err := db.install(j); err != nil {
				t.Fatalf("Install: %v", err)
			}
		})
	}
}
