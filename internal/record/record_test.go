package record

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	records := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte("x"), BlockSize-HeaderSize),
		bytes.Repeat([]byte("y"), 3*BlockSize+17),
		[]byte("tail"),
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, rec := range records {
		if _, err := w.AddRecord(rec); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range records {
		got, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("record %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Errorf("after last record: err = %v, want io.EOF", err)
	}
}

func TestBlockPadding(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	// Leave fewer than HeaderSize bytes in the first block.
	first := bytes.Repeat([]byte("a"), BlockSize-HeaderSize-3)
	w.AddRecord(first)
	w.AddRecord([]byte("b"))

	if buf.Len() != BlockSize+HeaderSize+1 {
		t.Fatalf("log size = %d, want %d", buf.Len(), BlockSize+HeaderSize+1)
	}
	r := NewReader(&buf)
	r.ReadRecord()
	got, err := r.ReadRecord()
	if err != nil || string(got) != "b" {
		t.Errorf("second record = %q, %v", got, err)
	}
}

func TestCorruptedPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.AddRecord([]byte("payload"))
	data := buf.Bytes()
	data[HeaderSize+2] ^= 0xff

	r := NewReader(bytes.NewReader(data))
	if _, err := r.ReadRecord(); !errors.Is(err, ErrCorruptedRecord) {
		t.Errorf("err = %v, want ErrCorruptedRecord", err)
	}
}

func TestTruncatedFragmentedRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.AddRecord([]byte(strings.Repeat("z", 2*BlockSize)))

	r := NewReader(bytes.NewReader(buf.Bytes()[:BlockSize+100]))
	if _, err := r.ReadRecord(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestTornTailIsEOF(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.AddRecord([]byte("complete"))
	w.AddRecord([]byte("torn record"))

	data := buf.Bytes()[:buf.Len()-4]
	r := NewReader(bytes.NewReader(data))
	if got, err := r.ReadRecord(); err != nil || string(got) != "complete" {
		t.Fatalf("first record = %q, %v", got, err)
	}
	if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}
