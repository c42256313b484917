// writer.go implements Writer which builds compaction output tables.
//
// Reference: RocksDB v10.7.5 table/block_based/block_based_table_builder.cc
package table

import (
	"fmt"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/compression"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/rangedel"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// BlockSize is the target uncompressed size of a data block.
	BlockSize int

	Compression  compression.Type
	ChecksumType checksum.Type

	ColumnFamilyName string
	DBID             string
	DBSessionID      string
	OrigFileNumber   uint64
	CreationTime     uint64
	FileCreationTime uint64
}

// DefaultWriterOptions returns 4KB blocks, no compression and XXH3 block
// checksums.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		BlockSize:        4096,
		Compression:      compression.NoCompression,
		ChecksumType:     checksum.TypeXXH3,
		ColumnFamilyName: "default",
	}
}

// Writer streams a table to a file. Point entries must be added in
// internal key order; range tombstones may be added at any time before
// Finish.
//
// Reference: RocksDB v10.7.5 table/block_based/block_based_table_builder.cc
type Writer struct {
	f    vfs.WritableFile
	opts WriterOptions
	sum  *checksum.FileChecksumGenerator

	offset     uint64
	block      []byte
	index      []byte
	lastKey    []byte
	tombstones []rangedel.Tombstone
	seqnoTime  string

	props    Properties
	hasSeqno bool
	done     bool
	err      error
}

// NewWriter returns a writer that owns f. Finish or Abandon closes it.
func NewWriter(f vfs.WritableFile, opts WriterOptions) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.ChecksumType == checksum.TypeNoChecksum {
		opts.ChecksumType = checksum.TypeXXH3
	}
	return &Writer{
		f:    f,
		opts: opts,
		sum:  checksum.NewFileChecksumGenerator(),
		props: Properties{
			ColumnFamilyName: opts.ColumnFamilyName,
			CompressionName:  opts.Compression.String(),
			DBID:             opts.DBID,
			DBSessionID:      opts.DBSessionID,
			OrigFileNumber:   opts.OrigFileNumber,
			CreationTime:     opts.CreationTime,
			FileCreationTime: opts.FileCreationTime,
		},
	}
}

func (w *Writer) noteSeqno(seq dbformat.SequenceNumber) {
	s := uint64(seq)
	if !w.hasSeqno {
		w.props.SmallestSeqno, w.props.LargestSeqno = s, s
		w.hasSeqno = true
		return
	}
	w.props.SmallestSeqno = min(w.props.SmallestSeqno, s)
	w.props.LargestSeqno = max(w.props.LargestSeqno, s)
}

// Add appends a point entry. key is an internal key.
func (w *Writer) Add(key, value []byte) error {
	if w.done {
		return ErrFinished
	}
	if w.err != nil {
		return w.err
	}
	if w.lastKey != nil && dbformat.CompareInternalKeys(key, w.lastKey) <= 0 {
		w.err = fmt.Errorf("%w: %q after %q", ErrOutOfOrder, key, w.lastKey)
		return w.err
	}
	p, err := dbformat.ParseInternalKey(key)
	if err != nil {
		w.err = err
		return err
	}
	switch p.Type {
	case dbformat.TypeDeletion, dbformat.TypeSingleDeletion:
		w.props.NumDeletions++
	case dbformat.TypeMerge:
		w.props.NumMergeOperands++
	}
	w.noteSeqno(p.Sequence)

	w.block = appendEntry(w.block, key, value)
	w.lastKey = append(w.lastKey[:0], key...)
	w.props.NumEntries++
	w.props.RawKeySize += uint64(len(key))
	w.props.RawValueSize += uint64(len(value))

	if len(w.block) >= w.opts.BlockSize {
		if err := w.flushBlock(); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

// AddTombstone records a range deletion.
func (w *Writer) AddTombstone(t rangedel.Tombstone) error {
	if w.done {
		return ErrFinished
	}
	if t.IsEmpty() {
		return nil
	}
	w.tombstones = append(w.tombstones, t)
	w.props.NumEntries++
	w.props.NumRangeDeletions++
	w.noteSeqno(t.Seq)
	return nil
}

// SetSeqnoToTime stores an encoded seqnotime.Mapping in the properties.
func (w *Writer) SetSeqnoToTime(encoded []byte) {
	w.seqnoTime = string(encoded)
}

// NumEntries returns point entries plus range deletions added so far.
func (w *Writer) NumEntries() uint64 { return w.props.NumEntries }

// NumPointEntries returns the point entries added so far.
func (w *Writer) NumPointEntries() uint64 { return w.props.NumPointEntries() }

// EstimatedFileSize is the bytes written plus the pending block.
func (w *Writer) EstimatedFileSize() uint64 {
	return w.offset + uint64(len(w.block))
}

// FileSize returns the bytes written. After Finish it is the file size.
func (w *Writer) FileSize() uint64 { return w.offset }

// FileChecksum returns the whole-file checksum. Valid after Finish.
func (w *Writer) FileChecksum() string { return w.sum.Checksum() }

// FileChecksumFuncName names the function behind FileChecksum.
func (w *Writer) FileChecksumFuncName() string { return w.sum.Name() }

func (w *Writer) write(p []byte) error {
	n, err := w.f.Write(p)
	w.sum.Update(p[:n])
	w.offset += uint64(n)
	return err
}

func (w *Writer) writeBlock(raw []byte, ct compression.Type) (Handle, error) {
	sealed, size, err := sealBlock(raw, ct, w.opts.ChecksumType)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{Offset: w.offset, Size: size}
	if err := w.write(sealed); err != nil {
		return Handle{}, err
	}
	return h, nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	h, err := w.writeBlock(w.block, w.opts.Compression)
	if err != nil {
		return err
	}
	w.props.DataSize += h.Size + blockTrailerSize
	w.props.NumDataBlocks++
	w.index = appendEntry(w.index, w.lastKey, h.appendVarint(nil))
	w.block = w.block[:0]
	return nil
}

// Finish writes the remaining blocks and the footer, then syncs and closes
// the file.
func (w *Writer) Finish() (Properties, error) {
	if w.done {
		return Properties{}, ErrFinished
	}
	if w.err != nil {
		w.Abandon()
		return Properties{}, w.err
	}
	w.done = true

	props, err := w.finish()
	if err != nil {
		_ = w.f.Close()
		w.err = err
		return Properties{}, err
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return Properties{}, err
	}
	if err := w.f.Close(); err != nil {
		return Properties{}, err
	}
	return props, nil
}

func (w *Writer) finish() (Properties, error) {
	if err := w.flushBlock(); err != nil {
		return Properties{}, err
	}

	var rd []byte
	for _, t := range w.tombstones {
		rd = appendEntry(rd, t.SmallestKey(), t.End)
	}
	rdHandle, err := w.writeBlock(rd, compression.NoCompression)
	if err != nil {
		return Properties{}, err
	}

	idxHandle, err := w.writeBlock(w.index, compression.NoCompression)
	if err != nil {
		return Properties{}, err
	}
	w.props.IndexSize = idxHandle.Size + blockTrailerSize
	w.props.SeqnoToTime = w.seqnoTime

	props := w.props
	propHandle, err := w.writeBlock(props.Encode(), compression.NoCompression)
	if err != nil {
		return Properties{}, err
	}

	ft := footer{rangeDel: rdHandle, index: idxHandle, properties: propHandle, checksumType: w.opts.ChecksumType}
	if err := w.write(ft.encode()); err != nil {
		return Properties{}, err
	}
	return props, nil
}

// Abandon closes the file without finishing it. The caller removes it.
func (w *Writer) Abandon() {
	if w.done {
		return
	}
	w.done = true
	_ = w.f.Close()
}

// TombstoneBounds returns the smallest and largest internal keys implied
// by the range tombstones added so far, or nil when there are none.
func (w *Writer) TombstoneBounds() (smallest, largest []byte) {
	for _, t := range w.tombstones {
		if k := t.SmallestKey(); smallest == nil || dbformat.CompareInternalKeys(k, smallest) < 0 {
			smallest = k
		}
		if k := t.LargestKey(); largest == nil || dbformat.CompareInternalKeys(k, largest) > 0 {
			largest = k
		}
	}
	return smallest, largest
}
