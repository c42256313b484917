// reader.go implements Reader for compaction input tables.
package table

import (
	"fmt"
	"io"
	"sort"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/rangedel"
	"github.com/aalhour/rockyardkv-compaction/internal/vfs"
)

type indexEntry struct {
	lastKey []byte
	handle  Handle
}

// Reader reads a table written by Writer. The index and properties are
// loaded at open; data blocks are read on demand.
//
// Reference: RocksDB v10.7.5 table/block_based/block_based_table_reader.cc
type Reader struct {
	f     vfs.RandomAccessFile
	ft    footer
	index []indexEntry
	props Properties
}

// Open reads the footer, index and properties of f. The reader owns f.
func Open(f vfs.RandomAccessFile) (*Reader, error) {
	size := f.Size()
	if size < footerSize {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorruption, size)
	}
	buf := make([]byte, footerSize)
	if err := readFull(f, buf, size-footerSize); err != nil {
		return nil, err
	}
	ft, err := decodeFooter(buf)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f, ft: ft}

	raw, err := r.readBlock(ft.index)
	if err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}
	for len(raw) > 0 {
		key, value, n, err := consumeEntry(raw)
		if err != nil {
			return nil, err
		}
		h, err := decodeVarintHandle(value)
		if err != nil {
			return nil, err
		}
		r.index = append(r.index, indexEntry{lastKey: key, handle: h})
		raw = raw[n:]
	}

	raw, err = r.readBlock(ft.properties)
	if err != nil {
		return nil, fmt.Errorf("properties block: %w", err)
	}
	if r.props, err = DecodeProperties(raw); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenFile opens name on fs.
func OpenFile(fs vfs.FS, name string) (*Reader, error) {
	f, err := fs.OpenRandomAccess(name)
	if err != nil {
		return nil, err
	}
	r, err := Open(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open table %s: %w", name, err)
	}
	return r, nil
}

func readFull(f vfs.RandomAccessFile, buf []byte, off int64) error {
	n, err := f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("%w: short read at %d", ErrCorruption, off)
	}
	return err
}

func (r *Reader) readBlock(h Handle) ([]byte, error) {
	buf := make([]byte, h.Size+blockTrailerSize)
	if err := readFull(r.f, buf, int64(h.Offset)); err != nil {
		return nil, err
	}
	return openBlock(buf, r.ft.checksumType)
}

// Properties returns the table properties.
func (r *Reader) Properties() Properties { return r.props }

// Size returns the file size.
func (r *Reader) Size() uint64 { return uint64(r.f.Size()) }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// RangeTombstones returns the range deletions stored in the table.
func (r *Reader) RangeTombstones() ([]rangedel.Tombstone, error) {
	raw, err := r.readBlock(r.ft.rangeDel)
	if err != nil {
		return nil, fmt.Errorf("range deletion block: %w", err)
	}
	var out []rangedel.Tombstone
	for len(raw) > 0 {
		key, end, n, err := consumeEntry(raw)
		if err != nil {
			return nil, err
		}
		p, err := dbformat.ParseInternalKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: range deletion key: %v", ErrCorruption, err)
		}
		out = append(out, rangedel.NewTombstone(p.UserKey, end, p.Sequence))
		raw = raw[n:]
	}
	return out, nil
}

// ApproximateOffsetOf returns the file offset at which ikey would be
// stored. Keys past the last block map to the file size.
func (r *Reader) ApproximateOffsetOf(ikey []byte) uint64 {
	i := sort.Search(len(r.index), func(i int) bool {
		return dbformat.CompareInternalKeys(r.index[i].lastKey, ikey) >= 0
	})
	if i == len(r.index) {
		return r.Size()
	}
	return r.index[i].handle.Offset
}

// VerifyChecksums reads every block and checks that the point entry count
// matches the properties.
func (r *Reader) VerifyChecksums() error {
	var n uint64
	for _, e := range r.index {
		raw, err := r.readBlock(e.handle)
		if err != nil {
			return err
		}
		for len(raw) > 0 {
			_, _, m, err := consumeEntry(raw)
			if err != nil {
				return err
			}
			raw = raw[m:]
			n++
		}
	}
	if _, err := r.readBlock(r.ft.rangeDel); err != nil {
		return err
	}
	if want := r.props.NumPointEntries(); n != want {
		return fmt.Errorf("%w: read %d entries, properties say %d", ErrCorruption, n, want)
	}
	return nil
}

// FileChecksum reads the whole file and returns its checksum.
func (r *Reader) FileChecksum() (string, error) {
	buf := make([]byte, r.f.Size())
	if err := readFull(r.f, buf, 0); err != nil {
		return "", err
	}
	return checksum.FileChecksum(buf), nil
}

// NewIterator returns an iterator over the point entries.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// Iterator walks the point entries of a table in order.
type Iterator struct {
	r        *Reader
	blockIdx int
	block    []byte
	pos      int
	key      []byte
	value    []byte
	valid    bool
	err      error
}

func (it *Iterator) Valid() bool   { return it.valid }
func (it *Iterator) Key() []byte   { return it.key }
func (it *Iterator) Value() []byte { return it.value }
func (it *Iterator) Error() error  { return it.err }

func (it *Iterator) SeekToFirst() {
	it.err = nil
	it.loadBlock(0)
	it.advance()
}

func (it *Iterator) Seek(target []byte) {
	it.err = nil
	i := sort.Search(len(it.r.index), func(i int) bool {
		return dbformat.CompareInternalKeys(it.r.index[i].lastKey, target) >= 0
	})
	it.loadBlock(i)
	it.advance()
	for it.valid && dbformat.CompareInternalKeys(it.key, target) < 0 {
		it.advance()
	}
}

func (it *Iterator) Next() {
	if it.valid {
		it.advance()
	}
}

func (it *Iterator) loadBlock(i int) {
	it.blockIdx = i
	it.block = nil
	it.pos = 0
	if i >= len(it.r.index) {
		return
	}
	raw, err := it.r.readBlock(it.r.index[i].handle)
	if err != nil {
		it.err = err
		return
	}
	it.block = raw
}

// advance decodes the next entry, moving to the next block as needed.
func (it *Iterator) advance() {
	for it.err == nil {
		if it.pos < len(it.block) {
			key, value, n, err := consumeEntry(it.block[it.pos:])
			if err != nil {
				it.err = err
				break
			}
			it.key, it.value = key, value
			it.pos += n
			it.valid = true
			return
		}
		if it.blockIdx+1 >= len(it.r.index) {
			break
		}
		it.loadBlock(it.blockIdx + 1)
	}
	it.valid = false
	it.key, it.value = nil, nil
}
