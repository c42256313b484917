// Package table reads and writes the sorted files a compaction consumes
// and produces.
//
// A file is a sequence of blocks followed by a fixed-size footer:
//
//	[data block 1] ... [data block N]
//	[range deletion block]
//	[index block]
//	[properties block]
//	[footer]
//
// Every block carries a 5-byte trailer: the compression type and a checksum
// over the stored bytes plus that type byte. Data block entries are
// length-prefixed (key, value) pairs; index entries map the last internal
// key of each data block to its handle.
//
// Reference: RocksDB v10.7.5
//   - table/format.h (BlockHandle, Footer)
//   - table/block_based/block_based_table_builder.cc
package table

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/compression"
)

const (
	// MagicNumber identifies a table file.
	MagicNumber uint64 = 0x636f6d7061637431

	// FormatVersion is written into every footer.
	FormatVersion uint32 = 1

	blockTrailerSize = 5
	handleSize       = 16
	footerSize       = 3*handleSize + 8 + 8
)

var (
	// ErrCorruption is returned when a file fails structural or checksum
	// validation.
	ErrCorruption = errors.New("table: corruption")

	// ErrFinished is returned when a finished or abandoned writer is used.
	ErrFinished = errors.New("table: writer already finished")

	// ErrOutOfOrder is returned when keys are not added in sorted order.
	ErrOutOfOrder = errors.New("table: keys added out of order")
)

// Handle locates a block within a file. Size excludes the trailer.
type Handle struct {
	Offset uint64
	Size   uint64
}

func (h Handle) appendFixed(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.Offset)
	return binary.LittleEndian.AppendUint64(dst, h.Size)
}

func decodeFixedHandle(src []byte) Handle {
	return Handle{
		Offset: binary.LittleEndian.Uint64(src),
		Size:   binary.LittleEndian.Uint64(src[8:]),
	}
}

func (h Handle) appendVarint(dst []byte) []byte {
	dst = protowire.AppendVarint(dst, h.Offset)
	return protowire.AppendVarint(dst, h.Size)
}

func decodeVarintHandle(src []byte) (Handle, error) {
	off, n := protowire.ConsumeVarint(src)
	if n < 0 {
		return Handle{}, fmt.Errorf("%w: bad handle offset", ErrCorruption)
	}
	size, m := protowire.ConsumeVarint(src[n:])
	if m < 0 {
		return Handle{}, fmt.Errorf("%w: bad handle size", ErrCorruption)
	}
	return Handle{Offset: off, Size: size}, nil
}

type footer struct {
	rangeDel     Handle
	index        Handle
	properties   Handle
	checksumType checksum.Type
}

func (f footer) encode() []byte {
	buf := make([]byte, 0, footerSize)
	buf = f.rangeDel.appendFixed(buf)
	buf = f.index.appendFixed(buf)
	buf = f.properties.appendFixed(buf)
	buf = binary.LittleEndian.AppendUint32(buf, FormatVersion)
	buf = append(buf, byte(f.checksumType), 0, 0, 0)
	return binary.LittleEndian.AppendUint64(buf, MagicNumber)
}

func decodeFooter(src []byte) (footer, error) {
	if len(src) != footerSize {
		return footer{}, fmt.Errorf("%w: footer is %d bytes", ErrCorruption, len(src))
	}
	if magic := binary.LittleEndian.Uint64(src[footerSize-8:]); magic != MagicNumber {
		return footer{}, fmt.Errorf("%w: bad magic number %#x", ErrCorruption, magic)
	}
	if v := binary.LittleEndian.Uint32(src[3*handleSize:]); v != FormatVersion {
		return footer{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruption, v)
	}
	return footer{
		rangeDel:     decodeFixedHandle(src),
		index:        decodeFixedHandle(src[handleSize:]),
		properties:   decodeFixedHandle(src[2*handleSize:]),
		checksumType: checksum.Type(src[3*handleSize+4]),
	}, nil
}

// appendEntry appends one length-prefixed (key, value) pair.
func appendEntry(dst, key, value []byte) []byte {
	dst = protowire.AppendBytes(dst, key)
	return protowire.AppendBytes(dst, value)
}

// consumeEntry decodes one pair and returns the bytes consumed.
func consumeEntry(src []byte) (key, value []byte, n int, err error) {
	key, kn := protowire.ConsumeBytes(src)
	if kn < 0 {
		return nil, nil, 0, fmt.Errorf("%w: bad entry key", ErrCorruption)
	}
	value, vn := protowire.ConsumeBytes(src[kn:])
	if vn < 0 {
		return nil, nil, 0, fmt.Errorf("%w: bad entry value", ErrCorruption)
	}
	return key, value, kn + vn, nil
}

// sealBlock compresses raw when that shrinks it and appends the trailer.
func sealBlock(raw []byte, ct compression.Type, cs checksum.Type) ([]byte, uint64, error) {
	stored := raw
	typ := compression.NoCompression
	if ct != compression.NoCompression {
		c, err := compression.Compress(ct, raw)
		if err != nil {
			return nil, 0, err
		}
		if len(c) < len(raw) {
			stored, typ = c, ct
		}
	}
	size := uint64(len(stored))
	out := make([]byte, 0, len(stored)+blockTrailerSize)
	out = append(out, stored...)
	out = append(out, byte(typ))
	out = binary.LittleEndian.AppendUint32(out, checksum.ComputeChecksum(cs, stored, byte(typ)))
	return out, size, nil
}

// openBlock verifies the trailer of a stored block and returns its
// decompressed contents.
func openBlock(withTrailer []byte, cs checksum.Type) ([]byte, error) {
	if len(withTrailer) < blockTrailerSize {
		return nil, fmt.Errorf("%w: truncated block", ErrCorruption)
	}
	n := len(withTrailer) - blockTrailerSize
	stored, typ := withTrailer[:n], withTrailer[n]
	want := binary.LittleEndian.Uint32(withTrailer[n+1:])
	if cs != checksum.TypeNoChecksum {
		if got := checksum.ComputeChecksum(cs, stored, typ); got != want {
			return nil, fmt.Errorf("%w: block checksum mismatch: got %#x, want %#x", ErrCorruption, got, want)
		}
	}
	ct := compression.Type(typ)
	if !ct.IsSupported() {
		return nil, fmt.Errorf("%w: unknown compression type %d", ErrCorruption, typ)
	}
	out, err := compression.Decompress(ct, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return out, nil
}
