// Package checksum provides the block and file checksums written by
// compaction outputs and verified by paranoid file checks.
//
// Block checksums follow RocksDB's "checksum with last byte" scheme, where
// the compression type byte that trails a block is folded into the value.
// Whole-file checksums and unique table ids use XXH3 from
// github.com/zeebo/xxh3.
//
// Reference: RocksDB v10.7.5
//   - include/rocksdb/table.h (ChecksumType enum)
//   - table/format.cc (ComputeBuiltinChecksumWithLastByte)
package checksum

import (
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

// Type represents the type of checksum algorithm.
type Type uint8

const (
	// TypeNoChecksum means no checksum is used.
	TypeNoChecksum Type = 0
	// TypeCRC32C is CRC32C (Castagnoli) checksum.
	TypeCRC32C Type = 1
	// TypeXXH3 is XXH3 checksum (used in RocksDB format_version 5+).
	TypeXXH3 Type = 4
)

// String returns a human-readable name for the checksum type.
func (t Type) String() string {
	switch t {
	case TypeNoChecksum:
		return "NoChecksum"
	case TypeCRC32C:
		return "CRC32C"
	case TypeXXH3:
		return "XXH3"
	default:
		return "Unknown"
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is RocksDB's kMaskDelta.
const maskDelta = 0xa282ead8

// randomPrime is RocksDB's kRandomPrime for folding the last byte into XXH3.
const randomPrime = 0x6b9083d9

// MaskCRC returns a masked representation of crc, safe to store next to the
// data it covers.
func MaskCRC(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// ComputeChecksum computes a block checksum of the given type.
// data is the block content and lastByte is the compression type.
func ComputeChecksum(t Type, data []byte, lastByte byte) uint32 {
	switch t {
	case TypeCRC32C:
		crc := crc32.Update(crc32.Checksum(data, crc32cTable), crc32cTable, []byte{lastByte})
		return MaskCRC(crc)
	case TypeXXH3:
		return uint32(xxh3.Hash(data)) ^ (uint32(lastByte) * randomPrime)
	default:
		return 0
	}
}

// Value returns the CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Extend returns the CRC32C of the concatenation of the data that produced
// crc and data.
func Extend(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32cTable, data)
}

// UnmaskCRC reverses MaskCRC.
func UnmaskCRC(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}
