// Package record reads and writes the block-framed log format used for the
// MANIFEST. Logical records are fragmented across fixed-size blocks, and each
// physical fragment carries a masked CRC32C over its type and payload.
//
//	+----------+---------+------+---------+
//	| CRC (4B) | Len(2B) | Type | Payload |
//	+----------+---------+------+---------+
//
// Reference: RocksDB v10.7.5
//   - db/log_format.h
//   - db/log_writer.cc
//   - db/log_reader.cc
package record

// BlockSize is the size of each block in the log file.
const BlockSize = 32768

// HeaderSize is checksum (4) + length (2) + type (1).
const HeaderSize = 7

// Type is the fragment type of a physical record. The values are on-disk
// format.
type Type uint8

const (
	// ZeroType is reserved for preallocated files.
	ZeroType Type = 0
	FullType Type = 1

	FirstType  Type = 2
	MiddleType Type = 3
	LastType   Type = 4
)

func (t Type) String() string {
	switch t {
	case ZeroType:
		return "ZeroType"
	case FullType:
		return "FullType"
	case FirstType:
		return "FirstType"
	case MiddleType:
		return "MiddleType"
	case LastType:
		return "LastType"
	default:
		return "UnknownType"
	}
}
