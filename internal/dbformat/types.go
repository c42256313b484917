// Package dbformat provides the internal key format shared by compaction
// inputs and outputs.
//
// An internal key is the user key followed by an 8-byte little-endian
// trailer: (sequence_number << 8) | value_type.
//
// Reference: RocksDB v10.7.5
//   - db/dbformat.h
//   - db/dbformat.cc
package dbformat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// SequenceNumber is a 56-bit sequence number (stored in upper 56 bits of 64-bit trailer).
type SequenceNumber uint64

// MaxSequenceNumber is the maximum valid sequence number (2^56 - 1).
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// NumInternalBytes is the size of the internal key trailer (sequence + type).
const NumInternalBytes = 8

// ValueType represents the type of a key-value record.
// These values are embedded in the on-disk format and MUST NOT change.
type ValueType uint8

const (
	TypeDeletion       ValueType = 0x00
	TypeValue          ValueType = 0x01
	TypeMerge          ValueType = 0x02
	TypeSingleDeletion ValueType = 0x07
	TypeRangeDeletion  ValueType = 0x0F // meta block only
	TypeMax            ValueType = 0x7F // Not used for storing records
)

// ValueTypeForSeek sorts before every other entry of the same user key and
// sequence number.
const ValueTypeForSeek = TypeMax

var (
	// ErrKeyTooSmall is returned when an internal key is smaller than the trailer.
	ErrKeyTooSmall = errors.New("dbformat: internal key too small")

	// ErrInvalidValueType is returned when the value type is not recognized.
	ErrInvalidValueType = errors.New("dbformat: invalid value type")
)

// String returns the short name used in debug output.
func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "DEL"
	case TypeValue:
		return "PUT"
	case TypeMerge:
		return "MERGE"
	case TypeSingleDeletion:
		return "SDEL"
	case TypeRangeDeletion:
		return "RANGEDEL"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// IsValueType reports whether t may appear in a data block.
func IsValueType(t ValueType) bool {
	return t <= TypeMerge || t == TypeSingleDeletion
}

// PackSequenceAndType packs a sequence number and value type into a 64-bit value.
func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return (uint64(seq) << 8) | uint64(t)
}

// UnpackSequenceAndType extracts the sequence number and value type from a packed 64-bit value.
func UnpackSequenceAndType(packed uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(packed >> 8), ValueType(packed & 0xFF)
}

// ParsedInternalKey represents a parsed internal key.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Type     ValueType
}

// DebugString returns a debug string representation of the parsed internal key.
func (p *ParsedInternalKey) DebugString() string {
	return fmt.Sprintf("'%s' @ %d : %s", p.UserKey, p.Sequence, p.Type)
}

// AppendInternalKey appends the serialization of key to dst.
func AppendInternalKey(dst []byte, key *ParsedInternalKey) []byte {
	dst = append(dst, key.UserKey...)
	return binary.LittleEndian.AppendUint64(dst, PackSequenceAndType(key.Sequence, key.Type))
}

// ParseInternalKey parses an internal key from data.
func ParseInternalKey(data []byte) (*ParsedInternalKey, error) {
	n := len(data)
	if n < NumInternalBytes {
		return nil, ErrKeyTooSmall
	}
	seq, t := UnpackSequenceAndType(binary.LittleEndian.Uint64(data[n-NumInternalBytes:]))
	result := &ParsedInternalKey{
		UserKey:  data[:n-NumInternalBytes],
		Sequence: seq,
		Type:     t,
	}
	if !IsValueType(t) && t != TypeRangeDeletion && t != TypeMax {
		return result, ErrInvalidValueType
	}
	return result, nil
}

// ExtractUserKey returns the user key portion of an internal key.
func ExtractUserKey(internalKey []byte) []byte {
	if len(internalKey) < NumInternalBytes {
		return nil
	}
	return internalKey[:len(internalKey)-NumInternalBytes]
}

// ExtractValueType returns the value type from an internal key.
func ExtractValueType(internalKey []byte) ValueType {
	if len(internalKey) < NumInternalBytes {
		return TypeMax
	}
	n := len(internalKey)
	return ValueType(binary.LittleEndian.Uint64(internalKey[n-NumInternalBytes:]) & 0xFF)
}

// ExtractSequenceNumber returns the sequence number from an internal key.
func ExtractSequenceNumber(internalKey []byte) SequenceNumber {
	if len(internalKey) < NumInternalBytes {
		return 0
	}
	n := len(internalKey)
	return SequenceNumber(binary.LittleEndian.Uint64(internalKey[n-NumInternalBytes:]) >> 8)
}

// InternalKey is an encoded internal key stored as a byte slice.
type InternalKey []byte

// NewInternalKey creates a new internal key from user key, sequence, and type.
func NewInternalKey(userKey []byte, seq SequenceNumber, t ValueType) InternalKey {
	return AppendInternalKey(make([]byte, 0, len(userKey)+NumInternalBytes), &ParsedInternalKey{
		UserKey:  userKey,
		Sequence: seq,
		Type:     t,
	})
}

// UserKey returns the user key portion.
func (k InternalKey) UserKey() []byte { return ExtractUserKey(k) }

// Sequence returns the sequence number.
func (k InternalKey) Sequence() SequenceNumber { return ExtractSequenceNumber(k) }

// Type returns the value type.
func (k InternalKey) Type() ValueType { return ExtractValueType(k) }

// UpdateInternalKey rewrites the trailer of key in place.
func UpdateInternalKey(key []byte, seq SequenceNumber, t ValueType) {
	n := len(key)
	if n < NumInternalBytes {
		return
	}
	binary.LittleEndian.PutUint64(key[n-NumInternalBytes:], PackSequenceAndType(seq, t))
}

// CompareInternalKeys orders internal keys by user key ascending, then by
// trailer descending (newer entries first).
//
// Reference: RocksDB v10.7.5 db/dbformat.h InternalKeyComparator::Compare
func CompareInternalKeys(a, b []byte) int {
	ua, ub := ExtractUserKey(a), ExtractUserKey(b)
	if ua == nil {
		ua = a
	}
	if ub == nil {
		ub = b
	}
	if c := bytes.Compare(ua, ub); c != 0 {
		return c
	}
	if len(a) < NumInternalBytes || len(b) < NumInternalBytes {
		return 0
	}
	ta := binary.LittleEndian.Uint64(a[len(a)-NumInternalBytes:])
	tb := binary.LittleEndian.Uint64(b[len(b)-NumInternalBytes:])
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	}
	return 0
}
