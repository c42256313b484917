// encoding.go implements the MANIFEST record encoding of VersionEdit.
package manifest

import (
	"errors"
	"fmt"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
)

// ErrCorruptEdit is returned when a logged edit cannot be decoded.
var ErrCorruptEdit = errors.New("manifest: corrupt version edit")

// Field numbers of the logged edit. Unknown fields are skipped on decode so
// newer writers stay readable.
const (
	editColumnFamily   protowire.Number = 1
	editNextFileNumber protowire.Number = 2
	editDeletedFile    protowire.Number = 3
	editNewFile        protowire.Number = 4

	delLevel  protowire.Number = 1
	delNumber protowire.Number = 2

	fileLevel              protowire.Number = 1
	fileNumber             protowire.Number = 2
	fileSize               protowire.Number = 3
	fileSmallest           protowire.Number = 4
	fileLargest            protowire.Number = 5
	fileSmallestSeqno      protowire.Number = 6
	fileLargestSeqno       protowire.Number = 7
	fileOldestAncestorTime protowire.Number = 8
	fileCreationTime       protowire.Number = 9
	fileEpochNumber        protowire.Number = 10
	fileChecksum           protowire.Number = 11
	fileChecksumFuncName   protowire.Number = 12
	fileTemperature        protowire.Number = 13
	fileMarked             protowire.Number = 14
	fileUniqueIDHi         protowire.Number = 15
	fileUniqueIDLo         protowire.Number = 16
	fileNumEntries         protowire.Number = 17
	fileNumRangeDeletions  protowire.Number = 18
)

// ManifestFileName returns the path of MANIFEST number in dir.
func ManifestFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", number))
}

func appendUvarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Encode serializes the edit.
func (ve *VersionEdit) Encode() []byte {
	var b []byte
	b = appendBytesField(b, editColumnFamily, []byte(ve.ColumnFamilyName))
	b = appendUvarintField(b, editNextFileNumber, ve.NextFileNumber)
	for _, d := range ve.DeletedFiles {
		var sub []byte
		sub = protowire.AppendTag(sub, delLevel, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(d.Level))
		sub = appendUvarintField(sub, delNumber, d.FileNumber)
		b = protowire.AppendTag(b, editDeletedFile, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	for _, n := range ve.NewFiles {
		b = protowire.AppendTag(b, editNewFile, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeNewFile(n))
	}
	return b
}

func encodeNewFile(n NewFileEntry) []byte {
	f := n.Meta
	var b []byte
	b = protowire.AppendTag(b, fileLevel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Level))
	b = appendUvarintField(b, fileNumber, f.Number)
	b = appendUvarintField(b, fileSize, f.FileSize)
	b = appendBytesField(b, fileSmallest, f.Smallest)
	b = appendBytesField(b, fileLargest, f.Largest)
	b = appendUvarintField(b, fileSmallestSeqno, uint64(f.SmallestSeqno))
	b = appendUvarintField(b, fileLargestSeqno, uint64(f.LargestSeqno))
	b = appendUvarintField(b, fileOldestAncestorTime, f.OldestAncestorTime)
	b = appendUvarintField(b, fileCreationTime, f.FileCreationTime)
	b = appendUvarintField(b, fileEpochNumber, f.EpochNumber)
	b = appendBytesField(b, fileChecksum, []byte(f.FileChecksum))
	b = appendBytesField(b, fileChecksumFuncName, []byte(f.FileChecksumFuncName))
	b = appendUvarintField(b, fileTemperature, uint64(f.Temperature))
	if f.MarkedForCompaction {
		b = appendUvarintField(b, fileMarked, 1)
	}
	b = appendUvarintField(b, fileUniqueIDHi, f.UniqueID[0])
	b = appendUvarintField(b, fileUniqueIDLo, f.UniqueID[1])
	b = appendUvarintField(b, fileNumEntries, f.NumEntries)
	b = appendUvarintField(b, fileNumRangeDeletions, f.NumRangeDeletions)
	return b
}

// fields walks the top-level fields of b, calling fn for varint and bytes
// fields and skipping the rest.
func fields(b []byte, fn func(num protowire.Number, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptEdit, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrCorruptEdit, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrCorruptEdit, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrCorruptEdit, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// DecodeVersionEdit parses an edit produced by Encode.
func DecodeVersionEdit(data []byte) (*VersionEdit, error) {
	ve := &VersionEdit{}
	err := fields(data, func(num protowire.Number, v uint64, sub []byte) error {
		switch num {
		case editColumnFamily:
			ve.ColumnFamilyName = string(sub)
		case editNextFileNumber:
			ve.NextFileNumber = v
		case editDeletedFile:
			var d DeletedFileEntry
			if err := fields(sub, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case delLevel:
					d.Level = int(v)
				case delNumber:
					d.FileNumber = v
				}
				return nil
			}); err != nil {
				return err
			}
			ve.DeletedFiles = append(ve.DeletedFiles, d)
		case editNewFile:
			n, err := decodeNewFile(sub)
			if err != nil {
				return err
			}
			ve.NewFiles = append(ve.NewFiles, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ve, nil
}

func decodeNewFile(data []byte) (NewFileEntry, error) {
	f := &FileMetaData{FileChecksumFuncName: UnknownFileChecksumFuncName}
	entry := NewFileEntry{Meta: f}
	err := fields(data, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case fileLevel:
			entry.Level = int(v)
		case fileNumber:
			f.Number = v
		case fileSize:
			f.FileSize = v
		case fileSmallest:
			f.Smallest = dbformat.InternalKey(append([]byte(nil), b...))
		case fileLargest:
			f.Largest = dbformat.InternalKey(append([]byte(nil), b...))
		case fileSmallestSeqno:
			f.SmallestSeqno = dbformat.SequenceNumber(v)
		case fileLargestSeqno:
			f.LargestSeqno = dbformat.SequenceNumber(v)
		case fileOldestAncestorTime:
			f.OldestAncestorTime = v
		case fileCreationTime:
			f.FileCreationTime = v
		case fileEpochNumber:
			f.EpochNumber = v
		case fileChecksum:
			f.FileChecksum = string(b)
		case fileChecksumFuncName:
			f.FileChecksumFuncName = string(b)
		case fileTemperature:
			f.Temperature = Temperature(v)
		case fileMarked:
			f.MarkedForCompaction = v != 0
		case fileUniqueIDHi:
			f.UniqueID[0] = v
		case fileUniqueIDLo:
			f.UniqueID[1] = v
		case fileNumEntries:
			f.NumEntries = v
		case fileNumRangeDeletions:
			f.NumRangeDeletions = v
		}
		return nil
	})
	if err != nil {
		return NewFileEntry{}, err
	}
	if f.Number == 0 || len(f.Smallest) < dbformat.NumInternalBytes || len(f.Largest) < dbformat.NumInternalBytes {
		return NewFileEntry{}, fmt.Errorf("%w: new file #%d missing bounds", ErrCorruptEdit, f.Number)
	}
	return entry, nil
}
