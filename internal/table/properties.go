// properties.go implements the table properties block.
//
// Reference: RocksDB v10.7.5 include/rocksdb/table_properties.h
package table

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Properties summarizes a table. They are written to the properties block
// and also travel inside remote compaction results.
//
// Reference: RocksDB v10.7.5 include/rocksdb/table_properties.h
type Properties struct {
	DataSize          uint64
	IndexSize         uint64
	NumDataBlocks     uint64
	NumEntries        uint64 // point entries plus range deletions
	NumDeletions      uint64
	NumMergeOperands  uint64
	NumRangeDeletions uint64
	RawKeySize        uint64
	RawValueSize      uint64
	SmallestSeqno     uint64
	LargestSeqno      uint64
	CreationTime      uint64 // oldest ancestor time of the data
	FileCreationTime  uint64
	OrigFileNumber    uint64
	ColumnFamilyName  string
	CompressionName   string
	DBID              string
	DBSessionID       string
	SeqnoToTime       string // seqnotime.Mapping encoding
}

// Field numbers of the encoded properties.
const (
	propDataSize protowire.Number = iota + 1
	propIndexSize
	propNumDataBlocks
	propNumEntries
	propNumDeletions
	propNumMergeOperands
	propNumRangeDeletions
	propRawKeySize
	propRawValueSize
	propSmallestSeqno
	propLargestSeqno
	propCreationTime
	propFileCreationTime
	propOrigFileNumber
	propColumnFamilyName
	propCompressionName
	propDBID
	propDBSessionID
	propSeqnoToTime
)

func (p *Properties) uints() []struct {
	num protowire.Number
	v   *uint64
} {
	return []struct {
		num protowire.Number
		v   *uint64
	}{
		{propDataSize, &p.DataSize},
		{propIndexSize, &p.IndexSize},
		{propNumDataBlocks, &p.NumDataBlocks},
		{propNumEntries, &p.NumEntries},
		{propNumDeletions, &p.NumDeletions},
		{propNumMergeOperands, &p.NumMergeOperands},
		{propNumRangeDeletions, &p.NumRangeDeletions},
		{propRawKeySize, &p.RawKeySize},
		{propRawValueSize, &p.RawValueSize},
		{propSmallestSeqno, &p.SmallestSeqno},
		{propLargestSeqno, &p.LargestSeqno},
		{propCreationTime, &p.CreationTime},
		{propFileCreationTime, &p.FileCreationTime},
		{propOrigFileNumber, &p.OrigFileNumber},
	}
}

func (p *Properties) strings() []struct {
	num protowire.Number
	v   *string
} {
	return []struct {
		num protowire.Number
		v   *string
	}{
		{propColumnFamilyName, &p.ColumnFamilyName},
		{propCompressionName, &p.CompressionName},
		{propDBID, &p.DBID},
		{propDBSessionID, &p.DBSessionID},
		{propSeqnoToTime, &p.SeqnoToTime},
	}
}

// AppendTo appends the protobuf-compatible encoding of p to dst. Zero
// fields are omitted.
func (p *Properties) AppendTo(dst []byte) []byte {
	for _, f := range p.uints() {
		if *f.v != 0 {
			dst = protowire.AppendTag(dst, f.num, protowire.VarintType)
			dst = protowire.AppendVarint(dst, *f.v)
		}
	}
	for _, f := range p.strings() {
		if *f.v != "" {
			dst = protowire.AppendTag(dst, f.num, protowire.BytesType)
			dst = protowire.AppendString(dst, *f.v)
		}
	}
	return dst
}

// Encode returns the encoding of p.
func (p *Properties) Encode() []byte { return p.AppendTo(nil) }

// DecodeProperties parses the output of Encode. Unknown fields are skipped.
func DecodeProperties(data []byte) (Properties, error) {
	var p Properties
	uints := make(map[protowire.Number]*uint64)
	for _, f := range p.uints() {
		uints[f.num] = f.v
	}
	strs := make(map[protowire.Number]*string)
	for _, f := range p.strings() {
		strs[f.num] = f.v
	}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Properties{}, fmt.Errorf("%w: properties tag: %v", ErrCorruption, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case typ == protowire.VarintType && uints[num] != nil:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Properties{}, fmt.Errorf("%w: property %d: %v", ErrCorruption, num, protowire.ParseError(m))
			}
			*uints[num] = v
			n = m
		case typ == protowire.BytesType && strs[num] != nil:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return Properties{}, fmt.Errorf("%w: property %d: %v", ErrCorruption, num, protowire.ParseError(m))
			}
			*strs[num] = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Properties{}, fmt.Errorf("%w: property %d: %v", ErrCorruption, num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return p, nil
}

// NumPointEntries returns the entries that are not range deletions.
func (p *Properties) NumPointEntries() uint64 {
	if p.NumEntries < p.NumRangeDeletions {
		return 0
	}
	return p.NumEntries - p.NumRangeDeletions
}
