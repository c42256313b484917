// service.go implements the remote compaction wire records.
//
// CompactionServiceInput describes the work; CompactionServiceResult
// carries the outputs and stats back. Both use protobuf wire encoding, and
// decoders skip unknown fields.
//
// Reference: RocksDB v10.7.5 db/compaction/compaction_service_job.cc
package compaction

import (
	"bytes"
	"fmt"
	"path/filepath"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
	"github.com/aalhour/rockyardkv-compaction/internal/dbformat"
	"github.com/aalhour/rockyardkv-compaction/internal/manifest"
	"github.com/aalhour/rockyardkv-compaction/internal/table"
)

// ErrCorruptServiceMessage is returned when a remote compaction message
// cannot be decoded.
var ErrCorruptServiceMessage = fmt.Errorf("%w: bad compaction service message", ErrCorruption)

// CompactionServiceJobInfo identifies a remote compaction to the dispatcher.
//
// Reference: RocksDB v10.7.5 include/rocksdb/options.h (CompactionServiceJobInfo)
type CompactionServiceJobInfo struct {
	DBName      string
	DBID        string
	DBSessionID string
	JobID       int
	// SubcompactionIndex is the unit of the job this request runs.
	SubcompactionIndex int
	Priority           ThreadPriority
	Reason             CompactionReason
	IsManual           bool
	IsFullCompaction   bool
	BaseInputLevel     int
	OutputLevel        int
}

// CompactionServiceInput is everything a remote worker needs to run one
// subcompaction. A nil Begin or End is an open bound; an empty non-nil
// slice is an explicit bound at the empty key.
//
// Reference: RocksDB v10.7.5 db/compaction/compaction_job.h
// (CompactionServiceInput)
type CompactionServiceInput struct {
	ColumnFamilyName string
	Snapshots        []dbformat.SequenceNumber

	// InputFiles are table file names in the database directory, already
	// expanded to every file the job reads.
	InputFiles []string

	OutputLevel   int
	StartLevel    int
	ProximalLevel int
	Bottommost    bool
	Reason        CompactionReason

	DBID  string
	Begin []byte
	End   []byte

	OptionsFileNumber uint64
}

// CompactionServiceOutputFile describes one table a worker wrote.
type CompactionServiceOutputFile struct {
	FileName             string
	FileSize             uint64
	SmallestSeqno        dbformat.SequenceNumber
	LargestSeqno         dbformat.SequenceNumber
	SmallestInternalKey  []byte
	LargestInternalKey   []byte
	OldestAncestorTime   uint64
	FileCreationTime     uint64
	EpochNumber          uint64
	FileChecksum         string
	FileChecksumFuncName string
	ParanoidHash         uint64
	MarkedForCompaction  bool
	UniqueID             checksum.UniqueID64x2
	TableProperties      table.Properties

	IsProximalLevelOutput bool
	Temperature           manifest.Temperature
}

// CompactionServiceResult is what a worker sends back.
type CompactionServiceResult struct {
	Status       Status
	OutputFiles  []CompactionServiceOutputFile
	OutputLevel  int
	OutputPath   string
	BytesRead    uint64
	BytesWritten uint64

	Stats         CompactionJobStats
	InternalStats CompactionStatsFull
}

// Field numbers. Unknown fields are skipped when decoding.
const (
	inCF                protowire.Number = 1
	inSnapshots         protowire.Number = 2
	inInputFiles        protowire.Number = 3
	inOutputLevel       protowire.Number = 4
	inDBID              protowire.Number = 5
	inBegin             protowire.Number = 6
	inEnd               protowire.Number = 7
	inOptionsFileNumber protowire.Number = 8
	inStartLevel        protowire.Number = 9
	inProximalLevel     protowire.Number = 10
	inBottommost        protowire.Number = 11
	inReason            protowire.Number = 12

	resStatusCode    protowire.Number = 1
	resStatusMessage protowire.Number = 2
	resOutputFile    protowire.Number = 3
	resOutputLevel   protowire.Number = 4
	resOutputPath    protowire.Number = 5
	resBytesRead     protowire.Number = 6
	resBytesWritten  protowire.Number = 7
	resStats         protowire.Number = 8
	resInternalStats protowire.Number = 9

	ofFileName      protowire.Number = 1
	ofFileSize      protowire.Number = 2
	ofSmallestSeqno protowire.Number = 3
	ofLargestSeqno  protowire.Number = 4
	ofSmallestKey   protowire.Number = 5
	ofLargestKey    protowire.Number = 6
	ofOldestTime    protowire.Number = 7
	ofCreationTime  protowire.Number = 8
	ofEpochNumber   protowire.Number = 9
	ofChecksum      protowire.Number = 10
	ofChecksumFunc  protowire.Number = 11
	ofParanoidHash  protowire.Number = 12
	ofMarked        protowire.Number = 13
	ofUniqueIDHi    protowire.Number = 14
	ofUniqueIDLo    protowire.Number = 15
	ofProperties    protowire.Number = 16
	ofProximal      protowire.Number = 17
	ofTemperature   protowire.Number = 18

	fullOutput   protowire.Number = 1
	fullProximal protowire.Number = 2
	fullHas      protowire.Number = 3

	infoDBName      protowire.Number = 1
	infoDBID        protowire.Number = 2
	infoSessionID   protowire.Number = 3
	infoJobID       protowire.Number = 4
	infoSubIndex    protowire.Number = 5
	infoPriority    protowire.Number = 6
	infoReason      protowire.Number = 7
	infoManual      protowire.Number = 8
	infoFull        protowire.Number = 9
	infoBaseLevel   protowire.Number = 10
	infoOutputLevel protowire.Number = 11
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendIntField(b []byte, num protowire.Number, v int) []byte {
	return appendVarintField(b, num, protowire.EncodeZigZag(int64(v)))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendKeyField writes v even when empty; only nil is omitted.
func appendKeyField(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// walkFields calls visit for every field of data. visit returns how many
// bytes of the value it consumed, 0 to have the field skipped, or a
// negative protowire error.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, data []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrCorruptServiceMessage, protowire.ParseError(n))
		}
		data = data[n:]
		m := visit(num, typ, data)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorruptServiceMessage, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, data []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(data)
	if n > 0 {
		*dst = v
	}
	return n
}

func consumeInt(typ protowire.Type, data []byte, dst *int) int {
	var v uint64
	n := consumeVarint(typ, data, &v)
	if n > 0 {
		*dst = int(protowire.DecodeZigZag(v))
	}
	return n
}

func consumeBool(typ protowire.Type, data []byte, dst *bool) int {
	var v uint64
	n := consumeVarint(typ, data, &v)
	if n > 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n
}

func consumeString(typ protowire.Type, data []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(data)
	if n > 0 {
		*dst = v
	}
	return n
}

// consumeKey copies the value so an empty bound stays non-nil.
func consumeKey(typ protowire.Type, data []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(data)
	if n > 0 {
		*dst = append([]byte{}, v...)
	}
	return n
}

func consumeMessage(typ protowire.Type, data []byte, decode func([]byte) error) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return n
	}
	if err := decode(v); err != nil {
		return -1
	}
	return n
}

// Encode serializes the job info.
func (info *CompactionServiceJobInfo) Encode() []byte {
	var b []byte
	b = appendStringField(b, infoDBName, info.DBName)
	b = appendStringField(b, infoDBID, info.DBID)
	b = appendStringField(b, infoSessionID, info.DBSessionID)
	b = appendIntField(b, infoJobID, info.JobID)
	b = appendIntField(b, infoSubIndex, info.SubcompactionIndex)
	b = appendVarintField(b, infoPriority, uint64(info.Priority))
	b = appendVarintField(b, infoReason, uint64(info.Reason))
	b = appendBoolField(b, infoManual, info.IsManual)
	b = appendBoolField(b, infoFull, info.IsFullCompaction)
	b = appendIntField(b, infoBaseLevel, info.BaseInputLevel)
	b = appendIntField(b, infoOutputLevel, info.OutputLevel)
	return b
}

// DecodeCompactionServiceJobInfo parses the output of
// CompactionServiceJobInfo.Encode.
func DecodeCompactionServiceJobInfo(data []byte) (CompactionServiceJobInfo, error) {
	var info CompactionServiceJobInfo
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		var v uint64
		switch num {
		case infoDBName:
			return consumeString(typ, data, &info.DBName)
		case infoDBID:
			return consumeString(typ, data, &info.DBID)
		case infoSessionID:
			return consumeString(typ, data, &info.DBSessionID)
		case infoJobID:
			return consumeInt(typ, data, &info.JobID)
		case infoSubIndex:
			return consumeInt(typ, data, &info.SubcompactionIndex)
		case infoPriority:
			n := consumeVarint(typ, data, &v)
			info.Priority = ThreadPriority(v)
			return n
		case infoReason:
			n := consumeVarint(typ, data, &v)
			info.Reason = CompactionReason(v)
			return n
		case infoManual:
			return consumeBool(typ, data, &info.IsManual)
		case infoFull:
			return consumeBool(typ, data, &info.IsFullCompaction)
		case infoBaseLevel:
			return consumeInt(typ, data, &info.BaseInputLevel)
		case infoOutputLevel:
			return consumeInt(typ, data, &info.OutputLevel)
		}
		return 0
	})
	if err != nil {
		return CompactionServiceJobInfo{}, err
	}
	return info, nil
}

// Encode serializes the input.
func (in *CompactionServiceInput) Encode() []byte {
	var b []byte
	b = appendStringField(b, inCF, in.ColumnFamilyName)
	if len(in.Snapshots) > 0 {
		var packed []byte
		for _, s := range in.Snapshots {
			packed = protowire.AppendVarint(packed, uint64(s))
		}
		b = appendMessageField(b, inSnapshots, packed)
	}
	for _, name := range in.InputFiles {
		b = protowire.AppendTag(b, inInputFiles, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = appendIntField(b, inOutputLevel, in.OutputLevel)
	b = appendStringField(b, inDBID, in.DBID)
	b = appendKeyField(b, inBegin, in.Begin)
	b = appendKeyField(b, inEnd, in.End)
	b = appendVarintField(b, inOptionsFileNumber, in.OptionsFileNumber)
	b = appendIntField(b, inStartLevel, in.StartLevel)
	b = appendIntField(b, inProximalLevel, in.ProximalLevel)
	b = appendBoolField(b, inBottommost, in.Bottommost)
	b = appendVarintField(b, inReason, uint64(in.Reason))
	return b
}

// DecodeCompactionServiceInput parses the output of Encode.
func DecodeCompactionServiceInput(data []byte) (*CompactionServiceInput, error) {
	in := &CompactionServiceInput{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch num {
		case inCF:
			return consumeString(typ, data, &in.ColumnFamilyName)
		case inSnapshots:
			if typ != protowire.BytesType {
				return 0
			}
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return n
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m
				}
				in.Snapshots = append(in.Snapshots, dbformat.SequenceNumber(v))
				packed = packed[m:]
			}
			return n
		case inInputFiles:
			var name string
			n := consumeString(typ, data, &name)
			if n > 0 {
				in.InputFiles = append(in.InputFiles, name)
			}
			return n
		case inOutputLevel:
			return consumeInt(typ, data, &in.OutputLevel)
		case inDBID:
			return consumeString(typ, data, &in.DBID)
		case inBegin:
			return consumeKey(typ, data, &in.Begin)
		case inEnd:
			return consumeKey(typ, data, &in.End)
		case inOptionsFileNumber:
			return consumeVarint(typ, data, &in.OptionsFileNumber)
		case inStartLevel:
			return consumeInt(typ, data, &in.StartLevel)
		case inProximalLevel:
			return consumeInt(typ, data, &in.ProximalLevel)
		case inBottommost:
			return consumeBool(typ, data, &in.Bottommost)
		case inReason:
			var v uint64
			n := consumeVarint(typ, data, &v)
			in.Reason = CompactionReason(v)
			return n
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (f *CompactionServiceOutputFile) encode() []byte {
	var b []byte
	b = appendStringField(b, ofFileName, f.FileName)
	b = appendVarintField(b, ofFileSize, f.FileSize)
	b = appendVarintField(b, ofSmallestSeqno, uint64(f.SmallestSeqno))
	b = appendVarintField(b, ofLargestSeqno, uint64(f.LargestSeqno))
	b = appendKeyField(b, ofSmallestKey, f.SmallestInternalKey)
	b = appendKeyField(b, ofLargestKey, f.LargestInternalKey)
	b = appendVarintField(b, ofOldestTime, f.OldestAncestorTime)
	b = appendVarintField(b, ofCreationTime, f.FileCreationTime)
	b = appendVarintField(b, ofEpochNumber, f.EpochNumber)
	b = appendStringField(b, ofChecksum, f.FileChecksum)
	b = appendStringField(b, ofChecksumFunc, f.FileChecksumFuncName)
	b = appendVarintField(b, ofParanoidHash, f.ParanoidHash)
	b = appendBoolField(b, ofMarked, f.MarkedForCompaction)
	b = appendVarintField(b, ofUniqueIDHi, f.UniqueID[0])
	b = appendVarintField(b, ofUniqueIDLo, f.UniqueID[1])
	if props := f.TableProperties.Encode(); len(props) > 0 {
		b = appendMessageField(b, ofProperties, props)
	}
	b = appendBoolField(b, ofProximal, f.IsProximalLevelOutput)
	b = appendVarintField(b, ofTemperature, uint64(f.Temperature))
	return b
}

func (f *CompactionServiceOutputFile) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		var v uint64
		switch num {
		case ofFileName:
			return consumeString(typ, data, &f.FileName)
		case ofFileSize:
			return consumeVarint(typ, data, &f.FileSize)
		case ofSmallestSeqno:
			n := consumeVarint(typ, data, &v)
			f.SmallestSeqno = dbformat.SequenceNumber(v)
			return n
		case ofLargestSeqno:
			n := consumeVarint(typ, data, &v)
			f.LargestSeqno = dbformat.SequenceNumber(v)
			return n
		case ofSmallestKey:
			return consumeKey(typ, data, &f.SmallestInternalKey)
		case ofLargestKey:
			return consumeKey(typ, data, &f.LargestInternalKey)
		case ofOldestTime:
			return consumeVarint(typ, data, &f.OldestAncestorTime)
		case ofCreationTime:
			return consumeVarint(typ, data, &f.FileCreationTime)
		case ofEpochNumber:
			return consumeVarint(typ, data, &f.EpochNumber)
		case ofChecksum:
			return consumeString(typ, data, &f.FileChecksum)
		case ofChecksumFunc:
			return consumeString(typ, data, &f.FileChecksumFuncName)
		case ofParanoidHash:
			return consumeVarint(typ, data, &f.ParanoidHash)
		case ofMarked:
			return consumeBool(typ, data, &f.MarkedForCompaction)
		case ofUniqueIDHi:
			return consumeVarint(typ, data, &f.UniqueID[0])
		case ofUniqueIDLo:
			return consumeVarint(typ, data, &f.UniqueID[1])
		case ofProperties:
			return consumeMessage(typ, data, func(b []byte) error {
				p, err := table.DecodeProperties(b)
				f.TableProperties = p
				return err
			})
		case ofProximal:
			return consumeBool(typ, data, &f.IsProximalLevelOutput)
		case ofTemperature:
			n := consumeVarint(typ, data, &v)
			f.Temperature = manifest.Temperature(v)
			return n
		}
		return 0
	})
}

func (s *CompactionJobStats) fields() []struct {
	num protowire.Number
	v   *uint64
} {
	return []struct {
		num protowire.Number
		v   *uint64
	}{
		{1, &s.ElapsedMicros},
		{2, &s.CPUMicros},
		{3, &s.NumInputRecords},
		{4, &s.NumInputFiles},
		{5, &s.NumInputFilesAtOutputLevel},
		{6, &s.NumOutputRecords},
		{7, &s.NumOutputFiles},
		{8, &s.NumSubcompactions},
		{9, &s.TotalInputBytes},
		{10, &s.TotalOutputBytes},
		{11, &s.NumRecordsReplaced},
		{12, &s.TotalInputRawKeyBytes},
		{13, &s.TotalInputRawValueBytes},
		{14, &s.NumInputDeletionRecords},
		{15, &s.NumExpiredDeletionRecords},
		{16, &s.NumRangeDelDropped},
		{17, &s.NumSeqnoZeroed},
	}
}

func (s *CompactionJobStats) flags() []struct {
	num protowire.Number
	v   *bool
} {
	return []struct {
		num protowire.Number
		v   *bool
	}{
		{30, &s.IsFullCompaction},
		{31, &s.IsManualCompaction},
		{32, &s.IsRemoteCompaction},
	}
}

func (s *CompactionJobStats) encode() []byte {
	var b []byte
	for _, f := range s.fields() {
		b = appendVarintField(b, f.num, *f.v)
	}
	for _, f := range s.flags() {
		b = appendBoolField(b, f.num, *f.v)
	}
	return b
}

func (s *CompactionJobStats) decode(data []byte) error {
	uints := make(map[protowire.Number]*uint64)
	for _, f := range s.fields() {
		uints[f.num] = f.v
	}
	bools := make(map[protowire.Number]*bool)
	for _, f := range s.flags() {
		bools[f.num] = f.v
	}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		if p, ok := uints[num]; ok {
			return consumeVarint(typ, data, p)
		}
		if p, ok := bools[num]; ok {
			return consumeBool(typ, data, p)
		}
		return 0
	})
}

func (s *CompactionStats) fields() []struct {
	num protowire.Number
	v   *uint64
} {
	return []struct {
		num protowire.Number
		v   *uint64
	}{
		{1, &s.Micros},
		{2, &s.CPUMicros},
		{3, &s.BytesReadNonOutputLevels},
		{4, &s.BytesReadOutputLevel},
		{5, &s.BytesWritten},
		{9, &s.NumInputRecords},
		{10, &s.NumDroppedRecords},
		{11, &s.NumOutputRecords},
	}
}

func (s *CompactionStats) counts() []struct {
	num protowire.Number
	v   *int
} {
	return []struct {
		num protowire.Number
		v   *int
	}{
		{6, &s.NumInputFilesInNonOutputLevels},
		{7, &s.NumInputFilesInOutputLevel},
		{8, &s.NumOutputFiles},
		{12, &s.Count},
	}
}

func (s *CompactionStats) encode() []byte {
	var b []byte
	for _, f := range s.fields() {
		b = appendVarintField(b, f.num, *f.v)
	}
	for _, f := range s.counts() {
		b = appendIntField(b, f.num, *f.v)
	}
	return b
}

func (s *CompactionStats) decode(data []byte) error {
	uints := make(map[protowire.Number]*uint64)
	for _, f := range s.fields() {
		uints[f.num] = f.v
	}
	ints := make(map[protowire.Number]*int)
	for _, f := range s.counts() {
		ints[f.num] = f.v
	}
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		if p, ok := uints[num]; ok {
			return consumeVarint(typ, data, p)
		}
		if p, ok := ints[num]; ok {
			return consumeInt(typ, data, p)
		}
		return 0
	})
}

func (s *CompactionStatsFull) encode() []byte {
	var b []byte
	b = appendMessageField(b, fullOutput, s.OutputLevelStats.encode())
	b = appendMessageField(b, fullProximal, s.ProximalLevelStats.encode())
	return appendBoolField(b, fullHas, s.HasProximalLevelOutput)
}

func (s *CompactionStatsFull) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch num {
		case fullOutput:
			return consumeMessage(typ, data, s.OutputLevelStats.decode)
		case fullProximal:
			return consumeMessage(typ, data, s.ProximalLevelStats.decode)
		case fullHas:
			return consumeBool(typ, data, &s.HasProximalLevelOutput)
		}
		return 0
	})
}

// Encode serializes the result.
func (r *CompactionServiceResult) Encode() []byte {
	var b []byte
	b = appendVarintField(b, resStatusCode, uint64(r.Status.Code))
	b = appendStringField(b, resStatusMessage, r.Status.Message)
	for i := range r.OutputFiles {
		b = appendMessageField(b, resOutputFile, r.OutputFiles[i].encode())
	}
	b = appendIntField(b, resOutputLevel, r.OutputLevel)
	b = appendStringField(b, resOutputPath, r.OutputPath)
	b = appendVarintField(b, resBytesRead, r.BytesRead)
	b = appendVarintField(b, resBytesWritten, r.BytesWritten)
	b = appendMessageField(b, resStats, r.Stats.encode())
	b = appendMessageField(b, resInternalStats, r.InternalStats.encode())
	return b
}

// DecodeCompactionServiceResult parses the output of Encode.
func DecodeCompactionServiceResult(data []byte) (*CompactionServiceResult, error) {
	r := &CompactionServiceResult{}
	var decodeErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch num {
		case resStatusCode:
			var v uint64
			n := consumeVarint(typ, data, &v)
			r.Status.Code = StatusCode(v)
			return n
		case resStatusMessage:
			return consumeString(typ, data, &r.Status.Message)
		case resOutputFile:
			return consumeMessage(typ, data, func(b []byte) error {
				var f CompactionServiceOutputFile
				if err := f.decode(b); err != nil {
					decodeErr = err
					return err
				}
				r.OutputFiles = append(r.OutputFiles, f)
				return nil
			})
		case resOutputLevel:
			return consumeInt(typ, data, &r.OutputLevel)
		case resOutputPath:
			return consumeString(typ, data, &r.OutputPath)
		case resBytesRead:
			return consumeVarint(typ, data, &r.BytesRead)
		case resBytesWritten:
			return consumeVarint(typ, data, &r.BytesWritten)
		case resStats:
			return consumeMessage(typ, data, r.Stats.decode)
		case resInternalStats:
			return consumeMessage(typ, data, r.InternalStats.decode)
		}
		return 0
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Equals compares in and other field by field. When they differ, the
// second result names the first differing field.
func (in *CompactionServiceInput) Equals(other *CompactionServiceInput) (bool, string) {
	return equalFields("CompactionServiceInput", reflect.ValueOf(*in), reflect.ValueOf(*other))
}

// Equals compares r and other field by field. When they differ, the
// second result names the first differing field.
func (r *CompactionServiceResult) Equals(other *CompactionServiceResult) (bool, string) {
	return equalFields("CompactionServiceResult", reflect.ValueOf(*r), reflect.ValueOf(*other))
}

var bytesType = reflect.TypeOf([]byte(nil))

// equalFields walks structs and slices; byte slices must also agree on
// being nil, other empty slices compare equal to nil.
func equalFields(path string, a, b reflect.Value) (bool, string) {
	switch {
	case a.Type() == bytesType:
		if a.IsNil() != b.IsNil() || !bytes.Equal(a.Bytes(), b.Bytes()) {
			return false, fmt.Sprintf("%s: %q (nil=%t) != %q (nil=%t)", path, a.Bytes(), a.IsNil(), b.Bytes(), b.IsNil())
		}
		return true, ""
	case a.Kind() == reflect.Struct:
		for i := range a.NumField() {
			name := a.Type().Field(i).Name
			if ok, diff := equalFields(path+"."+name, a.Field(i), b.Field(i)); !ok {
				return false, diff
			}
		}
		return true, ""
	case a.Kind() == reflect.Slice:
		if a.Len() != b.Len() {
			return false, fmt.Sprintf("%s: length %d != %d", path, a.Len(), b.Len())
		}
		for i := range a.Len() {
			if ok, diff := equalFields(fmt.Sprintf("%s[%d]", path, i), a.Index(i), b.Index(i)); !ok {
				return false, diff
			}
		}
		return true, ""
	case a.Kind() == reflect.Array:
		for i := range a.Len() {
			if ok, diff := equalFields(fmt.Sprintf("%s[%d]", path, i), a.Index(i), b.Index(i)); !ok {
				return false, diff
			}
		}
		return true, ""
	}
	if !a.CanInterface() {
		return true, ""
	}
	if !reflect.DeepEqual(a.Interface(), b.Interface()) {
		return false, fmt.Sprintf("%s: %v != %v", path, a.Interface(), b.Interface())
	}
	return true, ""
}

// ToFileMetaData converts a worker's output record into file metadata
// numbered number.
func (f *CompactionServiceOutputFile) ToFileMetaData(number uint64) *manifest.FileMetaData {
	meta := manifest.NewFileMetaData(number)
	meta.FileSize = f.FileSize
	meta.Smallest = dbformat.InternalKey(bytes.Clone(f.SmallestInternalKey))
	meta.Largest = dbformat.InternalKey(bytes.Clone(f.LargestInternalKey))
	meta.SmallestSeqno = f.SmallestSeqno
	meta.LargestSeqno = f.LargestSeqno
	meta.OldestAncestorTime = f.OldestAncestorTime
	meta.FileCreationTime = f.FileCreationTime
	meta.EpochNumber = f.EpochNumber
	meta.FileChecksum = f.FileChecksum
	meta.FileChecksumFuncName = f.FileChecksumFuncName
	meta.MarkedForCompaction = f.MarkedForCompaction
	meta.UniqueID = f.UniqueID
	meta.Temperature = f.Temperature
	meta.NumEntries = f.TableProperties.NumEntries
	meta.NumRangeDeletions = f.TableProperties.NumRangeDeletions
	return meta
}

// newServiceOutputFile describes an output for the wire. An unfinished
// output carries only its name.
func newServiceOutputFile(out *Output) CompactionServiceOutputFile {
	m := out.Meta
	if m == nil {
		return CompactionServiceOutputFile{
			FileName:              filepath.Base(out.Path),
			IsProximalLevelOutput: out.Proximal,
		}
	}
	return CompactionServiceOutputFile{
		FileName:              filepath.Base(out.Path),
		FileSize:              m.FileSize,
		SmallestSeqno:         m.SmallestSeqno,
		LargestSeqno:          m.LargestSeqno,
		SmallestInternalKey:   bytes.Clone(m.Smallest),
		LargestInternalKey:    bytes.Clone(m.Largest),
		OldestAncestorTime:    m.OldestAncestorTime,
		FileCreationTime:      m.FileCreationTime,
		EpochNumber:           m.EpochNumber,
		FileChecksum:          m.FileChecksum,
		FileChecksumFuncName:  m.FileChecksumFuncName,
		ParanoidHash:          out.ParanoidHash,
		MarkedForCompaction:   m.MarkedForCompaction,
		UniqueID:              m.UniqueID,
		TableProperties:       out.Props,
		IsProximalLevelOutput: out.Proximal,
		Temperature:           m.Temperature,
	}
}
