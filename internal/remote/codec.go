// Package remote carries compaction service requests over gRPC. Messages
// are the already serialized CompactionServiceInput and
// CompactionServiceResult, so the transport adds only a small request
// envelope holding the job info.
package remote

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aalhour/rockyardkv-compaction/internal/compaction"
)

// codecName is the content subtype requests are sent with. Other services
// on the same server, such as health checks, keep the proto codec.
const codecName = "rockyardkv-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// frame is a message that is already serialized.
type frame struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("remote: cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("remote: cannot unmarshal into %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

const (
	reqJobInfo protowire.Number = 1
	reqInput   protowire.Number = 2
)

func encodeRequest(info compaction.CompactionServiceJobInfo, input []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, reqJobInfo, protowire.BytesType)
	b = protowire.AppendBytes(b, info.Encode())
	b = protowire.AppendTag(b, reqInput, protowire.BytesType)
	return protowire.AppendBytes(b, input)
}

func decodeRequest(data []byte) (info compaction.CompactionServiceJobInfo, input []byte, err error) {
	var sawInput bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return info, nil, fmt.Errorf("%w: request tag: %v", compaction.ErrCorruptServiceMessage, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType || (num != reqJobInfo && num != reqInput) {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return info, nil, fmt.Errorf("%w: request field %d: %v", compaction.ErrCorruptServiceMessage, num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return info, nil, fmt.Errorf("%w: request field %d: %v", compaction.ErrCorruptServiceMessage, num, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case reqJobInfo:
			if info, err = compaction.DecodeCompactionServiceJobInfo(v); err != nil {
				return info, nil, err
			}
		case reqInput:
			input, sawInput = v, true
		}
	}
	if !sawInput {
		return info, nil, fmt.Errorf("%w: request has no input", compaction.ErrCorruptServiceMessage)
	}
	return info, input, nil
}
