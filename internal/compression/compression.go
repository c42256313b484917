// Package compression compresses the data blocks of compaction output files.
//
// Each block is stored with a 1-byte compression type trailer, so a reader
// can decode blocks written under a different configuration than its own.
//
// Reference: util/compression.h, util/compression.cc
package compression

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
// Values match RocksDB's CompressionType enum.
type Type uint8

const (
	NoCompression     Type = 0x0
	SnappyCompression Type = 0x1
	ZlibCompression   Type = 0x2
	LZ4Compression    Type = 0x4
	LZ4HCCompression  Type = 0x5
	ZstdCompression   Type = 0x7
)

// String returns the name used in OPTIONS files.
func (t Type) String() string {
	switch t {
	case NoCompression:
		return "kNoCompression"
	case SnappyCompression:
		return "kSnappyCompression"
	case ZlibCompression:
		return "kZlibCompression"
	case LZ4Compression:
		return "kLZ4Compression"
	case LZ4HCCompression:
		return "kLZ4HCCompression"
	case ZstdCompression:
		return "kZSTD"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case NoCompression, SnappyCompression, ZlibCompression, LZ4Compression, LZ4HCCompression, ZstdCompression:
		return true
	default:
		return false
	}
}

// ParseType maps an OPTIONS-file name back to a Type. Unknown names map to
// NoCompression with ok=false.
func ParseType(name string) (Type, bool) {
	switch strings.TrimSpace(name) {
	case "kNoCompression", "none", "":
		return NoCompression, true
	case "kSnappyCompression", "snappy":
		return SnappyCompression, true
	case "kZlibCompression", "zlib":
		return ZlibCompression, true
	case "kLZ4Compression", "lz4":
		return LZ4Compression, true
	case "kLZ4HCCompression", "lz4hc":
		return LZ4HCCompression, true
	case "kZSTD", "kZSTDNotFinalCompression", "zstd":
		return ZstdCompression, true
	default:
		return NoCompression, false
	}
}

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll and
// expensive to build, so subcompactions share one of each.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Encode(nil, data), nil
	case ZlibCompression:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil
	case LZ4Compression:
		return compressLZ4(data, lz4.Fast)
	case LZ4HCCompression:
		return compressLZ4(data, lz4.Level9)
	case ZstdCompression:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func compressLZ4(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 apply level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses data using the specified compression type.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Decode(nil, data)
	case ZlibCompression:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case LZ4Compression, LZ4HCCompression:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case ZstdCompression:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
