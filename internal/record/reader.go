// reader.go implements the record log reader.
package record

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
)

var (
	// ErrCorruptedRecord indicates a fragment with a bad checksum.
	ErrCorruptedRecord = errors.New("record: corrupted record (bad checksum)")

	// ErrInvalidRecordType indicates an unrecognized fragment type.
	ErrInvalidRecordType = errors.New("record: invalid record type")

	// ErrUnexpectedEOF indicates the log ended inside a fragmented record.
	ErrUnexpectedEOF = errors.New("record: unexpected end of file")

	// ErrBadFragmentSequence indicates Middle or Last without First, or
	// First while a record is still open.
	ErrBadFragmentSequence = errors.New("record: bad fragment sequence")
)

// Reader reads records written by Writer. Unlike a WAL reader it never skips
// damaged fragments; the first problem is returned.
type Reader struct {
	src     io.Reader
	block   []byte
	buffer  []byte
	eof     bool
	scratch []byte
}

// NewReader returns a reader over src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, block: make([]byte, BlockSize)}
}

// ReadRecord returns the next logical record, or io.EOF after the last one.
// A torn final fragment at the tail of the file is treated as end of log.
// The returned slice is owned by the caller.
func (r *Reader) ReadRecord() ([]byte, error) {
	r.scratch = r.scratch[:0]
	inFragment := false
	for {
		t, payload, err := r.readPhysical()
		if err != nil {
			if errors.Is(err, io.EOF) && inFragment {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t {
		case FullType:
			if inFragment {
				return nil, ErrBadFragmentSequence
			}
			return append([]byte(nil), payload...), nil
		case FirstType:
			if inFragment {
				return nil, ErrBadFragmentSequence
			}
			r.scratch = append(r.scratch, payload...)
			inFragment = true
		case MiddleType:
			if !inFragment {
				return nil, ErrBadFragmentSequence
			}
			r.scratch = append(r.scratch, payload...)
		case LastType:
			if !inFragment {
				return nil, ErrBadFragmentSequence
			}
			r.scratch = append(r.scratch, payload...)
			return append([]byte(nil), r.scratch...), nil
		default:
			return nil, ErrInvalidRecordType
		}
	}
}

func (r *Reader) readPhysical() (Type, []byte, error) {
	for {
		if len(r.buffer) < HeaderSize {
			if r.eof {
				return 0, nil, io.EOF
			}
			n, err := io.ReadFull(r.src, r.block)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					return 0, nil, err
				}
				r.eof = true
				if n == 0 {
					return 0, nil, io.EOF
				}
			}
			r.buffer = r.block[:n]
			continue
		}

		header := r.buffer[:HeaderSize]
		length := int(binary.LittleEndian.Uint16(header[4:6]))
		t := Type(header[6])
		if t == ZeroType && length == 0 {
			// Block trailer padding.
			r.buffer = nil
			continue
		}
		if HeaderSize+length > len(r.buffer) {
			if r.eof {
				return 0, nil, io.EOF
			}
			return 0, nil, ErrCorruptedRecord
		}
		payload := r.buffer[HeaderSize : HeaderSize+length]
		want := binary.LittleEndian.Uint32(header[0:4])
		got := checksum.MaskCRC(checksum.Extend(checksum.Value([]byte{byte(t)}), payload))
		if got != want {
			return 0, nil, ErrCorruptedRecord
		}
		r.buffer = r.buffer[HeaderSize+length:]
		return t, payload, nil
	}
}
