// writer.go implements the record log writer.
package record

import (
	"encoding/binary"
	"io"

	"github.com/aalhour/rockyardkv-compaction/internal/checksum"
)

// Writer appends records to a log.
type Writer struct {
	dest        io.Writer
	blockOffset int

	// CRC32C of each type byte, extended per record.
	typeCRC [LastType + 1]uint32

	headerBuf [HeaderSize]byte
}

// NewWriter returns a writer appending to dest, which must be positioned at
// the start of a block.
func NewWriter(dest io.Writer) *Writer {
	w := &Writer{dest: dest}
	for i := range w.typeCRC {
		w.typeCRC[i] = checksum.Value([]byte{byte(i)})
	}
	return w
}

// AddRecord writes one logical record, fragmenting it across blocks as
// needed. An empty record is written as a single zero-length fragment.
func (w *Writer) AddRecord(data []byte) (int, error) {
	left := len(data)
	total := 0
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				n, err := w.dest.Write(make([]byte, leftover))
				total += n
				if err != nil {
					return total, err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		fragment := min(left, avail)
		end := left == fragment

		var t Type
		switch {
		case begin && end:
			t = FullType
		case begin:
			t = FirstType
		case end:
			t = LastType
		default:
			t = MiddleType
		}

		n, err := w.emit(t, data[:fragment])
		total += n
		if err != nil {
			return total, err
		}
		data = data[fragment:]
		left -= fragment
		begin = false
		if left == 0 {
			return total, nil
		}
	}
}

func (w *Writer) emit(t Type, payload []byte) (int, error) {
	n := len(payload)
	binary.LittleEndian.PutUint16(w.headerBuf[4:6], uint16(n))
	w.headerBuf[6] = byte(t)
	crc := checksum.MaskCRC(checksum.Extend(w.typeCRC[t], payload))
	binary.LittleEndian.PutUint32(w.headerBuf[0:4], crc)

	total, err := w.dest.Write(w.headerBuf[:])
	if err != nil {
		return total, err
	}
	written, err := w.dest.Write(payload)
	total += written
	if err != nil {
		return total, err
	}
	w.blockOffset += HeaderSize + n
	return total, nil
}

// Sync flushes dest if it supports it.
func (w *Writer) Sync() error {
	if s, ok := w.dest.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
