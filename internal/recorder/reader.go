package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Record is one parsed recording entry.
type Record struct {
	Type      int
	Flags     int
	Timestamp int64 // ms since epoch
	Payload   []byte
}

// ReadRecord parses the next record from a recording stream. Returns
// io.EOF cleanly at end of file.
func ReadRecord(r io.Reader) (*Record, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated record header: %w", err)
		}
		return nil, err
	}
	rec := &Record{
		Type:      int(binary.BigEndian.Uint16(header[0:2])),
		Flags:     int(binary.BigEndian.Uint16(header[2:4])),
		Timestamp: timestamp48(header[10:16]),
	}
	length := binary.BigEndian.Uint32(header[4:8])
	rec.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return nil, fmt.Errorf("truncated record payload: %w", err)
	}
	return rec, nil
}

func timestamp48(b []byte) int64 {
	return int64(b[0])<<40 | int64(b[1])<<32 | int64(b[2])<<24 |
		int64(b[3])<<16 | int64(b[4])<<8 | int64(b[5])
}
