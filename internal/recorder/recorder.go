// Package recorder writes .mcrec session recordings: an append-only
// sequence of 16-byte-header records holding a JSON metadata block,
// the relayed traffic of both directions, and a closing sentinel.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"oobrelay/internal/constants"
)

// Record types.
const (
	TypeMetadata   = 1
	TypeData       = 2
	TypeTerminator = 3
)

// Record flags.
const (
	FlagBinary = 1
	FlagUser   = 2 // operator-originated frame
)

// Terminator sentinel payload; always the last record of a file.
const TerminatorPayload = "MeshCentralMCREC"

// Metadata is the JSON payload of the first record.
type Metadata struct {
	Magic    string `json:"magic"`
	Ver      int    `json:"ver"`
	UserID   string `json:"userid"`
	Username string `json:"username"`
	IPAddr   string `json:"ipaddr"`
	NodeID   string `json:"nodeid"`
	IntelAMT bool   `json:"intelamt"`
	Protocol int    `json:"protocol"`
	Time     string `json:"time"`
}

// Recorder appends records to a single session recording. Writes are
// serialized; a failed write disables the recording (the session
// itself continues) and Close is idempotent.
type Recorder struct {
	mu       sync.Mutex
	f        *os.File
	disabled bool
	closed   bool
	path     string
}

// New creates the recording file under dir, named from the domain id,
// UTC timestamp components and a random suffix.
func New(dir, domainID string) (*Recorder, error) {
	if err := os.MkdirAll(dir, constants.RecordDirPerm); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	now := time.Now().UTC()
	name := constants.RecordFilePrefix
	if domainID != "" {
		name += "-" + domainID
	}
	name += fmt.Sprintf("-%d-%02d-%02d-%02d-%02d-%02d-%s%s",
		now.Year(), int(now.Month()), now.Day(),
		now.Hour(), now.Minute(), now.Second(),
		uuid.New().String()[:8], constants.RecordFileExt)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, constants.RecordFilePerm)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	return &Recorder{f: f, path: path}, nil
}

// Path returns the recording file location.
func (r *Recorder) Path() string { return r.path }

// WriteHeader writes the metadata record. Must be the first write.
func (r *Recorder) WriteHeader(meta Metadata) error {
	if meta.Magic == "" {
		meta.Magic = "MeshCentralRelaySession"
	}
	if meta.Ver == 0 {
		meta.Ver = 1
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal recording metadata: %w", err)
	}
	return r.write(TypeMetadata, 0, payload)
}

// WriteUserData records an operator-originated frame.
func (r *Recorder) WriteUserData(data []byte) error {
	return r.write(TypeData, FlagBinary|FlagUser, data)
}

// WriteAmtData records a device-originated frame.
func (r *Recorder) WriteAmtData(data []byte) error {
	return r.write(TypeData, FlagBinary, data)
}

// Close writes the terminator record and closes the file. Safe to
// call more than once; only the first call writes the terminator.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if !r.disabled {
		if err := r.writeLocked(TypeTerminator, 0, []byte(TerminatorPayload)); err != nil {
			log.Printf("recorder: terminator write failed on %s: %v", r.path, err)
		}
	}
	return r.f.Close()
}

func (r *Recorder) write(recType, flags int, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.disabled {
		return nil
	}
	if err := r.writeLocked(recType, flags, payload); err != nil {
		// A recording failure must not take the session down; stop
		// recording and let the relay continue.
		log.Printf("recorder: write failed on %s, disabling recording: %v", r.path, err)
		r.disabled = true
		return err
	}
	return nil
}

func (r *Recorder) writeLocked(recType, flags int, payload []byte) error {
	header := make([]byte, 16)
	binary.BigEndian.PutUint16(header[0:2], uint16(recType))
	binary.BigEndian.PutUint16(header[2:4], uint16(flags))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	putTimestamp48(header[10:16], time.Now().UnixMilli())

	if _, err := r.f.Write(header); err != nil {
		return err
	}
	_, err := r.f.Write(payload)
	return err
}

// putTimestamp48 stores ms-since-epoch as 48-bit big endian.
func putTimestamp48(b []byte, ms int64) {
	b[0] = byte(ms >> 40)
	b[1] = byte(ms >> 32)
	b[2] = byte(ms >> 24)
	b[3] = byte(ms >> 16)
	b[4] = byte(ms >> 8)
	b[5] = byte(ms)
}
