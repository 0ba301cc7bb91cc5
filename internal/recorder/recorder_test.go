package recorder

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"oobrelay/internal/constants"
)

func TestRecordingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir, "customer1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	meta := Metadata{
		UserID:   "user/customer1/alice",
		Username: "alice",
		IPAddr:   "198.51.100.7",
		NodeID:   "node/customer1/abc",
		IntelAMT: true,
		Protocol: 100,
		Time:     "2026-08-29T10:00:00Z",
	}
	if err := rec.WriteHeader(meta); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := rec.WriteUserData([]byte("from operator")); err != nil {
		t.Fatalf("WriteUserData: %v", err)
	}
	if err := rec.WriteAmtData([]byte("from device")); err != nil {
		t.Fatalf("WriteAmtData: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Second close must not append a second terminator.
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	name := filepath.Base(rec.Path())
	if !strings.HasPrefix(name, constants.RecordFilePrefix+"-customer1-") {
		t.Errorf("file name %q missing domain prefix", name)
	}
	if !strings.HasSuffix(name, constants.RecordFileExt) {
		t.Errorf("file name %q missing extension", name)
	}

	f, err := os.Open(rec.Path())
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()

	var records []*Record
	for {
		r, err := ReadRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		records = append(records, r)
	}

	if len(records) != 4 {
		t.Fatalf("got %d records, want 4", len(records))
	}

	if records[0].Type != TypeMetadata {
		t.Errorf("first record type = %d", records[0].Type)
	}
	var gotMeta Metadata
	if err := json.Unmarshal(records[0].Payload, &gotMeta); err != nil {
		t.Fatalf("metadata payload: %v", err)
	}
	if gotMeta.Magic != "MeshCentralRelaySession" || gotMeta.Ver != 1 {
		t.Errorf("metadata defaults = %q v%d", gotMeta.Magic, gotMeta.Ver)
	}
	if gotMeta.UserID != meta.UserID || gotMeta.Protocol != 100 {
		t.Errorf("metadata round trip mismatch: %+v", gotMeta)
	}

	user := records[1]
	if user.Type != TypeData || user.Flags != FlagBinary|FlagUser {
		t.Errorf("user record = type %d flags %d", user.Type, user.Flags)
	}
	if !bytes.Equal(user.Payload, []byte("from operator")) {
		t.Errorf("user payload = %q", user.Payload)
	}

	amt := records[2]
	if amt.Type != TypeData || amt.Flags != FlagBinary {
		t.Errorf("device record = type %d flags %d", amt.Type, amt.Flags)
	}

	term := records[3]
	if term.Type != TypeTerminator || string(term.Payload) != TerminatorPayload {
		t.Errorf("terminator = type %d payload %q", term.Type, term.Payload)
	}
	if term.Timestamp == 0 {
		t.Error("terminator timestamp missing")
	}
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	rec, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rec.WriteHeader(Metadata{Protocol: 101}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.WriteUserData([]byte("late")); err != nil {
		t.Fatalf("write after close should be a no-op, got %v", err)
	}

	f, _ := os.Open(rec.Path())
	defer f.Close()
	count := 0
	for {
		if _, err := ReadRecord(f); err != nil {
			break
		}
		count++
	}
	if count != 2 {
		t.Errorf("got %d records after close, want 2", count)
	}
}

func TestFilenameWithoutDomain(t *testing.T) {
	rec, err := New(t.TempDir(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rec.Close()
	name := filepath.Base(rec.Path())
	if strings.HasPrefix(name, constants.RecordFilePrefix+"--") {
		t.Errorf("empty domain produced a double dash: %q", name)
	}
	if !strings.HasPrefix(name, constants.RecordFilePrefix+"-") {
		t.Errorf("unexpected name %q", name)
	}
}
