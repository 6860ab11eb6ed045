package parser

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write log: %v", err)
	}
}

const line1 = `{"id":"msg_1","session_id":"sess_1","model":"claude-sonnet-4-5","created_at":"2026-08-20T10:00:00Z","usage":{"input_tokens":100,"output_tokens":50}}` + "\n"
const line2 = `{"id":"msg_2","sessionId":"sess_1","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":200,"output_tokens":80}},"timestamp":"2026-08-20T10:01:00Z"}` + "\n"

func TestReadNew_ParsesAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeLog(t, path, line1)

	r := NewSessionReader(nil)
	res, err := r.ReadNew(path, 7)
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(res.Records))
	}

	rec := res.Records[0]
	if rec.MessageID != "msg_1" || rec.SessionID != "sess_1" || rec.Model != "claude-sonnet-4-5" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ProviderID != 7 {
		t.Fatalf("provider id = %d, want 7", rec.ProviderID)
	}
	if rec.Usage.InputTokens != 100 || rec.Usage.OutputTokens != 50 {
		t.Fatalf("unexpected usage: %+v", rec.Usage)
	}
	if !rec.Timestamp.Equal(time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", rec.Timestamp)
	}
}

func TestReadNew_IsIncrementalAndIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeLog(t, path, line1)

	r := NewSessionReader(nil)
	if res, _ := r.ReadNew(path, 1); len(res.Records) != 1 {
		t.Fatalf("first read: %d records", len(res.Records))
	}

	// Nothing new: same call must parse nothing.
	if res, _ := r.ReadNew(path, 1); len(res.Records) != 0 {
		t.Fatalf("re-read parsed %d records, want 0", len(res.Records))
	}

	writeLog(t, path, line2)
	res, err := r.ReadNew(path, 1)
	if err != nil {
		t.Fatalf("ReadNew after append: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].MessageID != "msg_2" {
		t.Fatalf("incremental read got %+v", res.Records)
	}
	// Nested message.* aliases must resolve.
	if res.Records[0].Usage.InputTokens != 200 {
		t.Fatalf("nested usage not parsed: %+v", res.Records[0].Usage)
	}
}

func TestReadNew_PartialTrailingLineNotConsumed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeLog(t, path, line1+`{"id":"msg_3","model":"claude-son`)

	r := NewSessionReader(nil)
	res, err := r.ReadNew(path, 1)
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("records = %d, want 1 (partial line must wait)", len(res.Records))
	}

	cursor := r.Cursors()[0]
	if cursor.Offset != int64(len(line1)) {
		t.Fatalf("cursor = %d, want %d (must stop before the partial line)", cursor.Offset, len(line1))
	}

	// Complete the line; only then is it parsed.
	writeLog(t, path, `net-4-5","session_id":"sess_2","usage":{"input_tokens":10,"output_tokens":1}}`+"\n")
	res, err = r.ReadNew(path, 1)
	if err != nil {
		t.Fatalf("ReadNew after completion: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].MessageID != "msg_3" {
		t.Fatalf("completed line not parsed: %+v", res.Records)
	}
}

func TestReadNew_MalformedLineSkippedCursorAdvances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	garbage := "{this is not json}\n"
	writeLog(t, path, line1+garbage+line2)

	r := NewSessionReader(nil)
	res, err := r.ReadNew(path, 1)
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %d, want 2 (malformed line skipped)", len(res.Records))
	}
	if res.Malformed != 1 {
		t.Fatalf("malformed = %d, want 1", res.Malformed)
	}

	cursor := r.Cursors()[0]
	want := int64(len(line1) + len(garbage) + len(line2))
	if cursor.Offset != want {
		t.Fatalf("cursor = %d, want %d (must advance past malformed line)", cursor.Offset, want)
	}
}

func TestReadNew_NonUsageLinesIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeLog(t, path, `{"type":"summary","note":"no model here"}`+"\n")
	writeLog(t, path, `{"id":"msg_9","model":"claude-sonnet-4-5","usage":{"input_tokens":0,"output_tokens":0}}`+"\n")

	r := NewSessionReader(nil)
	res, err := r.ReadNew(path, 1)
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(res.Records) != 0 {
		t.Fatalf("records = %d, want 0", len(res.Records))
	}
	if res.Malformed != 0 {
		t.Fatalf("valid non-usage lines must not count as malformed, got %d", res.Malformed)
	}
}

func TestReadNew_RotationResetsCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	writeLog(t, path, line1+line2)

	r := NewSessionReader(nil)
	if res, _ := r.ReadNew(path, 1); len(res.Records) != 2 {
		t.Fatal("setup read failed")
	}

	// Recreate the file with fresh content shorter than the old offset.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	writeLog(t, path, line1)

	res, err := r.ReadNew(path, 1)
	if err != nil {
		t.Fatalf("ReadNew after rotation: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].MessageID != "msg_1" {
		t.Fatalf("rotation not detected, got %+v", res.Records)
	}
}

func TestNewSessionReader_RestoresCursors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeLog(t, path, line1)

	first := NewSessionReader(nil)
	if _, err := first.ReadNew(path, 1); err != nil {
		t.Fatalf("seed read: %v", err)
	}

	// A new reader seeded with the persisted cursors resumes, not re-reads.
	second := NewSessionReader(first.Cursors())
	writeLog(t, path, line2)
	res, err := second.ReadNew(path, 1)
	if err != nil {
		t.Fatalf("restored read: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].MessageID != "msg_2" {
		t.Fatalf("restored reader re-read or skipped lines: %+v", res.Records)
	}
}
