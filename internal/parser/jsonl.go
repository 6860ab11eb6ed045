package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
)

// Cursor records how far into a session log the reader has parsed. The inode
// detects rotation: a recreated file under the same path gets a fresh cursor.
// Offsets are monotonically non-decreasing for a given identity.
type Cursor struct {
	Path   string `json:"path"`
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// ReadResult is the outcome of one incremental read of a session log.
type ReadResult struct {
	Records   []model.UsageRecord
	Malformed int
	BytesRead int64
}

// SessionReader incrementally parses append-only JSONL session logs. It owns
// the per-file cursor map; callers persist Cursors() so a restart resumes from
// the last durably recorded offset.
type SessionReader struct {
	mu      sync.Mutex
	cursors map[string]Cursor

	now func() time.Time
}

// NewSessionReader creates a reader seeded with previously persisted cursors.
func NewSessionReader(restored []Cursor) *SessionReader {
	cursors := make(map[string]Cursor, len(restored))
	for _, c := range restored {
		cursors[c.Path] = c
	}
	return &SessionReader{cursors: cursors, now: time.Now}
}

// Cursors returns a copy of the current cursor state.
func (r *SessionReader) Cursors() []Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Cursor, 0, len(r.cursors))
	for _, c := range r.cursors {
		out = append(out, c)
	}
	return out
}

// ReadNew seeks to the stored offset for path, parses only newly appended
// complete lines and advances the cursor. A trailing line without a
// terminating newline is left unconsumed for the next call. Malformed lines
// are counted and skipped; the cursor still advances past them. Every record
// is tagged with providerID.
func (r *SessionReader) ReadNew(path string, providerID int64) (ReadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return ReadResult{}, fmt.Errorf("parser: open session log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ReadResult{}, fmt.Errorf("parser: stat session log: %w", err)
	}

	inode := fileInode(info)
	cursor, ok := r.cursors[path]
	if !ok || cursor.Inode != inode || info.Size() < cursor.Offset {
		// New file, rotation, or truncation: start over.
		cursor = Cursor{Path: path, Inode: inode}
	}

	if _, err := f.Seek(cursor.Offset, io.SeekStart); err != nil {
		return ReadResult{}, fmt.Errorf("parser: seek session log: %w", err)
	}

	var result ReadResult
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Partial trailing line: do not consume, retry next event.
			break
		}
		if err != nil {
			return result, fmt.Errorf("parser: read session log: %w", err)
		}

		cursor.Offset += int64(len(line))
		result.BytesRead += int64(len(line))

		rec, ok, parseErr := r.parseLine(line)
		if parseErr != nil {
			result.Malformed++
			continue
		}
		if !ok {
			continue
		}
		rec.ProviderID = providerID
		result.Records = append(result.Records, rec)
	}

	r.cursors[path] = cursor
	return result, nil
}

// rawUsage accepts both the native and the OpenAI-style token field names.
type rawUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	PromptTokens             int64 `json:"prompt_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CompletionTokens         int64 `json:"completion_tokens"`
	CacheReadTokens          int64 `json:"cache_read_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens      int64 `json:"cache_creation_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

func (u rawUsage) toTokenUsage() model.TokenUsage {
	return model.TokenUsage{
		InputTokens:         max64(u.InputTokens, u.PromptTokens),
		OutputTokens:        max64(u.OutputTokens, u.CompletionTokens),
		CacheReadTokens:     max64(u.CacheReadTokens, u.CacheReadInputTokens),
		CacheCreationTokens: max64(u.CacheCreationTokens, u.CacheCreationInputTokens),
	}
}

// rawLine mirrors one session-log line. Fields may live at the top level or
// nested under "message" depending on the log writer's version.
type rawLine struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	SessionIDAlt   string    `json:"sessionId"`
	ConversationID string    `json:"conversation_id"`
	ChatID         string    `json:"chat_id"`
	Model          string    `json:"model"`
	Timestamp      string    `json:"timestamp"`
	CreatedAt      string    `json:"created_at"`
	Usage          *rawUsage `json:"usage"`
	Message        struct {
		ID        string    `json:"id"`
		Model     string    `json:"model"`
		CreatedAt string    `json:"created_at"`
		Usage     *rawUsage `json:"usage"`
	} `json:"message"`
}

// parseLine decodes one line into a UsageRecord. ok=false means the line is
// valid JSON but not a usage entry (no model/message id, or zero usage).
func (r *SessionReader) parseLine(line []byte) (model.UsageRecord, bool, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return model.UsageRecord{}, false, err
	}

	modelName := firstNonEmpty(raw.Model, raw.Message.Model)
	messageID := firstNonEmpty(raw.ID, raw.Message.ID)
	if modelName == "" || messageID == "" {
		return model.UsageRecord{}, false, nil
	}

	usageRaw := raw.Usage
	if usageRaw == nil {
		usageRaw = raw.Message.Usage
	}
	if usageRaw == nil {
		return model.UsageRecord{}, false, nil
	}
	usage := usageRaw.toTokenUsage()
	if usage.Total() == 0 {
		return model.UsageRecord{}, false, nil
	}

	sessionID := firstNonEmpty(raw.SessionID, raw.SessionIDAlt, raw.ConversationID, raw.ChatID)
	if sessionID == "" {
		sessionID = "unknown"
	}

	ts := r.now().UTC()
	for _, candidate := range []string{raw.CreatedAt, raw.Timestamp, raw.Message.CreatedAt} {
		if candidate == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, candidate); err == nil {
			ts = parsed
			break
		}
	}

	return model.UsageRecord{
		SessionID: sessionID,
		MessageID: messageID,
		Model:     modelName,
		Usage:     usage,
		Timestamp: ts,
	}, true, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
