package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
	"github.com/janekbaraniewski/tokenwatch/internal/parser"
)

func (s *Store) InsertUsage(ctx context.Context, rec model.UsageRecord, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_usage (
			provider_id, session_id, message_id, model,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			cost_usd, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ProviderID,
		rec.SessionID,
		rec.MessageID,
		rec.Model,
		rec.Usage.InputTokens,
		rec.Usage.OutputTokens,
		rec.Usage.CacheReadTokens,
		rec.Usage.CacheCreationTokens,
		costUSD,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: insert usage: %w", err)
	}
	return nil
}

// ReplayUsage streams stored usage rows, oldest first, into fn. Used at
// startup to rebuild the in-memory aggregate from durable history. A non-zero
// since restricts the replay to rows recorded strictly after it, letting a
// seeded snapshot baseline stand in for the older rows.
func (s *Store) ReplayUsage(ctx context.Context, since time.Time, fn func(model.UsageRecord) error) error {
	query := `
		SELECT provider_id, session_id, message_id, model,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			created_at
		FROM message_usage`
	var args []interface{}
	if !since.IsZero() {
		query += ` WHERE created_at > ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: replay usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec model.UsageRecord
		if err := rows.Scan(
			&rec.ProviderID,
			&rec.SessionID,
			&rec.MessageID,
			&rec.Model,
			&rec.Usage.InputTokens,
			&rec.Usage.OutputTokens,
			&rec.Usage.CacheReadTokens,
			&rec.Usage.CacheCreationTokens,
			&timeText{&rec.Timestamp},
		); err != nil {
			return fmt.Errorf("store: scan usage row: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate usage rows: %w", err)
	}
	return nil
}

func (s *Store) UsageRowCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_usage`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count usage rows: %w", err)
	}
	return n, nil
}

// UpsertDaily writes one (provider, day) rollup, replacing any existing row
// for the same key. The rollup is recomputed upstream, so a plain overwrite
// is correct.
func (s *Store) UpsertDaily(ctx context.Context, agg model.DailyAggregate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (
			provider_id, date, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens,
			cost_usd, cache_hit_rate, session_count, message_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, date) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			cost_usd = excluded.cost_usd,
			cache_hit_rate = excluded.cache_hit_rate,
			session_count = excluded.session_count,
			message_count = excluded.message_count
	`,
		agg.ProviderID,
		agg.Date,
		agg.Usage.InputTokens,
		agg.Usage.OutputTokens,
		agg.Usage.CacheReadTokens,
		agg.Usage.CacheCreationTokens,
		agg.CostUSD,
		agg.CacheHitRate,
		agg.SessionCount,
		agg.MessageCount,
	)
	if err != nil {
		return fmt.Errorf("store: upsert daily stats: %w", err)
	}
	return nil
}

// ListDaily returns daily rollups within [from, to] inclusive, dates as
// YYYY-MM-DD. providerID 0 means all providers.
func (s *Store) ListDaily(ctx context.Context, providerID int64, from, to string) ([]model.DailyAggregate, error) {
	query := `
		SELECT provider_id, date, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens,
			cost_usd, cache_hit_rate, session_count, message_count
		FROM daily_stats WHERE date >= ? AND date <= ?`
	args := []interface{}{from, to}
	if providerID != 0 {
		query += ` AND provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY date ASC, provider_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list daily stats: %w", err)
	}
	defer rows.Close()

	var out []model.DailyAggregate
	for rows.Next() {
		var agg model.DailyAggregate
		if err := rows.Scan(
			&agg.ProviderID,
			&agg.Date,
			&agg.Usage.InputTokens,
			&agg.Usage.OutputTokens,
			&agg.Usage.CacheReadTokens,
			&agg.Usage.CacheCreationTokens,
			&agg.CostUSD,
			&agg.CacheHitRate,
			&agg.SessionCount,
			&agg.MessageCount,
		); err != nil {
			return nil, fmt.Errorf("store: scan daily stats: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate daily stats: %w", err)
	}
	return out, nil
}

// AppendSnapshot persists one immutable snapshot as a JSON payload.
func (s *Store) AppendSnapshot(ctx context.Context, snap model.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	var modTime interface{}
	if !snap.SourceModTime.IsZero() {
		modTime = snap.SourceModTime.UTC().Format(time.RFC3339Nano)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (captured_at, source_mod_time, payload) VALUES (?, ?, ?)
	`, snap.CapturedAt.UTC().Format(time.RFC3339Nano), modTime, string(payload)); err != nil {
		return fmt.Errorf("store: insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently appended snapshot, ok=false when
// none has been written.
func (s *Store) LatestSnapshot(ctx context.Context) (model.Snapshot, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("store: query latest snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return snap, true, nil
}

// SaveCursors replaces the persisted read positions for session log files.
func (s *Store) SaveCursors(ctx context.Context, cursors []parser.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin cursor tx: %w", err)
	}
	defer tx.Rollback()

	for _, c := range cursors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_cursors (path, inode, offset) VALUES (?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET inode = excluded.inode, offset = excluded.offset
		`, c.Path, int64(c.Inode), c.Offset); err != nil {
			return fmt.Errorf("store: upsert cursor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit cursor tx: %w", err)
	}
	return nil
}

func (s *Store) LoadCursors(ctx context.Context) ([]parser.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, inode, offset FROM file_cursors`)
	if err != nil {
		return nil, fmt.Errorf("store: load cursors: %w", err)
	}
	defer rows.Close()

	var out []parser.Cursor
	for rows.Next() {
		var c parser.Cursor
		var inode int64
		if err := rows.Scan(&c.Path, &inode, &c.Offset); err != nil {
			return nil, fmt.Errorf("store: scan cursor: %w", err)
		}
		c.Inode = uint64(inode)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate cursors: %w", err)
	}
	return out, nil
}
