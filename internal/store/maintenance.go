package store

import (
	"context"
	"fmt"
	"time"
)

type PruneResult struct {
	UsageRowsRemoved    int64
	SnapshotRowsRemoved int64
}

// PruneOlderThan removes per-message rows and snapshots whose timestamps fall
// before the retention window. Daily rollups are cheap and serve long-range
// history queries, so they are kept indefinitely.
func (s *Store) PruneOlderThan(ctx context.Context, retention time.Duration) (PruneResult, error) {
	if s == nil || s.db == nil || retention <= 0 {
		return PruneResult{}, nil
	}

	cutoff := s.now().UTC().Add(-retention)
	cutoffStamp := cutoff.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PruneResult{}, fmt.Errorf("store: prune begin tx: %w", err)
	}
	defer tx.Rollback()

	var result PruneResult

	usageRes, err := tx.ExecContext(ctx, `DELETE FROM message_usage WHERE created_at < ?`, cutoffStamp)
	if err != nil {
		return PruneResult{}, fmt.Errorf("store: prune usage rows: %w", err)
	}
	result.UsageRowsRemoved, _ = usageRes.RowsAffected()

	// Keep the latest snapshot regardless of age so cold starts always have
	// a baseline.
	snapRes, err := tx.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE captured_at < ? AND id <> (SELECT MAX(id) FROM snapshots)
	`, cutoffStamp)
	if err != nil {
		return PruneResult{}, fmt.Errorf("store: prune snapshots: %w", err)
	}
	result.SnapshotRowsRemoved, _ = snapRes.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PruneResult{}, fmt.Errorf("store: prune commit tx: %w", err)
	}
	return result, nil
}
