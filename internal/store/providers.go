package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
)

// ResolveProvider looks a credential up by its key hash, creating the row on
// first sight, and makes it the single active provider. It reports whether
// the active provider changed, and records a switch log row when it did. The
// raw credential never reaches the store; callers pass the SHA-256 hash and
// the display prefix only.
func (s *Store) ResolveProvider(ctx context.Context, keyHash, keyPrefix, baseURL string) (model.Provider, bool, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Provider{}, false, fmt.Errorf("store: begin provider tx: %w", err)
	}
	defer tx.Rollback()

	var prev sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM providers WHERE is_active = 1`).Scan(&prev); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.Provider{}, false, fmt.Errorf("store: query active provider: %w", err)
	}

	var p model.Provider
	err = tx.QueryRowContext(ctx, `
		SELECT id, key_prefix, display_name, base_url, first_seen_at
		FROM providers WHERE key_hash = ?
	`, keyHash).Scan(&p.ID, &p.KeyPrefix, &p.DisplayName, &nullString{&p.BaseURL}, &timeText{&p.FirstSeenAt})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, insErr := tx.ExecContext(ctx, `
			INSERT INTO providers (key_hash, key_prefix, display_name, base_url, is_active, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
		`, keyHash, keyPrefix, keyPrefix+"...", nullable(baseURL), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if insErr != nil {
			return model.Provider{}, false, fmt.Errorf("store: insert provider: %w", insErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return model.Provider{}, false, fmt.Errorf("store: provider insert id: %w", idErr)
		}
		p = model.Provider{
			ID:          id,
			KeyPrefix:   keyPrefix,
			DisplayName: keyPrefix + "...",
			BaseURL:     baseURL,
			FirstSeenAt: now,
		}
	case err != nil:
		return model.Provider{}, false, fmt.Errorf("store: query provider: %w", err)
	default:
		if _, upErr := tx.ExecContext(ctx, `
			UPDATE providers SET last_seen_at = ?, base_url = COALESCE(?, base_url) WHERE id = ?
		`, now.Format(time.RFC3339Nano), nullable(baseURL), p.ID); upErr != nil {
			return model.Provider{}, false, fmt.Errorf("store: touch provider: %w", upErr)
		}
		if baseURL != "" {
			p.BaseURL = baseURL
		}
	}
	p.KeyHash = keyHash
	p.LastSeenAt = now
	p.Active = true

	switched := !prev.Valid || prev.Int64 != p.ID
	if switched {
		if _, err := tx.ExecContext(ctx, `UPDATE providers SET is_active = 0 WHERE is_active = 1`); err != nil {
			return model.Provider{}, false, fmt.Errorf("store: deactivate providers: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE providers SET is_active = 1 WHERE id = ?`, p.ID); err != nil {
			return model.Provider{}, false, fmt.Errorf("store: activate provider: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO provider_switch_logs (provider_id, switched_at) VALUES (?, ?)
		`, p.ID, now.Format(time.RFC3339Nano)); err != nil {
			return model.Provider{}, false, fmt.Errorf("store: log provider switch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Provider{}, false, fmt.Errorf("store: commit provider tx: %w", err)
	}
	return p, switched, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_hash, key_prefix, display_name, base_url, is_active, first_seen_at, last_seen_at
		FROM providers ORDER BY first_seen_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.KeyHash, &p.KeyPrefix, &p.DisplayName, &nullString{&p.BaseURL}, &p.Active, &timeText{&p.FirstSeenAt}, &timeText{&p.LastSeenAt}); err != nil {
			return nil, fmt.Errorf("store: scan provider: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate providers: %w", err)
	}
	return out, nil
}

// ActiveProvider returns the provider currently marked active, or ok=false
// when no credential has been observed yet.
func (s *Store) ActiveProvider(ctx context.Context) (model.Provider, bool, error) {
	var p model.Provider
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, key_prefix, display_name, base_url, is_active, first_seen_at, last_seen_at
		FROM providers WHERE is_active = 1
	`).Scan(&p.ID, &p.KeyHash, &p.KeyPrefix, &p.DisplayName, &nullString{&p.BaseURL}, &p.Active, &timeText{&p.FirstSeenAt}, &timeText{&p.LastSeenAt})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Provider{}, false, nil
	}
	if err != nil {
		return model.Provider{}, false, fmt.Errorf("store: query active provider: %w", err)
	}
	return p, true, nil
}

// SwitchHistory returns switch events newest first, capped at limit.
func (s *Store) SwitchHistory(ctx context.Context, limit int) ([]model.ProviderSwitch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.provider_id, p.display_name, l.switched_at
		FROM provider_switch_logs l JOIN providers p ON p.id = l.provider_id
		ORDER BY l.id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query switch history: %w", err)
	}
	defer rows.Close()

	var out []model.ProviderSwitch
	for rows.Next() {
		var sw model.ProviderSwitch
		if err := rows.Scan(&sw.ProviderID, &sw.DisplayName, &timeText{&sw.SwitchedAt}); err != nil {
			return nil, fmt.Errorf("store: scan switch log: %w", err)
		}
		out = append(out, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate switch logs: %w", err)
	}
	return out, nil
}
