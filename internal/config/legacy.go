package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
)

// legacyStatsCache mirrors the stats cache file written by earlier versions
// of the monitored tool. Read-only; tokenwatch never writes it.
type legacyStatsCache struct {
	TotalInputTokens         int64   `json:"total_input_tokens"`
	TotalOutputTokens        int64   `json:"total_output_tokens"`
	TotalCacheReadTokens     int64   `json:"total_cache_read_tokens"`
	TotalCacheCreationTokens int64   `json:"total_cache_creation_tokens"`
	TotalCost                float64 `json:"total_cost"`
	SessionCount             int64   `json:"session_count"`
	MessageCount             int64   `json:"message_count"`
	LastUpdated              string  `json:"last_updated"`
}

// LoadLegacyStats reads the old tool's stats cache and converts it into a
// snapshot suitable for seeding an empty aggregate. ok=false when the file
// does not exist.
func LoadLegacyStats(path string) (model.Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Snapshot{}, false, nil
		}
		return model.Snapshot{}, false, fmt.Errorf("reading legacy stats cache: %w", err)
	}

	var cache legacyStatsCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("parsing legacy stats cache %s: %w", path, err)
	}

	snap := model.Snapshot{
		Totals: model.TokenUsage{
			InputTokens:         cache.TotalInputTokens,
			OutputTokens:        cache.TotalOutputTokens,
			CacheReadTokens:     cache.TotalCacheReadTokens,
			CacheCreationTokens: cache.TotalCacheCreationTokens,
		},
		TotalCostUSD: cache.TotalCost,
		SessionCount: cache.SessionCount,
		MessageCount: cache.MessageCount,
	}
	snap.CacheHitRate = snap.Totals.CacheHitRate()
	if cache.LastUpdated != "" {
		if ts, err := time.Parse(time.RFC3339, cache.LastUpdated); err == nil {
			snap.CapturedAt = ts.UTC()
		}
	}
	return snap, true, nil
}
