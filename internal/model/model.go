// Package model holds the shared data types flowing through the ingestion
// pipeline: parsed usage records, provider identities and the aggregated
// snapshot served to dashboard clients.
package model

import "time"

// TokenUsage contains token counts from a single API response, split by
// billing category.
type TokenUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// Add accumulates another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
}

// Total returns the sum across all categories.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// CacheHitRate is the fraction of effective input tokens served from cache.
// Always within [0,1]; 0 when the denominator is 0.
func (u TokenUsage) CacheHitRate() float64 {
	denom := u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
	if denom <= 0 {
		return 0
	}
	return float64(u.CacheReadTokens) / float64(denom)
}

// UsageRecord is one parsed session-log line, already attributed to the
// provider that was active when it was ingested. Immutable once created.
type UsageRecord struct {
	SessionID  string     `json:"session_id"`
	MessageID  string     `json:"message_id"`
	Model      string     `json:"model"`
	Usage      TokenUsage `json:"usage"`
	Timestamp  time.Time  `json:"timestamp"`
	ProviderID int64      `json:"provider_id"`
}

// Provider is a distinct credential under which usage is attributed. The raw
// secret is never stored — only its SHA-256 hash and a short display prefix.
type Provider struct {
	ID          int64     `json:"id"`
	KeyHash     string    `json:"-"`
	KeyPrefix   string    `json:"key_prefix"`
	DisplayName string    `json:"display_name,omitempty"`
	BaseURL     string    `json:"base_url,omitempty"`
	Active      bool      `json:"active"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// ProviderSwitch records one change of the active provider.
type ProviderSwitch struct {
	ProviderID  int64     `json:"provider_id"`
	DisplayName string    `json:"display_name"`
	SwitchedAt  time.Time `json:"switched_at"`
}

// ModelUsage is the per-model rollup inside a snapshot.
type ModelUsage struct {
	Model        string     `json:"model"`
	Usage        TokenUsage `json:"usage"`
	CostUSD      float64    `json:"cost_usd"`
	CacheHitRate float64    `json:"cache_hit_rate"`
	MessageCount int64      `json:"message_count"`
}

// DailyAggregate is one row per (provider, calendar day). Upserted in place
// for the current day until the day boundary passes.
type DailyAggregate struct {
	ProviderID   int64      `json:"provider_id"`
	Date         string     `json:"date"` // YYYY-MM-DD, bucketed by record timestamp
	Usage        TokenUsage `json:"usage"`
	CostUSD      float64    `json:"cost_usd"`
	CacheHitRate float64    `json:"cache_hit_rate"`
	SessionCount int64      `json:"session_count"`
	MessageCount int64      `json:"message_count"`
}

// TodayStats is the current-day rollup carried inside a snapshot.
type TodayStats struct {
	Usage        TokenUsage `json:"usage"`
	CostUSD      float64    `json:"cost_usd"`
	CacheHitRate float64    `json:"cache_hit_rate"`
	SessionCount int64      `json:"session_count"`
	MessageCount int64      `json:"message_count"`
}

// Snapshot is the complete current in-memory aggregate across all providers
// and models, as of the latest ingested event. Persisted snapshots are
// immutable once written.
type Snapshot struct {
	Totals         TokenUsage   `json:"totals"`
	TotalCostUSD   float64      `json:"total_cost_usd"`
	CacheHitRate   float64      `json:"cache_hit_rate"`
	SessionCount   int64        `json:"session_count"`
	MessageCount   int64        `json:"message_count"`
	Models         []ModelUsage `json:"models"`
	Today          TodayStats   `json:"today"`
	ActiveProvider *Provider    `json:"active_provider,omitempty"`
	CapturedAt     time.Time    `json:"captured_at"`
	SourceModTime  time.Time    `json:"source_mod_time,omitempty"`
}
