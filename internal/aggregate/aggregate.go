// Package aggregate maintains the in-memory usage rollup that snapshots are
// served from. All costs are accumulated as decimals and only converted to
// float at the snapshot boundary.
package aggregate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
	"github.com/janekbaraniewski/tokenwatch/internal/pricing"
)

type dayKey struct {
	providerID int64
	date       string
}

type modelBucket struct {
	usage    model.TokenUsage
	cost     decimal.Decimal
	messages int64
}

type dayBucket struct {
	usage    model.TokenUsage
	cost     decimal.Decimal
	messages int64
	sessions map[string]struct{}
}

type Aggregator struct {
	mu sync.Mutex

	totals    model.TokenUsage
	totalCost decimal.Decimal
	messages  int64
	sessions  map[string]struct{}
	models    map[string]*modelBucket
	days      map[dayKey]*dayBucket
	dirty     map[dayKey]struct{}

	active        *model.Provider
	sourceModTime time.Time

	now func() time.Time
}

func New() *Aggregator {
	return &Aggregator{
		sessions: map[string]struct{}{},
		models:   map[string]*modelBucket{},
		days:     map[dayKey]*dayBucket{},
		dirty:    map[dayKey]struct{}{},
		now:      time.Now,
	}
}

// Apply folds one usage record into every rollup level and returns the cost
// attributed to it. Records bucket into days by their own timestamp, not the
// wall clock at ingest time.
func (a *Aggregator) Apply(rec model.UsageRecord) float64 {
	rates := pricing.Lookup(rec.Model)
	cost := pricing.Cost(rec.Usage, rates)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totals.Add(rec.Usage)
	a.totalCost = a.totalCost.Add(cost)
	a.messages++
	a.sessions[rec.SessionID] = struct{}{}

	mb, ok := a.models[rec.Model]
	if !ok {
		mb = &modelBucket{}
		a.models[rec.Model] = mb
	}
	mb.usage.Add(rec.Usage)
	mb.cost = mb.cost.Add(cost)
	mb.messages++

	key := dayKey{providerID: rec.ProviderID, date: rec.Timestamp.UTC().Format("2006-01-02")}
	db, ok := a.days[key]
	if !ok {
		db = &dayBucket{sessions: map[string]struct{}{}}
		a.days[key] = db
	}
	db.usage.Add(rec.Usage)
	db.cost = db.cost.Add(cost)
	db.messages++
	db.sessions[rec.SessionID] = struct{}{}
	a.dirty[key] = struct{}{}

	f, _ := cost.Float64()
	return f
}

// SetActiveProvider records the provider reported in snapshots.
func (a *Aggregator) SetActiveProvider(p model.Provider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := p
	a.active = &cp
}

// SetSourceModTime records the newest source file mtime seen so far.
func (a *Aggregator) SetSourceModTime(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.After(a.sourceModTime) {
		a.sourceModTime = t
	}
}

// Seed pre-loads the rollup from a persisted snapshot. Only valid on an empty
// aggregator. Per-model buckets and the capture day's bucket are restored from
// the snapshot's own breakdowns; other days stay empty until records replay.
func (a *Aggregator) Seed(snap model.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.messages != 0 {
		return
	}
	a.totals = snap.Totals
	a.totalCost = decimal.NewFromFloat(snap.TotalCostUSD)
	a.messages = snap.MessageCount
	for i := int64(0); i < snap.SessionCount; i++ {
		// Placeholder ids keep the distinct-session count honest until
		// real session ids arrive.
		a.sessions[fmt.Sprintf("seed-%d", i)] = struct{}{}
	}
	a.sourceModTime = snap.SourceModTime

	for _, m := range snap.Models {
		a.models[m.Model] = &modelBucket{
			usage:    m.Usage,
			cost:     decimal.NewFromFloat(m.CostUSD),
			messages: m.MessageCount,
		}
	}

	if snap.Today.MessageCount > 0 && !snap.CapturedAt.IsZero() {
		providerID := int64(0)
		if snap.ActiveProvider != nil {
			providerID = snap.ActiveProvider.ID
		}
		db := &dayBucket{
			usage:    snap.Today.Usage,
			cost:     decimal.NewFromFloat(snap.Today.CostUSD),
			messages: snap.Today.MessageCount,
			sessions: map[string]struct{}{},
		}
		for i := int64(0); i < snap.Today.SessionCount; i++ {
			db.sessions[fmt.Sprintf("seed-day-%d", i)] = struct{}{}
		}
		// The bucket keys by the capture date, so a snapshot restored the
		// next day lands on yesterday instead of inflating today. Not
		// marked dirty: the flush that captured it persisted the rollup.
		key := dayKey{providerID: providerID, date: snap.CapturedAt.UTC().Format("2006-01-02")}
		a.days[key] = db
	}
}

// Snapshot returns a deep copy of the current rollup. Models are sorted by
// cost, most expensive first.
func (a *Aggregator) Snapshot() model.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	today := a.now().UTC().Format("2006-01-02")
	var todayStats model.TodayStats
	for key, db := range a.days {
		if key.date != today {
			continue
		}
		todayStats.Usage.Add(db.usage)
		cost, _ := db.cost.Float64()
		todayStats.CostUSD += cost
		todayStats.MessageCount += db.messages
		todayStats.SessionCount += int64(len(db.sessions))
	}
	todayStats.CacheHitRate = todayStats.Usage.CacheHitRate()

	models := lo.MapToSlice(a.models, func(name string, mb *modelBucket) model.ModelUsage {
		cost, _ := mb.cost.Float64()
		return model.ModelUsage{
			Model:        name,
			Usage:        mb.usage,
			CostUSD:      cost,
			CacheHitRate: mb.usage.CacheHitRate(),
			MessageCount: mb.messages,
		}
	})
	sort.Slice(models, func(i, j int) bool {
		if models[i].CostUSD != models[j].CostUSD {
			return models[i].CostUSD > models[j].CostUSD
		}
		return models[i].Model < models[j].Model
	})

	totalCost, _ := a.totalCost.Float64()
	snap := model.Snapshot{
		Totals:        a.totals,
		TotalCostUSD:  totalCost,
		CacheHitRate:  a.totals.CacheHitRate(),
		SessionCount:  int64(len(a.sessions)),
		MessageCount:  a.messages,
		Models:        models,
		Today:         todayStats,
		CapturedAt:    a.now().UTC(),
		SourceModTime: a.sourceModTime,
	}
	if a.active != nil {
		cp := *a.active
		snap.ActiveProvider = &cp
	}
	return snap
}

// DrainDirtyDays returns the daily rollups touched since the previous drain
// and clears the dirty set. Callers persist the returned rows; on failure
// they re-mark with MarkDirty so no day is lost.
func (a *Aggregator) DrainDirtyDays() []model.DailyAggregate {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := lo.Keys(a.dirty)
	out := make([]model.DailyAggregate, 0, len(keys))
	for _, key := range keys {
		db := a.days[key]
		if db == nil {
			continue
		}
		cost, _ := db.cost.Float64()
		out = append(out, model.DailyAggregate{
			ProviderID:   key.providerID,
			Date:         key.date,
			Usage:        db.usage,
			CostUSD:      cost,
			CacheHitRate: db.usage.CacheHitRate(),
			SessionCount: int64(len(db.sessions)),
			MessageCount: db.messages,
		})
	}
	a.dirty = map[dayKey]struct{}{}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out
}

// MarkDirty re-queues a daily rollup after a failed persist.
func (a *Aggregator) MarkDirty(providerID int64, date string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := dayKey{providerID: providerID, date: date}
	if _, ok := a.days[key]; ok {
		a.dirty[key] = struct{}{}
	}
}
