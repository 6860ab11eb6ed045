// Package daemon wires the watcher, parser, aggregator, store and WebSocket
// hub into the long-running tokenwatch process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/janekbaraniewski/tokenwatch/internal/aggregate"
	"github.com/janekbaraniewski/tokenwatch/internal/config"
	"github.com/janekbaraniewski/tokenwatch/internal/model"
	"github.com/janekbaraniewski/tokenwatch/internal/parser"
	"github.com/janekbaraniewski/tokenwatch/internal/registry"
	"github.com/janekbaraniewski/tokenwatch/internal/store"
	"github.com/janekbaraniewski/tokenwatch/internal/watcher"
	"github.com/janekbaraniewski/tokenwatch/internal/ws"
)

const (
	// Broadcasts coalesce: no matter how many records land, clients see
	// at most one stats_update per interval.
	broadcastInterval = 250 * time.Millisecond

	flushInterval     = 30 * time.Second
	retentionInterval = 6 * time.Hour

	insertRetries     = 5
	insertBackoffBase = 100 * time.Millisecond
	insertBackoffCap  = 5 * time.Second

	settingsRetryCap = 30 * time.Second
)

// settingsRetry re-delivers a settings event that failed transiently. A later
// attempt for the same path supersedes it.
type settingsRetry struct {
	path    string
	attempt int
}

type Service struct {
	cfg config.Config

	store    *store.Store
	agg      *aggregate.Aggregator
	registry *registry.Registry
	reader   *parser.SessionReader
	hub      *ws.Hub

	workers *semaphore.Weighted
	limiter *rate.Limiter
	notify  chan struct{}

	settingsRetryBase time.Duration
	settingsRetries   chan settingsRetry

	// inflight keys busy session paths; a non-nil value is a coalesced
	// follow-up event for the running worker.
	inflightMu sync.Mutex
	inflight   map[string]*watcher.Event

	logMu     sync.Mutex
	lastLogAt map[string]time.Time

	wg sync.WaitGroup
}

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func Run(cfg config.Config) error {
	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := StartService(ctx, cfg, st)
	if err != nil {
		return err
	}

	<-ctx.Done()
	svc.infof("daemon_stop", "reason=signal")
	svc.Shutdown()
	return nil
}

// StartService builds the pipeline, restores durable state, and launches the
// background loops. The store stays owned by the caller.
func StartService(ctx context.Context, cfg config.Config, st *store.Store) (*Service, error) {
	svc := NewService(cfg, st)
	if err := svc.restore(ctx); err != nil {
		return nil, err
	}

	w, err := watcher.New(cfg.WatchRoot, cfg.SettingsPath, cfg.Debounce())
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("daemon: start watcher: %w", err)
	}

	svc.infof(
		"daemon_start",
		"root=%s settings=%s db=%s listen=%s debounce=%s retention=%s workers=%d",
		cfg.WatchRoot, cfg.SettingsPath, cfg.DBPath, cfg.ListenAddr,
		cfg.Debounce(), cfg.Retention(), cfg.Workers,
	)

	go svc.hub.Run(ctx)
	svc.wg.Add(4)
	go svc.runEventLoop(ctx, w)
	go svc.runBroadcastLoop(ctx)
	go svc.runFlushLoop(ctx)
	go svc.runRetentionLoop(ctx)
	go func() {
		<-ctx.Done()
		w.Close()
	}()

	if err := svc.startHTTPServer(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// NewService assembles the pipeline without touching the filesystem or
// starting any loop.
func NewService(cfg config.Config, st *store.Store) *Service {
	hub := ws.NewHub(cfg.Verbose)
	svc := &Service{
		cfg:       cfg,
		store:     st,
		agg:       aggregate.New(),
		registry:  registry.New(st),
		reader:    parser.NewSessionReader(nil),
		hub:       hub,
		workers:   semaphore.NewWeighted(int64(cfg.Workers)),
		limiter:   rate.NewLimiter(rate.Every(broadcastInterval), 1),
		notify:    make(chan struct{}, 1),

		settingsRetryBase: time.Second,
		settingsRetries:   make(chan settingsRetry, 1),
		inflight:          map[string]*watcher.Event{},

		lastLogAt: map[string]time.Time{},
	}
	hub.Hello = func() []ws.Envelope {
		env, err := ws.NewEnvelope(ws.TypeStatsUpdate, svc.agg.Snapshot())
		if err != nil {
			return nil
		}
		return []ws.Envelope{env}
	}
	return svc
}

// restore rebuilds in-memory state from the store: cursors, the active
// provider, and the aggregate. An empty store falls back to the legacy stats
// cache as a display seed until real history accrues.
func (s *Service) restore(ctx context.Context) error {
	cursors, err := s.store.LoadCursors(ctx)
	if err != nil {
		return err
	}
	s.reader = parser.NewSessionReader(cursors)

	if err := s.registry.Load(ctx); err != nil {
		return err
	}
	if active, ok := s.registry.Active(); ok {
		s.agg.SetActiveProvider(active)
	}

	count, err := s.store.UsageRowCount(ctx)
	if err != nil {
		return err
	}
	snap, haveSnap, err := s.store.LatestSnapshot(ctx)
	if err != nil {
		return err
	}

	if count == 0 && !haveSnap {
		legacy, ok, err := config.LoadLegacyStats(s.cfg.LegacyStatsCachePath)
		if err != nil {
			s.warnf("legacy_seed_failed", "path=%s error=%v", s.cfg.LegacyStatsCachePath, err)
		} else if ok {
			s.agg.Seed(legacy)
			s.infof("legacy_seed", "path=%s messages=%d cost_usd=%.4f",
				s.cfg.LegacyStatsCachePath, legacy.MessageCount, legacy.TotalCostUSD)
		}
		return nil
	}

	var since time.Time
	if haveSnap {
		// The snapshot folds in every row recorded up to its capture,
		// including rows retention has since pruned away. Seed it and
		// replay only the rows recorded after the capture.
		s.agg.Seed(snap)
		since = snap.CapturedAt
		s.infof("snapshot_seed", "captured_at=%s messages=%d cost_usd=%.4f",
			snap.CapturedAt.Format(time.RFC3339), snap.MessageCount, snap.TotalCostUSD)
	}

	replayed := 0
	if err := s.store.ReplayUsage(ctx, since, func(rec model.UsageRecord) error {
		s.agg.Apply(rec)
		replayed++
		return nil
	}); err != nil {
		return err
	}
	// Replayed days are already persisted.
	s.agg.DrainDirtyDays()
	s.infof("history_replayed", "records=%d", replayed)
	return nil
}

// Shutdown flushes durable state after the loops have stopped.
func (s *Service) Shutdown() {
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.flush(ctx)
}

func (s *Service) runEventLoop(ctx context.Context, w *watcher.Watcher) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.infof("event_loop_stop", "reason=context_done")
			return
		case retry := <-s.settingsRetries:
			s.handleSettings(ctx, retry.path, retry.attempt)
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case watcher.KindSettings:
				s.handleSettings(ctx, ev.Path, 0)
			case watcher.KindSession:
				s.dispatchSession(ctx, ev)
			}
		}
	}
}

// handleSettings re-resolves the active credential. A failed read, parse, or
// store lookup keeps the previous provider and re-queues the event with
// backoff so a torn write during an atomic replace is not the last word;
// attribution never guesses.
func (s *Service) handleSettings(ctx context.Context, path string, attempt int) {
	data, err := os.ReadFile(path)
	if err != nil {
		if s.shouldLog("settings_read_error", 10*time.Second) {
			s.warnf("settings_read_error", "path=%s error=%v", path, err)
		}
		s.deferSettings(path, attempt)
		return
	}

	cred, err := parser.ParseSettings(data)
	if err != nil {
		if errors.Is(err, parser.ErrMissingCredential) {
			// The file validly carries no credential; nothing to retry.
			if s.shouldLog("settings_no_credential", 30*time.Second) {
				s.infof("settings_no_credential", "path=%s", path)
			}
			return
		}
		if s.shouldLog("settings_parse_error", 10*time.Second) {
			s.warnf("settings_parse_error", "path=%s error=%v", path, err)
		}
		s.deferSettings(path, attempt)
		return
	}

	provider, switched, err := s.registry.Resolve(ctx, cred)
	if err != nil {
		s.warnf("provider_resolve_error", "error=%v", err)
		s.deferSettings(path, attempt)
		return
	}
	if !switched {
		return
	}

	s.agg.SetActiveProvider(provider)
	s.infof("provider_switched", "provider_id=%d prefix=%s", provider.ID, provider.KeyPrefix)
	if env, err := ws.NewEnvelope(ws.TypeProviderSwitched, provider); err == nil {
		s.hub.Broadcast(env)
	}
	s.requestBroadcast()
}

// deferSettings schedules a retry of a settings event after a capped
// exponential backoff. The retry channel holds one entry; a fresher attempt
// already queued makes this one redundant.
func (s *Service) deferSettings(path string, attempt int) {
	wait := ws.Backoff(attempt, s.settingsRetryBase, settingsRetryCap)
	time.AfterFunc(wait, func() {
		select {
		case s.settingsRetries <- settingsRetry{path: path, attempt: attempt + 1}:
		default:
		}
	})
}

// dispatchSession hands a session event to a worker, keeping at most one
// worker per path so records from the same file apply in file order. Events
// for a busy path coalesce into a single follow-up run.
func (s *Service) dispatchSession(ctx context.Context, ev watcher.Event) {
	s.inflightMu.Lock()
	if _, busy := s.inflight[ev.Path]; busy {
		s.inflight[ev.Path] = &ev
		s.inflightMu.Unlock()
		return
	}
	s.inflight[ev.Path] = nil
	s.inflightMu.Unlock()

	if err := s.workers.Acquire(ctx, 1); err != nil {
		s.inflightMu.Lock()
		delete(s.inflight, ev.Path)
		s.inflightMu.Unlock()
		return
	}
	go func(ev watcher.Event) {
		defer s.workers.Release(1)
		for {
			s.handleSessionFile(ctx, ev)

			s.inflightMu.Lock()
			queued := s.inflight[ev.Path]
			if queued == nil {
				delete(s.inflight, ev.Path)
				s.inflightMu.Unlock()
				return
			}
			s.inflight[ev.Path] = nil
			s.inflightMu.Unlock()
			ev = *queued
		}
	}(ev)
}

func (s *Service) handleSessionFile(ctx context.Context, ev watcher.Event) {
	providerID := int64(0)
	if active, ok := s.registry.Active(); ok {
		providerID = active.ID
	}

	res, err := s.reader.ReadNew(ev.Path, providerID)
	if err != nil {
		if s.shouldLog("session_read_error", 10*time.Second) {
			s.warnf("session_read_error", "path=%s error=%v", ev.Path, err)
		}
		return
	}
	if res.Malformed > 0 && s.shouldLog("session_malformed", 30*time.Second) {
		s.warnf("session_malformed", "path=%s lines=%d", ev.Path, res.Malformed)
	}
	if len(res.Records) == 0 {
		return
	}

	for _, rec := range res.Records {
		cost := s.agg.Apply(rec)
		s.insertWithRetry(ctx, rec, cost)
	}
	if !ev.ModTime.IsZero() {
		s.agg.SetSourceModTime(ev.ModTime)
	}
	s.infof("session_ingested", "path=%s records=%d bytes=%d", ev.Path, len(res.Records), res.BytesRead)
	s.requestBroadcast()
}

// insertWithRetry keeps the aggregate ahead of the store: the record is
// already applied in memory, so persistence only needs to catch up, backing
// off on transient SQLite contention.
func (s *Service) insertWithRetry(ctx context.Context, rec model.UsageRecord, cost float64) {
	var err error
	for attempt := 0; attempt < insertRetries; attempt++ {
		if err = s.store.InsertUsage(ctx, rec, cost); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ws.Backoff(attempt, insertBackoffBase, insertBackoffCap)):
		}
	}
	s.warnf("usage_insert_failed", "message_id=%s error=%v", rec.MessageID, err)
}

func (s *Service) requestBroadcast() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Service) runBroadcastLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			env, err := ws.NewEnvelope(ws.TypeStatsUpdate, s.agg.Snapshot())
			if err != nil {
				s.warnf("broadcast_marshal_error", "error=%v", err)
				continue
			}
			s.hub.Broadcast(env)
		}
	}
}

func (s *Service) runFlushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.infof("flush_loop_stop", "reason=context_done")
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// flush persists everything rebuildable: dirty daily rollups, the current
// snapshot, and parser cursors. Failed daily writes re-queue for the next
// pass.
func (s *Service) flush(ctx context.Context) {
	for _, day := range s.agg.DrainDirtyDays() {
		if err := s.store.UpsertDaily(ctx, day); err != nil {
			s.agg.MarkDirty(day.ProviderID, day.Date)
			if s.shouldLog("daily_flush_error", 30*time.Second) {
				s.warnf("daily_flush_error", "date=%s error=%v", day.Date, err)
			}
		}
	}

	snap := s.agg.Snapshot()
	if snap.MessageCount > 0 {
		if err := s.store.AppendSnapshot(ctx, snap); err != nil {
			if s.shouldLog("snapshot_flush_error", 30*time.Second) {
				s.warnf("snapshot_flush_error", "error=%v", err)
			}
		}
	}

	if err := s.store.SaveCursors(ctx, s.reader.Cursors()); err != nil {
		if s.shouldLog("cursor_flush_error", 30*time.Second) {
			s.warnf("cursor_flush_error", "error=%v", err)
		}
	}
}

func (s *Service) runRetentionLoop(ctx context.Context) {
	defer s.wg.Done()
	s.pruneOldData(ctx)
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.infof("retention_loop_stop", "reason=context_done")
			return
		case <-ticker.C:
			s.pruneOldData(ctx)
		}
	}
}

func (s *Service) pruneOldData(ctx context.Context) {
	pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := s.store.PruneOlderThan(pruneCtx, s.cfg.Retention())
	if err != nil {
		if s.shouldLog("retention_error", 30*time.Second) {
			s.warnf("retention_error", "error=%v", err)
		}
		return
	}
	if result.UsageRowsRemoved > 0 || result.SnapshotRowsRemoved > 0 {
		s.infof("retention_pruned", "usage=%d snapshots=%d",
			result.UsageRowsRemoved, result.SnapshotRowsRemoved)
	}
}

func (s *Service) infof(event, format string, args ...any) {
	if s == nil || !s.cfg.Verbose {
		return
	}
	log.Printf("daemon level=info event=%s "+format, append([]any{event}, args...)...)
}

func (s *Service) warnf(event, format string, args ...any) {
	if s == nil || !s.cfg.Verbose {
		return
	}
	log.Printf("daemon level=warn event=%s "+format, append([]any{event}, args...)...)
}

func (s *Service) shouldLog(key string, interval time.Duration) bool {
	if s == nil {
		return false
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	now := time.Now()
	if interval > 0 {
		if last, ok := s.lastLogAt[key]; ok && now.Sub(last) < interval {
			return false
		}
	}
	s.lastLogAt[key] = now
	return true
}
