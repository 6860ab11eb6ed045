package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
	"github.com/janekbaraniewski/tokenwatch/internal/version"
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.Get("/healthz", s.handleHealth)
		r.Get("/api/stats/current", s.handleStatsCurrent)
		r.Get("/api/stats/daily", s.handleStatsDaily)
		r.Get("/api/providers", s.handleProviders)
		r.Get("/api/providers/switches", s.handleProviderSwitches)
	})

	// Long-lived; must not run under the timeout middleware.
	r.Get("/ws", s.hub.HandleWS)
	return r
}

func (s *Service) startHTTPServer(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.infof("http_listening", "addr=%s", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.infof("http_shutdown", "reason=context_done")
	}()

	// Surface immediate bind failures instead of limping on without an API.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version.Version,
		"clients":   s.hub.ClientCount(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Service) handleStatsCurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Snapshot())
}

func (s *Service) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		from = now.AddDate(0, 0, -30).Format("2006-01-02")
	}
	if to == "" {
		to = now.Format("2006-01-02")
	}
	if !datePattern.MatchString(from) || !datePattern.MatchString(to) {
		writeJSONError(w, http.StatusBadRequest, "from/to must be YYYY-MM-DD")
		return
	}
	if from > to {
		writeJSONError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	var providerID int64
	if raw := r.URL.Query().Get("provider_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeJSONError(w, http.StatusBadRequest, "provider_id must be a positive integer")
			return
		}
		providerID = id
	}

	rows, err := s.store.ListDaily(r.Context(), providerID, from, to)
	if err != nil {
		s.warnf("daily_query_error", "error=%v", err)
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []model.DailyAggregate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "days": rows})
}

func (s *Service) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		s.warnf("providers_query_error", "error=%v", err)
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if providers == nil {
		providers = []model.Provider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Service) handleProviderSwitches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeJSONError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}

	switches, err := s.store.SwitchHistory(r.Context(), limit)
	if err != nil {
		s.warnf("switches_query_error", "error=%v", err)
		writeJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if switches == nil {
		switches = []model.ProviderSwitch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"switches": switches})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
