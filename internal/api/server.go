// Package api serves health, metrics, collection triggers and read queries
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airwatch-kyiv/airwatch/internal/aggregate"
	"github.com/airwatch-kyiv/airwatch/internal/models"
	"github.com/airwatch-kyiv/airwatch/internal/pipeline"
	"github.com/airwatch-kyiv/airwatch/internal/store"
)

const (
	DefaultStaleAfter = 30 * time.Minute
	defaultWindow     = 24 * time.Hour
	maxDailyRange     = 92
)

type Store interface {
	Ping(ctx context.Context) error
	RecentReadings(ctx context.Context, location string, limit int) ([]models.Reading, error)
	GetReadings(ctx context.Context, location string, start, end time.Time) ([]models.Reading, error)
	GetAnomalies(ctx context.Context, location string, start, end time.Time) ([]models.Anomaly, error)
	GetHourlyRange(ctx context.Context, location string, start, end time.Time) ([]models.HourlyAggregate, error)
	GetDailyRange(ctx context.Context, location string, start, end time.Time) ([]models.DailyAggregate, error)
	GetRawPayload(ctx context.Context, id int64) (*store.RawPayload, error)
	GetLogEntries(ctx context.Context, location string, start, end time.Time, limit int) ([]models.ProcessingLogEntry, error)
	GetCycleLog(ctx context.Context, cycleID string) ([]models.ProcessingLogEntry, error)
}

type Aggregates interface {
	Daily(ctx context.Context, location string, date time.Time) (*models.DailyAggregate, error)
	DayOf(t time.Time) time.Time
}

type Collector interface {
	Start(ctx context.Context, location string) (<-chan pipeline.CycleResult, bool)
	Running(location string) bool
}

type Options struct {
	Addr      string
	Locations []string
	// StaleAfter is how old a location's newest reading may be before health
	// reports it stale.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

type Server struct {
	store      Store
	aggregates Aggregates
	collector  Collector
	opts       Options
	logger     *slog.Logger
	// baseCtx outlives requests; triggered cycles run on it.
	baseCtx context.Context
	now     func() time.Time
}

func NewServer(store Store, aggregates Aggregates, collector Collector, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      store,
		aggregates: aggregates,
		collector:  collector,
		opts:       opts,
		logger:     logger.With("component", "api"),
		baseCtx:    context.Background(),
		now:        time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/collect", s.handleCollect)
	mux.HandleFunc("GET /api/readings", s.handleReadings)
	mux.HandleFunc("GET /api/anomalies", s.handleAnomalies)
	mux.HandleFunc("GET /api/hourly", s.handleHourly)
	mux.HandleFunc("GET /api/daily", s.handleDaily)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/raw/{id}", s.handleRawPayload)
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown", "error", err)
		}
	}()

	s.logger.Info("starting server", "addr", s.opts.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "error", Errors: []string{err.Error()}})
		return
	}

	health := HealthStatus{
		Status:    "ok",
		Locations: make([]LocationHealth, 0, len(s.opts.Locations)),
	}
	now := s.now()

	for _, location := range s.opts.Locations {
		lh := LocationHealth{Location: location, AgeMinutes: -1, Stale: true}
		if s.collector != nil {
			lh.Collecting = s.collector.Running(location)
		}
		recent, err := s.store.RecentReadings(ctx, location, 1)
		if err != nil {
			health.Errors = append(health.Errors, location+": "+err.Error())
		} else if len(recent) > 0 {
			seen := recent[len(recent)-1].Timestamp
			lh.LastSeen = &seen
			lh.AgeMinutes = int(now.Sub(seen).Minutes())
			lh.Stale = now.Sub(seen) > s.opts.StaleAfter
		}
		if lh.Stale {
			health.Status = "degraded"
		}
		health.Locations = append(health.Locations, lh)
	}
	if len(health.Errors) > 0 {
		health.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}
	if !slices.Contains(s.opts.Locations, location) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown location %q", location))
		return
	}

	done, started := s.collector.Start(s.baseCtx, location)
	if !started {
		writeJSON(w, http.StatusConflict, map[string]string{
			"location": location,
			"status":   "already running",
		})
		return
	}

	go func() {
		res := <-done
		s.logger.Debug("triggered cycle finished", "location", location, "cycle", res.ID, "state", res.State)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"location": location,
		"status":   "accepted",
	})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	readings, err := s.store.GetReadings(r.Context(), r.URL.Query().Get("location"), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]ReadingView, 0, len(readings))
	for _, rd := range readings {
		views = append(views, newReadingView(rd))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	anomalies, err := s.store.GetAnomalies(r.Context(), r.URL.Query().Get("location"), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]AnomalyView, 0, len(anomalies))
	for _, a := range anomalies {
		views = append(views, newAnomalyView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}
	start, end, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := s.store.GetHourlyRange(r.Context(), location, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]HourlyView, 0, len(hours))
	for _, h := range hours {
		if h.SampleCount == 0 {
			continue
		}
		views = append(views, newHourlyView(h))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleDaily returns one aggregate per date in [from, to]. Stored days come
// from one range query; the rest are materialized from their hours. Days
// without readings are omitted.
func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	location := q.Get("location")
	if location == "" {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}

	today := s.aggregates.DayOf(s.now())
	from, err := parseDate(q.Get("from"), today)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseDate(q.Get("to"), from)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > maxDailyRange {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("range of %d days exceeds %d", days, maxDailyRange))
		return
	}

	stored, err := s.store.GetDailyRange(r.Context(), location, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byDate := make(map[string]models.DailyAggregate, len(stored))
	for _, d := range stored {
		if d.SampleCount > 0 {
			byDate[d.Date.Format(time.DateOnly)] = d
		}
	}

	views := []DailyView{}
	for date := from; !date.After(to); date = date.AddDate(0, 0, 1) {
		if d, ok := byDate[date.Format(time.DateOnly)]; ok {
			views = append(views, newDailyView(d))
			continue
		}
		d, err := s.aggregates.Daily(r.Context(), location, date)
		if errors.Is(err, aggregate.ErrEmptyBucket) {
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views = append(views, newDailyView(*d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		entries []models.ProcessingLogEntry
		err     error
	)
	if cycleID := q.Get("cycle"); cycleID != "" {
		entries, err = s.store.GetCycleLog(r.Context(), cycleID)
	} else {
		start, end, werr := s.window(r)
		if werr != nil {
			writeError(w, http.StatusBadRequest, werr.Error())
			return
		}
		limit := 200
		if v := q.Get("limit"); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		entries, err = s.store.GetLogEntries(r.Context(), q.Get("location"), start, end, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]LogEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newLogEntryView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleRawPayload returns a stored provider response with its fetch metadata.
func (s *Server) handleRawPayload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	p, err := s.store.GetRawPayload(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("raw payload %d not found", id))
		return
	}
	body, err := p.Body()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newRawPayloadView(p, body))
}

// window reads start and end (RFC 3339) from the query. Missing bounds
// default to the last 24 hours.
func (s *Server) window(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := s.now().UTC()
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		end = t.UTC()
	}
	start := end.Add(-defaultWindow)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
		start = t.UTC()
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("start must be before end")
	}
	return start, end, nil
}

func parseDate(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	return time.Parse(time.DateOnly, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
