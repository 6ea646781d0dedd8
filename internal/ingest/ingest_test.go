package ingest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/airwatch-kyiv/airwatch/internal/aggregate"
	"github.com/airwatch-kyiv/airwatch/internal/models"
	"github.com/airwatch-kyiv/airwatch/internal/pipeline"
	"github.com/airwatch-kyiv/airwatch/internal/store"
)

type fakeRunner struct {
	mu        sync.Mutex
	cycles    []string
	backfills []string
	inFlight  atomic.Int32
	peak      atomic.Int32
	delay     time.Duration
	fail      map[string]bool
	onCycle   func()
}

func (f *fakeRunner) RunCycle(ctx context.Context, location string) pipeline.CycleResult {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.cycles = append(f.cycles, location)
	f.mu.Unlock()
	if f.onCycle != nil {
		f.onCycle()
	}
	return pipeline.CycleResult{Location: location, State: pipeline.StateDone, Readings: 1}
}

func (f *fakeRunner) RunBackfill(ctx context.Context, location string, date time.Time) pipeline.CycleResult {
	key := location + " " + date.Format(time.DateOnly)
	f.mu.Lock()
	f.backfills = append(f.backfills, key)
	f.mu.Unlock()
	if f.fail[key] {
		return pipeline.CycleResult{Location: location, State: pipeline.StateFailed, Err: pipeline.ErrStorageUnavailable}
	}
	return pipeline.CycleResult{Location: location, State: pipeline.StateDone, Readings: 24}
}

type fakeAggregates struct {
	mu         sync.Mutex
	finalized  int
	recomputed []string
	empty      map[string]bool
	err        error
}

func (f *fakeAggregates) FinalizeClosed(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized++
	return 2, nil
}

func (f *fakeAggregates) RecomputeDaily(ctx context.Context, location string, date time.Time) (*models.DailyAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recomputed = append(f.recomputed, location+" "+date.Format(time.DateOnly))
	if f.empty[location] {
		return nil, aggregate.ErrEmptyBucket
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.DailyAggregate{Location: location, Date: date}, nil
}

func (f *fakeAggregates) DayOf(t time.Time) time.Time {
	return dateOnly(t)
}

type fakeMaintenanceStore struct {
	rawCutoff, logCutoff time.Time
	rawErr               error
}

func (f *fakeMaintenanceStore) CleanupOldRawPayloads(ctx context.Context, cutoff time.Time) (int64, error) {
	f.rawCutoff = cutoff
	return 3, f.rawErr
}

func (f *fakeMaintenanceStore) CleanupOldLogEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	f.logCutoff = cutoff
	return 7, nil
}

func (f *fakeMaintenanceStore) GetLogHealth(ctx context.Context, since time.Time) ([]store.LogHealthSummary, error) {
	return []store.LogHealthSummary{{Date: "2026-10-18", Action: "fetch", Success: 140, Errors: 4}}, nil
}

func (f *fakeMaintenanceStore) GetRawPayloadStats(ctx context.Context) (*store.RawPayloadStats, error) {
	return &store.RawPayloadStats{TotalCount: 2, CountBySource: map[string]int{"weatherapi": 2}}, nil
}

func TestCollectAll_RunsEveryLocationInOrder(t *testing.T) {
	runner := &fakeRunner{delay: 10 * time.Millisecond}
	locations := []string{"Kyiv", "Lviv", "Odesa", "Kharkiv"}
	s := NewScheduler(runner, nil, Config{Locations: locations}, nil)

	results := s.CollectAll(context.Background())

	if len(results) != len(locations) {
		t.Fatalf("got %d results, want %d", len(results), len(locations))
	}
	for i, r := range results {
		if r.Location != locations[i] {
			t.Errorf("results[%d].Location = %q, want %q", i, r.Location, locations[i])
		}
	}
	if len(runner.cycles) != len(locations) {
		t.Errorf("ran %d cycles, want %d", len(runner.cycles), len(locations))
	}
	if runner.peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want locations collected concurrently", runner.peak.Load())
	}
}

func TestCollectAll_MaxConcurrent(t *testing.T) {
	runner := &fakeRunner{delay: 5 * time.Millisecond}
	s := NewScheduler(runner, nil, Config{
		Locations:     []string{"Kyiv", "Lviv", "Odesa", "Kharkiv", "Dnipro"},
		MaxConcurrent: 2,
	}, nil)

	s.CollectAll(context.Background())

	if p := runner.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestSchedulerRun_CollectsImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	runner := &fakeRunner{onCycle: func() { once.Do(cancel) }}
	aggs := &fakeAggregates{}
	m := NewMaintenance(aggs, &fakeMaintenanceStore{}, MaintenanceConfig{Locations: []string{"Kyiv"}}, nil)
	s := NewScheduler(runner, m, Config{Locations: []string{"Kyiv"}, Interval: time.Hour}, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(runner.cycles) != 1 {
		t.Errorf("cycles = %d, want 1", len(runner.cycles))
	}
	if aggs.finalized != 1 {
		t.Errorf("finalize runs = %d, want 1", aggs.finalized)
	}
}

func TestSchedulerRun_InvalidSpec(t *testing.T) {
	m := NewMaintenance(&fakeAggregates{}, &fakeMaintenanceStore{}, MaintenanceConfig{}, nil)
	s := NewScheduler(&fakeRunner{}, m, Config{FinalizeSpec: "every hour"}, nil)
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run with invalid cron spec succeeded")
	}
}

func TestMaintenance_RunAll(t *testing.T) {
	now := time.Date(2026, 10, 19, 3, 30, 0, 0, time.UTC)
	aggs := &fakeAggregates{empty: map[string]bool{"Lviv": true}}
	st := &fakeMaintenanceStore{}
	m := NewMaintenance(aggs, st, MaintenanceConfig{
		Locations:    []string{"Kyiv", "Lviv"},
		RawRetention: 7 * 24 * time.Hour,
	}, nil)

	if err := m.RunAll(context.Background(), now); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if aggs.finalized != 1 {
		t.Errorf("finalize runs = %d, want 1", aggs.finalized)
	}
	want := []string{"Kyiv 2026-10-18", "Lviv 2026-10-18"}
	if len(aggs.recomputed) != len(want) || aggs.recomputed[0] != want[0] || aggs.recomputed[1] != want[1] {
		t.Errorf("recomputed = %v, want %v", aggs.recomputed, want)
	}
	if !st.rawCutoff.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Errorf("raw cutoff = %v", st.rawCutoff)
	}
	if !st.logCutoff.Equal(now.Add(-DefaultLogRetention)) {
		t.Errorf("log cutoff = %v", st.logCutoff)
	}
}

func TestMaintenance_RunAllCollectsErrors(t *testing.T) {
	recomputeErr := errors.New("disk I/O error")
	pruneErr := errors.New("database is locked")
	aggs := &fakeAggregates{err: recomputeErr}
	st := &fakeMaintenanceStore{rawErr: pruneErr}
	m := NewMaintenance(aggs, st, MaintenanceConfig{Locations: []string{"Kyiv"}}, nil)

	err := m.RunAll(context.Background(), time.Now())
	if !errors.Is(err, recomputeErr) || !errors.Is(err, pruneErr) {
		t.Fatalf("err = %v, want both failures", err)
	}
	if st.logCutoff.IsZero() {
		t.Error("log pruning skipped after raw payload pruning failed")
	}
}

func TestBackfill(t *testing.T) {
	runner := &fakeRunner{fail: map[string]bool{"Lviv 2026-10-02": true}}
	from := time.Date(2026, 10, 1, 14, 0, 0, 0, time.UTC)
	to := time.Date(2026, 10, 3, 0, 0, 0, 0, time.UTC)

	results, err := Backfill(context.Background(), runner, []string{"Kyiv", "Lviv"}, from, to, nil)

	want := []string{
		"Kyiv 2026-10-01", "Lviv 2026-10-01",
		"Kyiv 2026-10-02", "Lviv 2026-10-02",
		"Kyiv 2026-10-03", "Lviv 2026-10-03",
	}
	if len(runner.backfills) != len(want) {
		t.Fatalf("backfills = %v, want %v", runner.backfills, want)
	}
	for i := range want {
		if runner.backfills[i] != want[i] {
			t.Errorf("backfills[%d] = %q, want %q", i, runner.backfills[i], want[i])
		}
	}
	if len(results) != len(want) {
		t.Errorf("results = %d, want %d", len(results), len(want))
	}
	if !errors.Is(err, pipeline.ErrStorageUnavailable) {
		t.Errorf("err = %v, want the failed day reported", err)
	}
}

func TestBackfill_InvalidRange(t *testing.T) {
	from := time.Date(2026, 10, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if _, err := Backfill(context.Background(), &fakeRunner{}, []string{"Kyiv"}, from, to, nil); err == nil {
		t.Fatal("Backfill with reversed range succeeded")
	}
}

func TestMaintenance_PruneSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	st := store.New(db, nil)
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Date(2026, 10, 19, 3, 30, 0, 0, time.UTC)
	if _, err := st.StoreRawPayload(ctx, "c1", "weatherapi", "current.json", "Kyiv", now.AddDate(0, 0, -40), []byte(`{"old":true}`)); err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}
	if _, err := st.StoreRawPayload(ctx, "c2", "weatherapi", "current.json", "Kyiv", now.Add(-time.Hour), []byte(`{"new":true}`)); err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}

	m := NewMaintenance(&fakeAggregates{}, st, MaintenanceConfig{}, nil)
	if err := m.Prune(ctx, now); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	report := m.ReportHealth(ctx, now)
	if report.Raw == nil {
		t.Fatal("no raw payload stats in health report")
	}
	if report.Raw.TotalCount != 1 || report.Raw.CountBySource["weatherapi"] != 1 {
		t.Errorf("raw payloads left = %+v, want 1 weatherapi payload", report.Raw)
	}
	if !report.Raw.OldestFetchedAt.Equal(now.Add(-time.Hour)) {
		t.Errorf("oldest = %v, want %v", report.Raw.OldestFetchedAt, now.Add(-time.Hour))
	}
}
