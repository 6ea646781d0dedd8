package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airwatch-kyiv/airwatch/internal/aggregate"
	"github.com/airwatch-kyiv/airwatch/internal/anomaly"
	"github.com/airwatch-kyiv/airwatch/internal/models"
	"github.com/airwatch-kyiv/airwatch/internal/provider"
)

const kyiv = "Kyiv"

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func currentBody(epoch int64, temp float64, humidity float64) []byte {
	return []byte(fmt.Sprintf(`{
		"location": {"name": "Kyiv", "country": "Ukraine"},
		"current": {
			"last_updated_epoch": %d,
			"temp_c": %g,
			"humidity": %g,
			"pressure_mb": 1018.0,
			"wind_kph": 18.0,
			"wind_degree": 200,
			"uv": 2.0,
			"vis_km": 9.0,
			"air_quality": {"pm2_5": 10.2, "pm10": 20.5}
		}
	}`, epoch, temp, humidity))
}

const historyBody = `{
	"location": {"name": "Kyiv", "country": "Ukraine"},
	"forecast": {"forecastday": [{
		"date": "2026-10-18",
		"hour": [
			{"time_epoch": 1760734800, "temp_c": 9.1, "humidity": 80, "pressure_mb": 1017, "wind_kph": 7.2, "wind_degree": 120, "uv": 0, "vis_km": 10},
			{"time_epoch": 1760738400, "temp_c": 8.7, "humidity": 82, "pressure_mb": 1017, "wind_kph": 5.4, "wind_degree": 110, "uv": 0, "vis_km": 10},
			{"time_epoch": 1760742000, "temp_c": 8.4, "humidity": 84, "pressure_mb": 1016, "wind_kph": 3.6, "wind_degree": 100, "uv": 0, "vis_km": 10}
		]
	}]}
}`

// fakeFetcher serves a fixed body. When block is set, current fetches for
// Kyiv wait on it after closing started.
type fakeFetcher struct {
	mu      sync.Mutex
	body    []byte
	err     error
	calls   int
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) payload(endpoint string) (*provider.Payload, error) {
	f.mu.Lock()
	f.calls++
	body, err := f.body, f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &provider.Payload{
		Source:     provider.Source,
		Endpoint:   endpoint,
		Location:   kyiv,
		Body:       body,
		StatusCode: 200,
		FetchedAt:  time.Unix(1760868000, 0).UTC(),
	}, nil
}

func (f *fakeFetcher) FetchCurrent(ctx context.Context, location string) (*provider.Payload, error) {
	if f.started != nil && location == kyiv {
		close(f.started)
	}
	if f.block != nil && location == kyiv {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.payload(provider.EndpointCurrent)
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, location string, date time.Time) (*provider.Payload, error) {
	return f.payload(provider.EndpointHistory)
}

type fakeStore struct {
	mu        sync.Mutex
	readings  map[string]models.Reading
	anomalies []models.Anomaly
	entries   []models.ProcessingLogEntry
	raw       int
	nextID    int64
	saveCalls int
	// failSave makes the nth SaveReading call (1-based) fail when it returns true.
	failSave func(call int) bool
	recent   []models.Reading
}

func newFakeStore() *fakeStore {
	return &fakeStore{readings: make(map[string]models.Reading)}
}

func readingKey(r models.Reading) string {
	return r.Location + "|" + r.Timestamp.UTC().Format(time.RFC3339)
}

func (s *fakeStore) SaveReading(_ context.Context, r models.Reading, anomalies []models.Anomaly) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.failSave != nil && s.failSave(s.saveCalls) {
		return 0, false, errors.New("database is locked")
	}
	if existing, ok := s.readings[readingKey(r)]; ok {
		return existing.ID, false, nil
	}
	s.nextID++
	r.ID = s.nextID
	s.readings[readingKey(r)] = r
	for _, a := range anomalies {
		a.ReadingID = r.ID
		s.anomalies = append(s.anomalies, a)
	}
	return r.ID, true, nil
}

func (s *fakeStore) RecentReadings(_ context.Context, location string, limit int) ([]models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent, nil
}

func (s *fakeStore) InsertLogEntry(_ context.Context, e models.ProcessingLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeStore) StoreRawPayload(_ context.Context, cycleID, source, endpoint, location string, fetchedAt time.Time, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw++
	return int64(s.raw), nil
}

func (s *fakeStore) logEntries() []models.ProcessingLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ProcessingLogEntry(nil), s.entries...)
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

type fakeAggregator struct {
	mu        sync.Mutex
	folded    []models.Reading
	anomalous int
	calls     int
	// fail makes the nth Aggregate call (1-based) fail when it returns true.
	fail   func(call int) bool
	panics bool
	// staleDay folds the hour but reports the day as not recomputed.
	staleDay bool
}

func (a *fakeAggregator) Aggregate(_ context.Context, r models.Reading, anomalous bool) (*models.HourlyAggregate, *models.DailyAggregate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.panics {
		panic("hour bucket corrupted")
	}
	if !r.HasValues() {
		return nil, nil, aggregate.ErrNoValidFields
	}
	if a.fail != nil && a.fail(a.calls) {
		return nil, nil, errors.New("database is locked")
	}
	a.folded = append(a.folded, r)
	if anomalous {
		a.anomalous++
	}
	if a.staleDay {
		return &models.HourlyAggregate{}, nil, fmt.Errorf("%w: database is locked", aggregate.ErrDailyStale)
	}
	return &models.HourlyAggregate{}, &models.DailyAggregate{}, nil
}

type panicDetector struct {
	*anomaly.Detector
	panicOn time.Time
}

func (d panicDetector) Detect(r models.Reading) (anomaly.Result, error) {
	if r.Timestamp.Equal(d.panicOn) {
		panic("boom")
	}
	return d.Detector.Detect(r)
}

type harness struct {
	fetcher *fakeFetcher
	store   *fakeStore
	agg     *fakeAggregator
	det     *anomaly.Detector
	orch    *Orchestrator
}

func newHarness(t *testing.T, body []byte) *harness {
	t.Helper()
	det, err := anomaly.New(anomaly.DefaultConfig())
	if err != nil {
		t.Fatalf("anomaly.New: %v", err)
	}
	h := &harness{
		fetcher: &fakeFetcher{body: body},
		store:   newFakeStore(),
		agg:     &fakeAggregator{},
		det:     det,
	}
	h.orch = New(h.fetcher, det, h.agg, h.store, Config{
		FetchTimeout:      time.Second,
		MaxPersistRetries: 3,
		PersistBackoff:    time.Millisecond,
		KeepRawPayloads:   true,
	}, nil)
	return h
}

func actions(entries []models.ProcessingLogEntry) string {
	var parts []string
	for _, e := range entries {
		parts = append(parts, e.Action+":"+string(e.Status))
	}
	return strings.Join(parts, ",")
}

func TestRunCycle_Success(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateDone || res.Status != models.LogSuccess || res.Err != nil {
		t.Fatalf("result = %s/%s err=%v", res.State, res.Status, res.Err)
	}
	if res.Readings != 1 || res.Anomalies != 0 {
		t.Errorf("readings = %d, anomalies = %d", res.Readings, res.Anomalies)
	}
	want := "fetch:success,normalize:success,detect:success,persist:success,aggregate:success,cycle:success"
	if got := actions(h.store.logEntries()); got != want {
		t.Errorf("log = %s, want %s", got, want)
	}
	for _, e := range h.store.logEntries() {
		if e.CycleID != res.ID || e.Location != kyiv {
			t.Errorf("entry %s: cycle=%q location=%q", e.Action, e.CycleID, e.Location)
		}
	}
	if h.store.raw != 1 {
		t.Errorf("raw payloads = %d, want 1", h.store.raw)
	}
	if len(h.agg.folded) != 1 {
		t.Errorf("aggregated %d readings, want 1", len(h.agg.folded))
	}
	if !h.det.Seeded(kyiv) {
		t.Error("detector not seeded after first cycle")
	}
	if got := h.det.History().Values(kyiv, models.SensorTemperature); len(got) != 1 || got[0] != 12.5 {
		t.Errorf("temperature history = %v", got)
	}
}

func TestRunCycle_FetchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.err = errors.New("connection refused")

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateFailed || !errors.Is(res.Err, ErrFetchFailed) {
		t.Fatalf("result = %s err=%v", res.State, res.Err)
	}
	entries := h.store.logEntries()
	if len(entries) != 1 || entries[0].Action != ActionFetch || entries[0].Status != models.LogError {
		t.Fatalf("log = %s, want exactly one fetch error", actions(entries))
	}
	if h.store.count() != 0 || h.store.raw != 0 {
		t.Errorf("readings = %d, raw = %d, want none", h.store.count(), h.store.raw)
	}
}

func TestRunCycle_OverlappingTriggerSkipped(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))
	h.fetcher.block = make(chan struct{})
	h.fetcher.started = make(chan struct{})

	done, ok := h.orch.Start(context.Background(), kyiv)
	if !ok {
		t.Fatal("first Start rejected")
	}
	<-h.fetcher.started

	if !h.orch.Running(kyiv) {
		t.Error("Running = false while cycle in flight")
	}
	second := h.orch.RunCycle(context.Background(), kyiv)
	if !second.Skipped {
		t.Fatalf("second trigger not skipped: %+v", second)
	}
	if _, ok := h.orch.Start(context.Background(), kyiv); ok {
		t.Error("Start accepted while cycle in flight")
	}

	close(h.fetcher.block)
	first := <-done
	if first.State != StateDone {
		t.Fatalf("first cycle state = %s err=%v", first.State, first.Err)
	}
	if h.fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", h.fetcher.calls)
	}
	if n := len(h.store.logEntries()); n != len(first.LogEntries) {
		t.Errorf("log entries = %d, want %d from the first cycle only", n, len(first.LogEntries))
	}
	if h.orch.Running(kyiv) {
		t.Error("Running = true after cycle finished")
	}
}

func TestRunCycle_OtherLocationsRunConcurrently(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))
	h.fetcher.block = make(chan struct{})
	h.fetcher.started = make(chan struct{})

	done, ok := h.orch.Start(context.Background(), kyiv)
	if !ok {
		t.Fatal("Start rejected")
	}
	<-h.fetcher.started

	res := h.orch.RunCycle(context.Background(), "Lviv")
	if res.Skipped || res.State != StateDone {
		t.Errorf("Lviv cycle = %+v", res)
	}

	close(h.fetcher.block)
	<-done
}

func TestRunCycle_FilteredFieldSanitized(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 105))

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateDone || res.Anomalies != 1 {
		t.Fatalf("result = %s anomalies=%d err=%v", res.State, res.Anomalies, res.Err)
	}
	if len(h.store.anomalies) != 1 || h.store.anomalies[0].SensorType != models.SensorHumidity {
		t.Fatalf("stored anomalies = %+v", h.store.anomalies)
	}
	for _, r := range h.store.readings {
		if r.Humidity.Valid {
			t.Errorf("stored humidity = %v, want null", r.Humidity.Float64)
		}
		if !r.Temperature.Valid {
			t.Error("stored temperature is null")
		}
	}
	if h.agg.anomalous != 1 {
		t.Errorf("anomalous folds = %d, want 1", h.agg.anomalous)
	}
}

func TestRunCycle_DuplicateSkipped(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))

	first := h.orch.RunCycle(context.Background(), kyiv)
	second := h.orch.RunCycle(context.Background(), kyiv)

	if first.Readings != 1 || second.Readings != 0 || second.Duplicates != 1 {
		t.Fatalf("first=%d second=%d duplicates=%d", first.Readings, second.Readings, second.Duplicates)
	}
	if second.State != StateDone {
		t.Errorf("second state = %s", second.State)
	}
	if h.store.count() != 1 || len(h.agg.folded) != 1 {
		t.Errorf("stored = %d, folded = %d, want 1 each", h.store.count(), len(h.agg.folded))
	}
}

func TestRunCycle_MalformedPayload(t *testing.T) {
	h := newHarness(t, []byte(`{"current": {"temp_c": "hot"}}`))

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateFailed || res.Err == nil {
		t.Fatalf("result = %s err=%v", res.State, res.Err)
	}
	if got := actions(h.store.logEntries()); got != "fetch:success,normalize:error" {
		t.Errorf("log = %s", got)
	}
	if h.store.count() != 0 {
		t.Errorf("stored %d readings", h.store.count())
	}
}

func TestRunCycle_PersistRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))
	h.store.failSave = func(call int) bool { return call <= 2 }

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateDone || res.Readings != 1 {
		t.Fatalf("result = %s readings=%d err=%v", res.State, res.Readings, res.Err)
	}
	if h.store.saveCalls != 3 {
		t.Errorf("save calls = %d, want 3", h.store.saveCalls)
	}
}

func TestRunBackfill_PersistExhausted(t *testing.T) {
	h := newHarness(t, []byte(historyBody))
	// First reading stores, second fails every attempt.
	h.store.failSave = func(call int) bool { return call > 1 }

	res := h.orch.RunBackfill(context.Background(), kyiv, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))

	if res.State != StateFailed || !errors.Is(res.Err, ErrStorageUnavailable) {
		t.Fatalf("result = %s err=%v", res.State, res.Err)
	}
	if h.store.saveCalls != 1+4 {
		t.Errorf("save calls = %d, want 5 (one success, four attempts)", h.store.saveCalls)
	}
	if h.store.count() != 1 || len(h.agg.folded) != 1 {
		t.Errorf("stored = %d, folded = %d, want 1 each", h.store.count(), len(h.agg.folded))
	}
	want := "fetch:success,normalize:success,detect:success,persist:error,aggregate:success"
	if got := actions(h.store.logEntries()); got != want {
		t.Errorf("log = %s, want %s", got, want)
	}
}

func TestRunBackfill_Batch(t *testing.T) {
	h := newHarness(t, []byte(historyBody))
	date := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

	res := h.orch.RunBackfill(context.Background(), kyiv, date)

	if res.State != StateDone || res.Readings != 3 {
		t.Fatalf("result = %s readings=%d err=%v", res.State, res.Readings, res.Err)
	}
	for i := 1; i < len(h.agg.folded); i++ {
		if !h.agg.folded[i-1].Timestamp.Before(h.agg.folded[i].Timestamp) {
			t.Errorf("readings not folded in time order at %d", i)
		}
	}
	for _, r := range h.agg.folded {
		if r.Location != kyiv {
			t.Errorf("location = %q, want %q", r.Location, kyiv)
		}
	}

	again := h.orch.RunBackfill(context.Background(), kyiv, date)
	if again.Readings != 0 || again.Duplicates != 3 {
		t.Errorf("re-run readings = %d duplicates = %d", again.Readings, again.Duplicates)
	}
}

func TestRunBackfill_DetectPanicIsolated(t *testing.T) {
	h := newHarness(t, []byte(historyBody))
	h.orch.detector = panicDetector{Detector: h.det, panicOn: time.Unix(1760738400, 0).UTC()}

	res := h.orch.RunBackfill(context.Background(), kyiv, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))

	if res.State != StateDone || res.Status != models.LogWarning {
		t.Fatalf("result = %s/%s err=%v", res.State, res.Status, res.Err)
	}
	if res.Readings != 2 || res.Dropped != 1 {
		t.Errorf("readings = %d dropped = %d, want 2 and 1", res.Readings, res.Dropped)
	}
	var detect *models.ProcessingLogEntry
	for _, e := range h.store.logEntries() {
		if e.Action == ActionDetect {
			e := e
			detect = &e
		}
	}
	if detect == nil || detect.Status != models.LogWarning || !strings.Contains(detect.Details, "boom") {
		t.Errorf("detect entry = %+v", detect)
	}
}

func TestRunCycle_AggregateRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))
	h.agg.fail = func(call int) bool { return call == 1 }

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateDone || res.Status != models.LogSuccess {
		t.Fatalf("result = %s/%s err=%v", res.State, res.Status, res.Err)
	}
	if h.agg.calls != 2 || len(h.agg.folded) != 1 {
		t.Errorf("aggregate calls = %d, folded = %d, want 2 and 1", h.agg.calls, len(h.agg.folded))
	}
}

func TestRunCycle_StaleDayNotRetried(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))
	h.agg.staleDay = true

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateDone || res.Status != models.LogWarning {
		t.Fatalf("result = %s/%s err=%v", res.State, res.Status, res.Err)
	}
	if h.agg.calls != 1 || len(h.agg.folded) != 1 {
		t.Errorf("aggregate calls = %d, folded = %d, want 1 each", h.agg.calls, len(h.agg.folded))
	}
}

func TestRunBackfill_AggregateExhausted(t *testing.T) {
	h := newHarness(t, []byte(historyBody))
	// Second reading fails every attempt; the others still fold.
	h.agg.fail = func(call int) bool { return call >= 2 && call <= 5 }

	res := h.orch.RunBackfill(context.Background(), kyiv, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))

	if res.State != StateFailed || !errors.Is(res.Err, ErrStorageUnavailable) {
		t.Fatalf("result = %s err=%v", res.State, res.Err)
	}
	if h.store.count() != 3 || len(h.agg.folded) != 2 {
		t.Errorf("stored = %d, folded = %d, want 3 and 2", h.store.count(), len(h.agg.folded))
	}
	if h.agg.calls != 1+4+1 {
		t.Errorf("aggregate calls = %d, want 6", h.agg.calls)
	}
	want := "fetch:success,normalize:success,detect:success,persist:success,aggregate:error"
	if got := actions(h.store.logEntries()); got != want {
		t.Errorf("log = %s, want %s", got, want)
	}
}

func TestRunCycle_PanicLogsFailingStep(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))
	h.agg.panics = true

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateFailed || res.Err == nil {
		t.Fatalf("result = %s err=%v", res.State, res.Err)
	}
	entries := h.store.logEntries()
	want := "fetch:success,normalize:success,detect:success,persist:success,aggregate:error"
	if got := actions(entries); got != want {
		t.Fatalf("log = %s, want %s", got, want)
	}
	if last := entries[len(entries)-1]; !strings.Contains(last.Details, "hour bucket corrupted") {
		t.Errorf("aggregate entry details = %q", last.Details)
	}
}

func TestRunCycle_CancelledBeforeFetch(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 12.5, 70))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.fetcher.block = make(chan struct{})

	res := h.orch.RunCycle(ctx, kyiv)

	if res.State != StateFailed || !errors.Is(res.Err, ErrFetchFailed) {
		t.Fatalf("result = %s err=%v", res.State, res.Err)
	}
	if h.store.count() != 0 {
		t.Errorf("stored %d readings", h.store.count())
	}
}

func TestRunCycle_SeedsFromStore(t *testing.T) {
	h := newHarness(t, currentBody(1760867100, 35, 70))
	base := time.Unix(1760867100, 0).UTC().Add(-6 * time.Hour)
	for i, v := range []float64{20, 21, 19, 20, 22, 20} {
		r := models.Reading{Location: kyiv, Timestamp: base.Add(time.Duration(i) * time.Hour)}
		r.SetValue(models.SensorTemperature, nullFloat(v))
		h.store.recent = append(h.store.recent, r)
	}

	res := h.orch.RunCycle(context.Background(), kyiv)

	if res.State != StateDone {
		t.Fatalf("state = %s err=%v", res.State, res.Err)
	}
	var found bool
	for _, a := range h.store.anomalies {
		if a.SensorType == models.SensorTemperature && a.Status == models.AnomalyFiltered {
			found = true
		}
	}
	if !found {
		t.Errorf("35°C after a 20°C history not filtered: %+v", h.store.anomalies)
	}
}
