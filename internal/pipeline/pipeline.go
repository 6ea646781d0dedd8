// Package pipeline runs collection cycles: fetch, normalize, detect, persist,
// aggregate and log, one cycle per location at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/airwatch-kyiv/airwatch/internal/aggregate"
	"github.com/airwatch-kyiv/airwatch/internal/anomaly"
	"github.com/airwatch-kyiv/airwatch/internal/metrics"
	"github.com/airwatch-kyiv/airwatch/internal/models"
	"github.com/airwatch-kyiv/airwatch/internal/normalize"
	"github.com/airwatch-kyiv/airwatch/internal/provider"
)

var (
	ErrFetchFailed        = errors.New("fetch failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type State string

const (
	StateFetching    State = "FETCHING"
	StateNormalizing State = "NORMALIZING"
	StateDetecting   State = "DETECTING"
	StatePersisting  State = "PERSISTING"
	StateAggregating State = "AGGREGATING"
	StateLogging     State = "LOGGING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Log entry actions, one per step.
const (
	ActionFetch     = "fetch"
	ActionNormalize = "normalize"
	ActionDetect    = "detect"
	ActionPersist   = "persist"
	ActionAggregate = "aggregate"
	ActionCycle     = "cycle"
)

type Fetcher interface {
	FetchCurrent(ctx context.Context, location string) (*provider.Payload, error)
	FetchHistory(ctx context.Context, location string, date time.Time) (*provider.Payload, error)
}

type Detector interface {
	Detect(r models.Reading) (anomaly.Result, error)
	Remember(sanitized models.Reading)
	Seed(location string, readings []models.Reading)
	Seeded(location string) bool
}

type Aggregator interface {
	Aggregate(ctx context.Context, sanitized models.Reading, anomalous bool) (*models.HourlyAggregate, *models.DailyAggregate, error)
}

type Store interface {
	SaveReading(ctx context.Context, r models.Reading, anomalies []models.Anomaly) (int64, bool, error)
	RecentReadings(ctx context.Context, location string, limit int) ([]models.Reading, error)
	InsertLogEntry(ctx context.Context, e models.ProcessingLogEntry) error
	StoreRawPayload(ctx context.Context, cycleID, source, endpoint, location string, fetchedAt time.Time, payload []byte) (int64, error)
}

type Config struct {
	// FetchTimeout bounds the whole fetch step, retries included.
	FetchTimeout time.Duration
	// MaxPersistRetries is how many times a failed reading write is retried.
	MaxPersistRetries int
	// PersistBackoff is the first retry delay; later delays grow exponentially.
	PersistBackoff time.Duration
	// SeedReadings is how many stored readings warm the detector on a
	// location's first cycle.
	SeedReadings int
	// KeepRawPayloads stores provider responses for replay.
	KeepRawPayloads bool
}

func DefaultConfig() Config {
	return Config{
		FetchTimeout:      20 * time.Second,
		MaxPersistRetries: 3,
		PersistBackoff:    200 * time.Millisecond,
		SeedReadings:      30,
		KeepRawPayloads:   true,
	}
}

// CycleResult is what a caller observes of one cycle. Failures are reported
// through State, Status and Err, never as panics.
type CycleResult struct {
	ID         string
	Location   string
	State      State
	Status     models.LogStatus
	Skipped    bool
	Readings   int
	Duplicates int
	Dropped    int
	Anomalies  int
	LogEntries []models.ProcessingLogEntry
	Started    time.Time
	Duration   time.Duration
	Err        error
}

func (r CycleResult) Failed() bool {
	return r.State == StateFailed
}

type Orchestrator struct {
	fetcher    Fetcher
	detector   Detector
	aggregator Aggregator
	store      Store
	cfg        Config
	guard      *locationGuard
	logger     *slog.Logger
	now        func() time.Time
}

func New(fetcher Fetcher, detector Detector, aggregator Aggregator, store Store, cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.MaxPersistRetries < 0 {
		cfg.MaxPersistRetries = 0
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = def.PersistBackoff
	}
	if cfg.SeedReadings <= 0 {
		cfg.SeedReadings = def.SeedReadings
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetcher:    fetcher,
		detector:   detector,
		aggregator: aggregator,
		store:      store,
		cfg:        cfg,
		guard:      newLocationGuard(),
		logger:     logger.With("component", "pipeline"),
		now:        time.Now,
	}
}

// source yields the raw payload of a cycle and splits it into reading items.
type source struct {
	fetch func(ctx context.Context) (*provider.Payload, error)
	split func(body []byte) ([][]byte, error)
}

func (o *Orchestrator) currentSource(location string) source {
	return source{
		fetch: func(ctx context.Context) (*provider.Payload, error) {
			return o.fetcher.FetchCurrent(ctx, location)
		},
		split: func(body []byte) ([][]byte, error) { return [][]byte{body}, nil },
	}
}

func (o *Orchestrator) historySource(location string, date time.Time) source {
	return source{
		fetch: func(ctx context.Context) (*provider.Payload, error) {
			return o.fetcher.FetchHistory(ctx, location, date)
		},
		split: normalize.SplitHistory,
	}
}

// RunCycle collects current conditions for a location. A trigger arriving
// while a cycle for the same location is in flight returns immediately with
// Skipped set and writes nothing.
func (o *Orchestrator) RunCycle(ctx context.Context, location string) CycleResult {
	if !o.guard.tryAcquire(location) {
		return o.skipped(location)
	}
	defer o.guard.release(location)
	return o.run(ctx, location, o.currentSource(location))
}

// RunBackfill runs one cycle over the hourly history of a past date.
func (o *Orchestrator) RunBackfill(ctx context.Context, location string, date time.Time) CycleResult {
	if !o.guard.tryAcquire(location) {
		return o.skipped(location)
	}
	defer o.guard.release(location)
	return o.run(ctx, location, o.historySource(location, date))
}

// Start launches a cycle in the background. It reports false without
// starting anything when a cycle for the location is already running.
func (o *Orchestrator) Start(ctx context.Context, location string) (<-chan CycleResult, bool) {
	if !o.guard.tryAcquire(location) {
		o.skipped(location)
		return nil, false
	}
	done := make(chan CycleResult, 1)
	go func() {
		defer o.guard.release(location)
		done <- o.run(ctx, location, o.currentSource(location))
	}()
	return done, true
}

// Running reports whether a cycle for the location is in flight.
func (o *Orchestrator) Running(location string) bool {
	return o.guard.busy(location)
}

func (o *Orchestrator) skipped(location string) CycleResult {
	metrics.CyclesTotal.WithLabelValues(location, "skipped").Inc()
	o.logger.Info("cycle already running, trigger ignored", "location", location)
	return CycleResult{Location: location, Skipped: true}
}

type prepared struct {
	result anomaly.Result
	id     int64
}

func (o *Orchestrator) run(ctx context.Context, location string, src source) (res CycleResult) {
	c := &cycle{
		o: o,
		result: CycleResult{
			ID:       uuid.NewString(),
			Location: location,
			Started:  o.now().UTC(),
		},
	}
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic in %s: %v", c.result.State, p)
			c.step(stateAction(c.result.State), models.LogError, err.Error(), c.result.Started, 0)
			c.fail(err)
		}
		c.result.Duration = o.now().Sub(c.result.Started)
		metrics.CyclesTotal.WithLabelValues(location, string(c.result.State)).Inc()
		metrics.CycleDuration.WithLabelValues(location).Observe(c.result.Duration.Seconds())
		o.logCompletion(c.result)
		res = c.result
	}()

	// FETCHING
	c.enter(StateFetching)
	start := o.now()
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	payload, err := src.fetch(fetchCtx)
	cancel()
	if err != nil {
		c.step(ActionFetch, models.LogError, err.Error(), start, 0)
		c.fail(fmt.Errorf("%w: %v", ErrFetchFailed, err))
		return
	}
	c.step(ActionFetch, models.LogSuccess,
		fmt.Sprintf("%s %s: %d bytes", payload.Source, payload.Endpoint, len(payload.Body)), start, 1)

	if o.cfg.KeepRawPayloads {
		if _, err := o.store.StoreRawPayload(context.WithoutCancel(ctx), c.result.ID, payload.Source, payload.Endpoint,
			location, payload.FetchedAt, payload.Body); err != nil {
			o.logger.Warn("store raw payload", "location", location, "cycle", c.result.ID, "error", err)
		}
	}

	// NORMALIZING
	if c.cancelled(ctx, ActionNormalize) {
		return
	}
	c.enter(StateNormalizing)
	start = o.now()
	readings, err := o.normalize(location, payload, src)
	if err != nil {
		c.step(ActionNormalize, models.LogError, err.Error(), start, 0)
		c.fail(err)
		return
	}
	c.step(ActionNormalize, models.LogSuccess, fmt.Sprintf("normalized %d readings", len(readings)), start, len(readings))

	// DETECTING
	if c.cancelled(ctx, ActionDetect) {
		return
	}
	c.enter(StateDetecting)
	start = o.now()
	o.seed(ctx, location)
	detected, failures := o.detect(readings)
	c.result.Dropped = len(failures)
	status, details := models.LogSuccess, fmt.Sprintf("checked %d readings, %d anomalies", len(detected), countAnomalies(detected))
	if len(failures) > 0 {
		status = models.LogWarning
		details += fmt.Sprintf("; dropped %d: %s", len(failures), strings.Join(failures, "; "))
		metrics.ReadingsDropped.WithLabelValues(location, "detect_error").Add(float64(len(failures)))
	}
	c.step(ActionDetect, status, details, start, len(detected))

	if c.cancelled(ctx, ActionPersist) {
		return
	}

	// From here on the cycle runs to completion so that aggregates stay
	// consistent with what was stored.
	ctx = context.WithoutCancel(ctx)

	// PERSISTING
	c.enter(StatePersisting)
	start = o.now()
	stored, persistErr := o.persist(ctx, c, detected)
	if persistErr != nil {
		c.step(ActionPersist, models.LogError,
			fmt.Sprintf("stored %d of %d readings: %v", len(stored), len(detected), persistErr), start, len(stored))
	} else {
		c.step(ActionPersist, models.LogSuccess,
			fmt.Sprintf("stored %d readings, %d anomalies, skipped %d duplicates", len(stored), c.result.Anomalies, c.result.Duplicates),
			start, len(stored))
	}

	// AGGREGATING
	c.enter(StateAggregating)
	start = o.now()
	aggregated, aggWarnings, aggErr := o.aggregate(ctx, location, stored)
	status, details = models.LogSuccess, fmt.Sprintf("aggregated %d readings", aggregated)
	if len(aggWarnings) > 0 {
		status = models.LogWarning
		details += "; " + strings.Join(aggWarnings, "; ")
	}
	if aggErr != nil {
		status = models.LogError
		details += "; " + aggErr.Error()
	}
	c.step(ActionAggregate, status, details, start, aggregated)

	if persistErr != nil {
		c.fail(persistErr)
		return
	}
	if aggErr != nil {
		c.fail(aggErr)
		return
	}

	// LOGGING
	c.enter(StateLogging)
	status = models.LogSuccess
	if c.warned {
		status = models.LogWarning
	}
	c.step(ActionCycle, status,
		fmt.Sprintf("stored %d readings, %d anomalies, %d duplicates, %d dropped",
			c.result.Readings, c.result.Anomalies, c.result.Duplicates, c.result.Dropped),
		c.result.Started, c.result.Readings)

	c.enter(StateDone)
	c.result.Status = status
	return
}

func (o *Orchestrator) normalize(location string, payload *provider.Payload, src source) ([]models.Reading, error) {
	items, err := src.split(payload.Body)
	if err != nil {
		return nil, err
	}
	readings := make([]models.Reading, 0, len(items))
	for _, item := range items {
		r, err := normalize.Normalize(item, normalize.Options{Location: location, FetchedAt: payload.FetchedAt})
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	sort.SliceStable(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })
	return readings, nil
}

func (o *Orchestrator) seed(ctx context.Context, location string) {
	if o.detector.Seeded(location) {
		return
	}
	recent, err := o.store.RecentReadings(ctx, location, o.cfg.SeedReadings)
	if err != nil {
		o.logger.Warn("seed detector history", "location", location, "error", err)
		return
	}
	o.detector.Seed(location, recent)
	o.logger.Debug("seeded detector history", "location", location, "readings", len(recent))
}

// detect classifies each reading on its own; a reading whose detection fails
// or panics is dropped and described in failures.
func (o *Orchestrator) detect(readings []models.Reading) (detected []prepared, failures []string) {
	for _, r := range readings {
		res, err := safeDetect(o.detector, r)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", r.Timestamp.Format(time.RFC3339), err))
			continue
		}
		detected = append(detected, prepared{result: res})
	}
	return detected, failures
}

func safeDetect(d Detector, r models.Reading) (res anomaly.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("detector panic: %v", p)
		}
	}()
	return d.Detect(r)
}

// persist writes readings one transaction each. It stops at the first reading
// whose retries are exhausted and returns what was stored before it.
func (o *Orchestrator) persist(ctx context.Context, c *cycle, detected []prepared) ([]prepared, error) {
	var stored []prepared
	for _, p := range detected {
		id, inserted, err := o.saveWithRetry(ctx, c.result.Location, p)
		if err != nil {
			return stored, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if !inserted {
			c.result.Duplicates++
			metrics.ReadingsDropped.WithLabelValues(c.result.Location, "duplicate").Inc()
			continue
		}
		p.id = id
		stored = append(stored, p)
		o.detector.Remember(p.result.Sanitized)

		c.result.Readings++
		c.result.Anomalies += len(p.result.Anomalies)
		metrics.ReadingsIngested.WithLabelValues(c.result.Location).Inc()
		for _, a := range p.result.Anomalies {
			metrics.AnomaliesDetected.WithLabelValues(c.result.Location, string(a.SensorType), string(a.Status)).Inc()
		}
	}
	return stored, nil
}

// retry runs operation under the write retry policy. Errors wrapped in
// backoff.Permanent stop it at once.
func (o *Orchestrator) retry(location, operation string, fn backoff.Operation) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.PersistBackoff
	notify := func(err error, next time.Duration) {
		metrics.PersistRetries.WithLabelValues(location, operation).Inc()
		o.logger.Warn(operation+" failed, retrying", "location", location, "error", err, "retry_in", next)
	}
	return backoff.RetryNotify(fn, backoff.WithMaxRetries(bo, uint64(o.cfg.MaxPersistRetries)), notify)
}

func (o *Orchestrator) saveWithRetry(ctx context.Context, location string, p prepared) (id int64, inserted bool, err error) {
	err = o.retry(location, "save reading", func() error {
		var opErr error
		id, inserted, opErr = o.store.SaveReading(ctx, p.result.Sanitized, p.result.Anomalies)
		return opErr
	})
	return id, inserted, err
}

func (o *Orchestrator) aggregateWithRetry(ctx context.Context, location string, p prepared) error {
	return o.retry(location, "aggregate reading", func() error {
		_, _, err := o.aggregator.Aggregate(ctx, p.result.Sanitized, p.result.Anomalous())
		if errors.Is(err, aggregate.ErrNoValidFields) || errors.Is(err, aggregate.ErrBucketFinalized) ||
			errors.Is(err, aggregate.ErrDailyStale) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// aggregate folds every stored reading. Readings without valid fields or for
// finalized hours are excluded with a warning. A reading whose hour was folded
// but whose day was not recomputed counts as aggregated with a warning; the
// daily recompute catches the day up. A reading whose retries run out does
// not stop the rest, but the returned error fails the cycle.
func (o *Orchestrator) aggregate(ctx context.Context, location string, stored []prepared) (int, []string, error) {
	aggregated := 0
	var noFields, late, stale int
	var warnings, failed []string
	for _, p := range stored {
		err := o.aggregateWithRetry(ctx, location, p)
		switch {
		case err == nil:
			aggregated++
		case errors.Is(err, aggregate.ErrNoValidFields):
			noFields++
		case errors.Is(err, aggregate.ErrBucketFinalized):
			late++
		case errors.Is(err, aggregate.ErrDailyStale):
			aggregated++
			stale++
		default:
			failed = append(failed, fmt.Sprintf("reading %d: %v", p.id, err))
		}
	}
	if noFields > 0 {
		warnings = append(warnings, fmt.Sprintf("%d fully filtered readings excluded", noFields))
	}
	if late > 0 {
		warnings = append(warnings, fmt.Sprintf("%d readings for finalized hours excluded", late))
	}
	if stale > 0 {
		warnings = append(warnings, fmt.Sprintf("%d readings left their day stale", stale))
	}
	if len(failed) > 0 {
		return aggregated, warnings, fmt.Errorf("%w: aggregate %s", ErrStorageUnavailable, strings.Join(failed, "; "))
	}
	return aggregated, warnings, nil
}

func (o *Orchestrator) logCompletion(r CycleResult) {
	attrs := []any{
		"location", r.Location,
		"cycle", r.ID,
		"state", r.State,
		"readings", r.Readings,
		"anomalies", r.Anomalies,
		"duplicates", r.Duplicates,
		"dropped", r.Dropped,
		"duration", r.Duration,
	}
	if r.Err != nil {
		o.logger.Error("cycle failed", append(attrs, "error", r.Err)...)
		return
	}
	o.logger.Info("cycle finished", attrs...)
}

// stateAction names the log action of the step a state belongs to.
func stateAction(s State) string {
	switch s {
	case StateFetching:
		return ActionFetch
	case StateNormalizing:
		return ActionNormalize
	case StateDetecting:
		return ActionDetect
	case StatePersisting:
		return ActionPersist
	case StateAggregating:
		return ActionAggregate
	default:
		return ActionCycle
	}
}

func countAnomalies(detected []prepared) int {
	n := 0
	for _, p := range detected {
		n += len(p.result.Anomalies)
	}
	return n
}

// cycle tracks the state and log entries of one run.
type cycle struct {
	o      *Orchestrator
	result CycleResult
	warned bool
}

func (c *cycle) enter(s State) {
	c.result.State = s
}

// step appends one log entry. Log writes ignore cancellation so that a
// cancelled cycle still leaves its audit trail.
func (c *cycle) step(action string, status models.LogStatus, details string, start time.Time, count int) {
	now := c.o.now()
	entry := models.ProcessingLogEntry{
		ID:         uuid.NewString(),
		CycleID:    c.result.ID,
		Location:   c.result.Location,
		Timestamp:  now.UTC(),
		Action:     action,
		Status:     status,
		Details:    details,
		DurationMs: now.Sub(start).Milliseconds(),
		DataCount:  count,
	}
	if status == models.LogWarning {
		c.warned = true
	}
	c.result.LogEntries = append(c.result.LogEntries, entry)
	if err := c.o.store.InsertLogEntry(context.Background(), entry); err != nil {
		c.o.logger.Warn("write processing log", "location", c.result.Location, "action", action, "error", err)
	}
}

func (c *cycle) fail(err error) {
	c.result.State = StateFailed
	c.result.Status = models.LogError
	c.result.Err = err
}

// cancelled ends the cycle when ctx is done. Only steps before persisting call it.
func (c *cycle) cancelled(ctx context.Context, action string) bool {
	if ctx.Err() == nil {
		return false
	}
	c.step(action, models.LogError, "cycle cancelled: "+ctx.Err().Error(), c.o.now(), 0)
	c.fail(ctx.Err())
	return true
}
