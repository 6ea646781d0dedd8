// Package anomaly classifies reading fields as valid, out of range or
// statistical outliers.
package anomaly

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/airwatch-kyiv/airwatch/internal/models"
)

var ErrIncompleteReading = errors.New("incomplete reading")

const (
	ReasonOutOfRange  = "out of physical range"
	ReasonOutlier     = "statistical outlier"
	ReasonRapidChange = "rapid change"
)

// Result is a detection outcome: the reading with filtered fields nulled and
// at most one anomaly per field.
type Result struct {
	Sanitized models.Reading
	Anomalies []models.Anomaly
}

func (r Result) Anomalous() bool {
	return len(r.Anomalies) > 0
}

type Detector struct {
	cfg     Config
	history *History
	now     func() time.Time
}

// New validates cfg and returns a detector with empty history.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:     cfg,
		history: NewHistory(cfg.WindowSize),
		now:     time.Now,
	}, nil
}

func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) History() *History {
	return d.history
}

// Detect classifies every populated field of r against its physical range
// and the accepted history for its location. It does not modify history.
func (d *Detector) Detect(r models.Reading) (Result, error) {
	if r.Location == "" {
		return Result{}, fmt.Errorf("%w: missing location", ErrIncompleteReading)
	}
	if r.Timestamp.IsZero() {
		return Result{}, fmt.Errorf("%w: missing timestamp", ErrIncompleteReading)
	}

	res := Result{Sanitized: r}
	createdAt := d.now().UTC()

	for _, sensor := range models.SensorTypes {
		v := r.Value(sensor)
		if !v.Valid {
			continue
		}
		rng, ok := d.cfg.Ranges[sensor]
		if !ok {
			continue
		}

		a, found := d.classify(r, sensor, v.Float64, rng)
		if !found {
			continue
		}
		a.ID = uuid.NewString()
		a.Location = r.Location
		a.Timestamp = r.Timestamp
		a.SensorType = sensor
		a.OriginalValue = v.Float64
		a.CreatedAt = createdAt
		if a.Status == models.AnomalyFiltered {
			res.Sanitized.SetValue(sensor, sql.NullFloat64{})
		}
		res.Anomalies = append(res.Anomalies, a)
	}

	return res, nil
}

// classify applies range, statistical and rapid-change checks in that order;
// the first check that trips decides the field.
func (d *Detector) classify(r models.Reading, sensor models.SensorType, v float64, rng Range) (models.Anomaly, bool) {
	if !rng.Contains(v) {
		return models.Anomaly{
			Kind:       models.KindRange,
			Status:     models.AnomalyFiltered,
			Reason:     ReasonOutOfRange,
			Detail:     fmt.Sprintf("value %.2f %s outside [%g, %g]", v, rng.Unit, rng.Min, rng.Max),
			Confidence: 1.0,
		}, true
	}

	if rng.Statistical {
		window := d.history.Values(r.Location, sensor)
		if len(window) >= d.cfg.MinSamples {
			mean, std := MeanStdDev(window)
			if std > 0 {
				z := math.Abs(v-mean) / std
				if z > d.cfg.SoftThreshold {
					a := models.Anomaly{
						Kind:       models.KindStatistical,
						Reason:     ReasonOutlier,
						Detail:     fmt.Sprintf("z-score %.2f (mean %.2f %s, stddev %.2f, n=%d)", z, mean, rng.Unit, std, len(window)),
						Confidence: clamp01(z / d.cfg.ConfidenceScale),
					}
					if z > d.cfg.HardThreshold {
						a.Status = models.AnomalyFiltered
					} else {
						a.Status = models.AnomalyVerified
						a.FilteredValue = sql.NullFloat64{Float64: v, Valid: true}
					}
					return a, true
				}
			}
		}
	}

	if threshold, ok := d.cfg.RapidChange[sensor]; ok {
		if prev, ok := d.history.Last(r.Location, sensor); ok {
			hours := r.Timestamp.Sub(prev.At).Hours()
			if hours <= 0 {
				hours = 1
			}
			rate := math.Abs(v-prev.Value) / hours
			if rate > threshold {
				return models.Anomaly{
					Kind:          models.KindRapidChange,
					Status:        models.AnomalyDetected,
					Reason:        ReasonRapidChange,
					Detail:        fmt.Sprintf("%.2f %s/h exceeds %g %s/h", rate, rng.Unit, threshold, rng.Unit),
					FilteredValue: sql.NullFloat64{Float64: v, Valid: true},
					Confidence:    clamp01(rate / (threshold * 2)),
				}, true
			}
		}
	}

	return models.Anomaly{}, false
}

// Remember records the accepted values of a sanitized reading.
func (d *Detector) Remember(sanitized models.Reading) {
	for _, sensor := range models.SensorTypes {
		if _, ok := d.cfg.Ranges[sensor]; !ok {
			continue
		}
		if v := sanitized.Value(sensor); v.Valid {
			d.history.Push(sanitized.Location, sensor, Sample{At: sanitized.Timestamp, Value: v.Float64})
		}
	}
}

// Seed warms history for a location from stored readings, oldest first.
// Subsequent calls for the same location are no-ops.
func (d *Detector) Seed(location string, readings []models.Reading) {
	if d.history.Seeded(location) {
		return
	}
	for _, r := range readings {
		r.Location = location
		d.Remember(r)
	}
	d.history.markSeeded(location)
}

func (d *Detector) Seeded(location string) bool {
	return d.history.Seeded(location)
}

// MeanStdDev returns the mean and sample standard deviation of values.
// The deviation is 0 for fewer than two values.
func MeanStdDev(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range values {
		diff := v - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
