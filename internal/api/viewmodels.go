package api

import (
	"encoding/json"
	"time"

	"github.com/airwatch-kyiv/airwatch/internal/models"
	"github.com/airwatch-kyiv/airwatch/internal/store"
)

type ReadingView struct {
	ID        int64              `json:"id"`
	Location  string             `json:"location"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

type AnomalyView struct {
	ID            string    `json:"id"`
	ReadingID     int64     `json:"reading_id"`
	Location      string    `json:"location"`
	Timestamp     time.Time `json:"timestamp"`
	SensorType    string    `json:"sensor_type"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	OriginalValue float64   `json:"original_value"`
	FilteredValue *float64  `json:"filtered_value"`
	Reason        string    `json:"reason"`
	Detail        string    `json:"detail,omitempty"`
	Confidence    float64   `json:"confidence"`
}

type MetricView struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type HourlyView struct {
	Location       string                `json:"location"`
	Hour           time.Time             `json:"hour"`
	Metrics        map[string]MetricView `json:"metrics"`
	SampleCount    int64                 `json:"sample_count"`
	AnomaliesCount int64                 `json:"anomalies_count"`
	Finalized      bool                  `json:"finalized"`
}

type DailyView struct {
	Location       string                `json:"location"`
	Date           string                `json:"date"`
	Metrics        map[string]MetricView `json:"metrics"`
	SampleCount    int64                 `json:"sample_count"`
	AnomaliesCount int64                 `json:"anomalies_count"`
	HoursCount     int                   `json:"hours_count"`
}

type LogEntryView struct {
	ID         string    `json:"id"`
	CycleID    string    `json:"cycle_id"`
	Location   string    `json:"location"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Details    string    `json:"details,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	DataCount  int       `json:"data_count"`
}

// RawPayloadView carries a stored provider response. Payload holds the body
// as JSON when it parses and as a string otherwise.
type RawPayloadView struct {
	ID        int64           `json:"id"`
	CycleID   string          `json:"cycle_id,omitempty"`
	Source    string          `json:"source"`
	Endpoint  string          `json:"endpoint"`
	Location  string          `json:"location,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	Hash      string          `json:"hash"`
	Payload   json.RawMessage `json:"payload"`
}

type HealthStatus struct {
	Status    string           `json:"status"`
	Locations []LocationHealth `json:"locations"`
	Errors    []string         `json:"errors,omitempty"`
}

type LocationHealth struct {
	Location   string     `json:"location"`
	LastSeen   *time.Time `json:"last_seen"`
	AgeMinutes int        `json:"age_minutes"`
	Stale      bool       `json:"stale"`
	Collecting bool       `json:"collecting"`
}

func newReadingView(r models.Reading) ReadingView {
	v := ReadingView{
		ID:        r.ID,
		Location:  r.Location,
		Timestamp: r.Timestamp,
		Values:    make(map[string]float64),
	}
	for _, s := range models.SensorTypes {
		if f := r.Value(s); f.Valid {
			v.Values[string(s)] = f.Float64
		}
	}
	return v
}

func newAnomalyView(a models.Anomaly) AnomalyView {
	v := AnomalyView{
		ID:            a.ID,
		ReadingID:     a.ReadingID,
		Location:      a.Location,
		Timestamp:     a.Timestamp,
		SensorType:    string(a.SensorType),
		Kind:          string(a.Kind),
		Status:        string(a.Status),
		OriginalValue: a.OriginalValue,
		Reason:        a.Reason,
		Detail:        a.Detail,
		Confidence:    a.Confidence,
	}
	if a.FilteredValue.Valid {
		f := a.FilteredValue.Float64
		v.FilteredValue = &f
	}
	return v
}

func metricViews(m map[models.SensorType]models.MetricStats) map[string]MetricView {
	out := make(map[string]MetricView, len(m))
	for sensor, st := range m {
		if st.Count == 0 {
			continue
		}
		out[string(sensor)] = MetricView{
			Count: st.Count,
			Mean:  st.Mean().Float64,
			Min:   st.Min,
			Max:   st.Max,
		}
	}
	return out
}

func newHourlyView(h models.HourlyAggregate) HourlyView {
	return HourlyView{
		Location:       h.Location,
		Hour:           h.Hour,
		Metrics:        metricViews(h.Metrics),
		SampleCount:    h.SampleCount,
		AnomaliesCount: h.AnomaliesCount,
		Finalized:      h.Finalized,
	}
}

func newDailyView(d models.DailyAggregate) DailyView {
	return DailyView{
		Location:       d.Location,
		Date:           d.Date.Format(time.DateOnly),
		Metrics:        metricViews(d.Metrics),
		SampleCount:    d.SampleCount,
		AnomaliesCount: d.AnomaliesCount,
		HoursCount:     d.HoursCount,
	}
}

func newLogEntryView(e models.ProcessingLogEntry) LogEntryView {
	return LogEntryView{
		ID:         e.ID,
		CycleID:    e.CycleID,
		Location:   e.Location,
		Timestamp:  e.Timestamp,
		Action:     e.Action,
		Status:     string(e.Status),
		Details:    e.Details,
		DurationMs: e.DurationMs,
		DataCount:  e.DataCount,
	}
}

func newRawPayloadView(p *store.RawPayload, body []byte) RawPayloadView {
	v := RawPayloadView{
		ID:        p.ID,
		CycleID:   p.CycleID.String,
		Source:    p.Source,
		Endpoint:  p.Endpoint,
		Location:  p.Location.String,
		FetchedAt: p.FetchedAt,
		Hash:      p.PayloadHash,
	}
	if json.Valid(body) {
		v.Payload = body
	} else {
		v.Payload, _ = json.Marshal(string(body))
	}
	return v
}
