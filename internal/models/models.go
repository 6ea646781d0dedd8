package models

import (
	"database/sql"
	"time"
)

// SensorType names a numeric field of a Reading.
type SensorType string

const (
	SensorTemperature   SensorType = "temperature"
	SensorHumidity      SensorType = "humidity"
	SensorAirQuality    SensorType = "air_quality_index"
	SensorPM25          SensorType = "pm25"
	SensorPM10          SensorType = "pm10"
	SensorCO2           SensorType = "co2"
	SensorPressure      SensorType = "pressure"
	SensorWindSpeed     SensorType = "wind_speed"
	SensorWindDirection SensorType = "wind_direction"
	SensorUVIndex       SensorType = "uv_index"
	SensorVisibility    SensorType = "visibility"
)

// SensorTypes lists every numeric Reading field in storage order.
var SensorTypes = []SensorType{
	SensorTemperature,
	SensorHumidity,
	SensorAirQuality,
	SensorPM25,
	SensorPM10,
	SensorCO2,
	SensorPressure,
	SensorWindSpeed,
	SensorWindDirection,
	SensorUVIndex,
	SensorVisibility,
}

type Reading struct {
	ID              int64
	Location        string
	Timestamp       time.Time
	Temperature     sql.NullFloat64 // °C
	Humidity        sql.NullFloat64 // %
	AirQualityIndex sql.NullFloat64
	PM25            sql.NullFloat64 // μg/m³
	PM10            sql.NullFloat64 // μg/m³
	CO2             sql.NullFloat64 // ppm
	Pressure        sql.NullFloat64 // hPa
	WindSpeed       sql.NullFloat64 // m/s
	WindDirection   sql.NullFloat64 // degrees
	UVIndex         sql.NullFloat64
	Visibility      sql.NullFloat64 // km
	CreatedAt       time.Time
}

// Value returns the field for a sensor type. Unknown types are null.
func (r *Reading) Value(s SensorType) sql.NullFloat64 {
	if p := r.field(s); p != nil {
		return *p
	}
	return sql.NullFloat64{}
}

// SetValue replaces the field for a sensor type. Unknown types are ignored.
func (r *Reading) SetValue(s SensorType, v sql.NullFloat64) {
	if p := r.field(s); p != nil {
		*p = v
	}
}

func (r *Reading) field(s SensorType) *sql.NullFloat64 {
	switch s {
	case SensorTemperature:
		return &r.Temperature
	case SensorHumidity:
		return &r.Humidity
	case SensorAirQuality:
		return &r.AirQualityIndex
	case SensorPM25:
		return &r.PM25
	case SensorPM10:
		return &r.PM10
	case SensorCO2:
		return &r.CO2
	case SensorPressure:
		return &r.Pressure
	case SensorWindSpeed:
		return &r.WindSpeed
	case SensorWindDirection:
		return &r.WindDirection
	case SensorUVIndex:
		return &r.UVIndex
	case SensorVisibility:
		return &r.Visibility
	}
	return nil
}

// HasValues reports whether at least one numeric field is set.
func (r *Reading) HasValues() bool {
	for _, s := range SensorTypes {
		if r.Value(s).Valid {
			return true
		}
	}
	return false
}

type AnomalyStatus string

const (
	// AnomalyFiltered values are removed from the sanitized reading.
	AnomalyFiltered AnomalyStatus = "filtered"
	// AnomalyVerified values are flagged but kept.
	AnomalyVerified AnomalyStatus = "verified"
	// AnomalyDetected values are informational only.
	AnomalyDetected AnomalyStatus = "detected"
)

type AnomalyKind string

const (
	KindRange       AnomalyKind = "range"
	KindStatistical AnomalyKind = "statistical"
	KindRapidChange AnomalyKind = "rapid_change"
)

type Anomaly struct {
	ID            string
	ReadingID     int64
	Location      string
	Timestamp     time.Time
	SensorType    SensorType
	Kind          AnomalyKind
	OriginalValue float64
	FilteredValue sql.NullFloat64
	Reason        string
	Detail        string
	Status        AnomalyStatus
	Confidence    float64
	CreatedAt     time.Time
}

// MetricStats is a running count/sum/min/max for one metric.
type MetricStats struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

func (m *MetricStats) Add(v float64) {
	if m.Count == 0 || v < m.Min {
		m.Min = v
	}
	if m.Count == 0 || v > m.Max {
		m.Max = v
	}
	m.Count++
	m.Sum += v
}

func (m *MetricStats) Merge(o MetricStats) {
	if o.Count == 0 {
		return
	}
	if m.Count == 0 || o.Min < m.Min {
		m.Min = o.Min
	}
	if m.Count == 0 || o.Max > m.Max {
		m.Max = o.Max
	}
	m.Count += o.Count
	m.Sum += o.Sum
}

// Mean is null when no samples were folded.
func (m MetricStats) Mean() sql.NullFloat64 {
	if m.Count == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: m.Sum / float64(m.Count), Valid: true}
}

func (m MetricStats) MinValue() sql.NullFloat64 {
	return sql.NullFloat64{Float64: m.Min, Valid: m.Count > 0}
}

func (m MetricStats) MaxValue() sql.NullFloat64 {
	return sql.NullFloat64{Float64: m.Max, Valid: m.Count > 0}
}

type HourlyAggregate struct {
	Location       string
	Hour           time.Time // UTC instant of the bucket start
	Metrics        map[SensorType]MetricStats
	SampleCount    int64
	AnomaliesCount int64
	Finalized      bool
	UpdatedAt      time.Time
}

// Clone returns a deep copy safe to hand out of a locked section.
func (h HourlyAggregate) Clone() HourlyAggregate {
	c := h
	c.Metrics = make(map[SensorType]MetricStats, len(h.Metrics))
	for k, v := range h.Metrics {
		c.Metrics[k] = v
	}
	return c
}

type DailyAggregate struct {
	Location       string
	Date           time.Time // local calendar date at 00:00 UTC
	Metrics        map[SensorType]MetricStats
	SampleCount    int64
	AnomaliesCount int64
	HoursCount     int
	UpdatedAt      time.Time
}

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogWarning LogStatus = "warning"
	LogError   LogStatus = "error"
)

type ProcessingLogEntry struct {
	ID         string
	CycleID    string
	Location   string
	Timestamp  time.Time
	Action     string
	Status     LogStatus
	Details    string
	DurationMs int64
	DataCount  int
}
