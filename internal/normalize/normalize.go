// Package normalize maps provider payloads onto the internal Reading shape.
package normalize

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/airwatch-kyiv/airwatch/internal/models"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Options carries values the caller knows better than the payload.
type Options struct {
	// Location is the canonical location key. When empty the payload's own
	// location ("name, country") is used.
	Location string
	// FetchedAt stamps readings whose payload carries no observation time.
	FetchedAt time.Time
}

const (
	DefaultCO2           = 400.0  // ppm, outdoor background
	DefaultPressure      = 1013.0 // hPa, standard sea level
	DefaultVisibility    = 10.0   // km
	DefaultWindSpeed     = 0.0
	DefaultWindDirection = 0.0
	DefaultUVIndex       = 0.0
)

type source struct {
	path    string
	convert func(float64) float64
}

type fieldMapping struct {
	sensor  models.SensorType
	sources []source
	// def is applied when no source is present; an invalid def leaves the field null.
	def sql.NullFloat64
}

func kphToMps(v float64) float64 { return v / 3.6 }

func value(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

// fieldMappings is tried top to bottom per field; the first present path wins.
// Paths cover the WeatherAPI current payload, WeatherAPI history hour items and
// flat internal payloads in both snake_case and camelCase.
var fieldMappings = []fieldMapping{
	{
		sensor: models.SensorTemperature,
		sources: []source{
			{path: "temperature"},
			{path: "current.temp_c"},
			{path: "temp_c"},
		},
	},
	{
		sensor: models.SensorHumidity,
		sources: []source{
			{path: "humidity"},
			{path: "current.humidity"},
		},
	},
	{
		sensor: models.SensorAirQuality,
		sources: []source{
			{path: "air_quality_index"},
			{path: "airQualityIndex"},
			{path: "airQuality"},
			{path: "aqi"},
		},
	},
	{
		sensor: models.SensorPM25,
		sources: []source{
			{path: "pm25"},
			{path: "pm2_5"},
			{path: "current.air_quality.pm2_5"},
			{path: "air_quality.pm2_5"},
		},
	},
	{
		sensor: models.SensorPM10,
		sources: []source{
			{path: "pm10"},
			{path: "current.air_quality.pm10"},
			{path: "air_quality.pm10"},
		},
	},
	{
		sensor:  models.SensorCO2,
		sources: []source{{path: "co2"}},
		def:     value(DefaultCO2),
	},
	{
		sensor: models.SensorPressure,
		sources: []source{
			{path: "pressure"},
			{path: "pressure_hpa"},
			{path: "current.pressure_mb"},
			{path: "pressure_mb"},
		},
		def: value(DefaultPressure),
	},
	{
		sensor: models.SensorWindSpeed,
		sources: []source{
			{path: "wind_speed"},
			{path: "windSpeed"},
			{path: "current.wind_kph", convert: kphToMps},
			{path: "wind_kph", convert: kphToMps},
		},
		def: value(DefaultWindSpeed),
	},
	{
		sensor: models.SensorWindDirection,
		sources: []source{
			{path: "wind_direction"},
			{path: "windDirection"},
			{path: "current.wind_degree"},
			{path: "wind_degree"},
		},
		def: value(DefaultWindDirection),
	},
	{
		sensor: models.SensorUVIndex,
		sources: []source{
			{path: "uv_index"},
			{path: "uvIndex"},
			{path: "current.uv"},
			{path: "uv"},
		},
		def: value(DefaultUVIndex),
	},
	{
		sensor: models.SensorVisibility,
		sources: []source{
			{path: "visibility"},
			{path: "current.vis_km"},
			{path: "vis_km"},
		},
		def: value(DefaultVisibility),
	},
}

var epochPaths = []string{
	"current.last_updated_epoch",
	"last_updated_epoch",
	"time_epoch",
}

// Normalize converts a raw provider payload into a fully keyed Reading.
func Normalize(raw []byte, opts Options) (models.Reading, error) {
	var r models.Reading
	if !gjson.ValidBytes(raw) {
		return r, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return r, fmt.Errorf("%w: expected object, got %s", ErrMalformedPayload, doc.Type)
	}

	for _, m := range fieldMappings {
		v, err := lookup(doc, m.sources)
		if err != nil {
			return r, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, m.sensor, err)
		}
		if !v.Valid {
			v = m.def
		}
		r.SetValue(m.sensor, v)
	}

	if !r.AirQualityIndex.Valid {
		r.AirQualityIndex = EstimateAQI(r.PM25, r.PM10)
	}

	ts, err := timestamp(doc, opts.FetchedAt)
	if err != nil {
		return r, fmt.Errorf("%w: timestamp: %v", ErrMalformedPayload, err)
	}
	r.Timestamp = ts

	r.Location = location(doc, opts.Location)
	if r.Location == "" {
		return r, fmt.Errorf("%w: no location", ErrMalformedPayload)
	}

	return r, nil
}

func lookup(doc gjson.Result, sources []source) (sql.NullFloat64, error) {
	for _, src := range sources {
		res := doc.Get(src.path)
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		v, err := number(res)
		if err != nil {
			return sql.NullFloat64{}, fmt.Errorf("%s: %w", src.path, err)
		}
		if src.convert != nil {
			v = src.convert(v)
		}
		return value(v), nil
	}
	return sql.NullFloat64{}, nil
}

func number(res gjson.Result) (float64, error) {
	var v float64
	switch res.Type {
	case gjson.Number:
		v = res.Float()
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(res.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", res.Str)
		}
		v = f
	default:
		return 0, fmt.Errorf("not a number: %s", res.Type)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not finite: %v", v)
	}
	return v, nil
}

func timestamp(doc gjson.Result, fetchedAt time.Time) (time.Time, error) {
	if res := doc.Get("timestamp"); res.Exists() && res.Type != gjson.Null {
		switch res.Type {
		case gjson.String:
			return parseTimestamp(res.Str)
		case gjson.Number:
			return time.Unix(res.Int(), 0).UTC(), nil
		default:
			return time.Time{}, fmt.Errorf("unexpected %s", res.Type)
		}
	}
	for _, p := range epochPaths {
		if res := doc.Get(p); res.Type == gjson.Number {
			return time.Unix(res.Int(), 0).UTC(), nil
		}
	}
	if fetchedAt.IsZero() {
		return time.Now().UTC(), nil
	}
	return fetchedAt.UTC(), nil
}

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func location(doc gjson.Result, canonical string) string {
	if s := strings.TrimSpace(canonical); s != "" {
		return s
	}
	loc := doc.Get("location")
	if loc.Type == gjson.String {
		if s := strings.TrimSpace(loc.Str); s != "" {
			return s
		}
	}
	if loc.IsObject() {
		var parts []string
		for _, key := range []string{"name", "country"} {
			if s := strings.TrimSpace(loc.Get(key).String()); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
