package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/airwatch-kyiv/airwatch/internal/models"
)

const weatherAPIHistory = `{
	"location": {"name": "Kyiv", "country": "Ukraine"},
	"forecast": {"forecastday": [{
		"date": "2025-10-18",
		"hour": [
			{"time_epoch": 1760734800, "temp_c": 8.4, "humidity": 81, "pressure_mb": 1021, "wind_kph": 7.2, "wind_degree": 140, "vis_km": 10, "uv": 0,
			 "air_quality": {"pm2_5": 6.1, "pm10": 9.0}},
			{"time_epoch": 1760738400, "temp_c": 8.1, "humidity": 83, "pressure_mb": 1021, "wind_kph": 5.4, "wind_degree": 150, "vis_km": 10, "uv": 0}
		]
	}]}
}`

func TestSplitHistory(t *testing.T) {
	items, err := SplitHistory([]byte(weatherAPIHistory))
	if err != nil {
		t.Fatalf("SplitHistory: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}

	r, err := Normalize(items[0], Options{Location: "Kyiv"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if want := time.Unix(1760734800, 0).UTC(); !r.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, want)
	}
	wantValue(t, r, models.SensorTemperature, 8.4)
	wantValue(t, r, models.SensorWindSpeed, 2)
	wantValue(t, r, models.SensorPM25, 6.1)

	second, err := Normalize(items[1], Options{Location: "Kyiv"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	wantNull(t, second, models.SensorPM25)
	wantNull(t, second, models.SensorAirQuality)
}

func TestSplitHistory_Malformed(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"forecast": {}}`,
		`{"forecast": {"forecastday": [{"hour": [1, 2]}]}}`,
	} {
		if _, err := SplitHistory([]byte(payload)); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("SplitHistory(%s) err = %v, want ErrMalformedPayload", payload, err)
		}
	}
}
