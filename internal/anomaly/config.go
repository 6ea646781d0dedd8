package anomaly

import (
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"

	"github.com/airwatch-kyiv/airwatch/internal/models"
)

var ErrInvalidDetectorConfig = errors.New("invalid detector config")

// Range is the physically plausible [Min, Max] for a sensor.
type Range struct {
	Min  float64
	Max  float64
	Unit string
	// Statistical enables the z-score check. Circular quantities such as wind
	// direction have no meaningful mean and stay range-only.
	Statistical bool
}

func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

type Config struct {
	// WindowSize is how many accepted values per (location, sensor) are kept.
	WindowSize int
	// MinSamples is the history length below which only range checks run.
	MinSamples int
	// SoftThreshold is the z-score above which a value is flagged verified.
	SoftThreshold float64
	// HardThreshold is the z-score above which a value is filtered.
	HardThreshold float64
	// ConfidenceScale is the z-score at which statistical confidence reaches 1.
	ConfidenceScale float64
	// RapidChange holds per-hour change thresholds. Sensors without an entry
	// are not checked for rapid change.
	RapidChange map[models.SensorType]float64
	Ranges      map[models.SensorType]Range
}

func DefaultRanges() map[models.SensorType]Range {
	return map[models.SensorType]Range{
		models.SensorTemperature:   {Min: -50, Max: 60, Unit: "°C", Statistical: true},
		models.SensorHumidity:      {Min: 0, Max: 100, Unit: "%", Statistical: true},
		models.SensorAirQuality:    {Min: 0, Max: 500, Unit: "AQI", Statistical: true},
		models.SensorPM25:          {Min: 0, Max: 500, Unit: "μg/m³", Statistical: true},
		models.SensorPM10:          {Min: 0, Max: 1000, Unit: "μg/m³", Statistical: true},
		models.SensorCO2:           {Min: 300, Max: 5000, Unit: "ppm", Statistical: true},
		models.SensorPressure:      {Min: 950, Max: 1050, Unit: "hPa", Statistical: true},
		models.SensorWindSpeed:     {Min: 0, Max: 120, Unit: "m/s", Statistical: true},
		models.SensorWindDirection: {Min: 0, Max: 360, Unit: "°"},
		models.SensorUVIndex:       {Min: 0, Max: 20, Unit: "", Statistical: true},
		models.SensorVisibility:    {Min: 0, Max: 100, Unit: "km", Statistical: true},
	}
}

func DefaultRapidChange() map[models.SensorType]float64 {
	return map[models.SensorType]float64{
		models.SensorTemperature: 10,
		models.SensorHumidity:    30,
		models.SensorAirQuality:  100,
		models.SensorPressure:    15,
	}
}

func DefaultConfig() Config {
	return Config{
		WindowSize:      30,
		MinSamples:      5,
		SoftThreshold:   3,
		HardThreshold:   6,
		ConfidenceScale: 5,
		RapidChange:     DefaultRapidChange(),
		Ranges:          DefaultRanges(),
	}
}

// Validate reports every problem in the config, wrapped in ErrInvalidDetectorConfig.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.WindowSize < 2 {
		result = multierror.Append(result, fmt.Errorf("window size %d must be at least 2", c.WindowSize))
	}
	if c.MinSamples < 2 {
		result = multierror.Append(result, fmt.Errorf("min samples %d must be at least 2", c.MinSamples))
	}
	if c.MinSamples > c.WindowSize {
		result = multierror.Append(result, fmt.Errorf("min samples %d exceeds window size %d", c.MinSamples, c.WindowSize))
	}
	if !positive(c.SoftThreshold) {
		result = multierror.Append(result, fmt.Errorf("soft threshold %v must be positive", c.SoftThreshold))
	}
	if !positive(c.HardThreshold) || c.HardThreshold < c.SoftThreshold {
		result = multierror.Append(result, fmt.Errorf("hard threshold %v must be >= soft threshold %v", c.HardThreshold, c.SoftThreshold))
	}
	if !positive(c.ConfidenceScale) {
		result = multierror.Append(result, fmt.Errorf("confidence scale %v must be positive", c.ConfidenceScale))
	}

	if len(c.Ranges) == 0 {
		result = multierror.Append(result, errors.New("sensor catalog is empty"))
	}
	for sensor, r := range c.Ranges {
		if !known(sensor) {
			result = multierror.Append(result, fmt.Errorf("unknown sensor %q in catalog", sensor))
			continue
		}
		if math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min >= r.Max {
			result = multierror.Append(result, fmt.Errorf("%s: range [%v, %v] is empty", sensor, r.Min, r.Max))
		}
	}
	for sensor, threshold := range c.RapidChange {
		if _, ok := c.Ranges[sensor]; !ok {
			result = multierror.Append(result, fmt.Errorf("%s: rapid change threshold for sensor not in catalog", sensor))
		}
		if !positive(threshold) {
			result = multierror.Append(result, fmt.Errorf("%s: rapid change threshold %v must be positive", sensor, threshold))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDetectorConfig, err)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func known(s models.SensorType) bool {
	for _, t := range models.SensorTypes {
		if t == s {
			return true
		}
	}
	return false
}
