package normalize

import (
	"database/sql"
	"math"
)

// EstimateAQI approximates an air quality index from particulate readings
// using piecewise-linear breakpoints. It returns null when neither PM2.5 nor
// PM10 is known.
func EstimateAQI(pm25, pm10 sql.NullFloat64) sql.NullFloat64 {
	if !pm25.Valid && !pm10.Valid {
		return sql.NullFloat64{}
	}

	aqi := 0.0
	if pm25.Valid {
		aqi = math.Max(aqi, pm25Index(pm25.Float64))
	}
	if pm10.Valid {
		aqi = math.Max(aqi, pm10Index(pm10.Float64))
	}

	aqi = math.Floor(aqi)
	aqi = math.Max(1, math.Min(500, aqi))
	return sql.NullFloat64{Float64: aqi, Valid: true}
}

func pm25Index(v float64) float64 {
	switch {
	case v <= 12:
		return v * 50 / 12
	case v <= 35.4:
		return 50 + (v-12)*50/23.4
	default:
		return math.Min(500, 100+(v-35.4)*100/55.4)
	}
}

func pm10Index(v float64) float64 {
	switch {
	case v <= 54:
		return v * 50 / 54
	case v <= 154:
		return 50 + (v-54)*50/100
	default:
		return math.Min(500, 100+(v-154)*100/250)
	}
}
