package normalize

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// SplitHistory returns the hourly items of a WeatherAPI history payload, each
// a standalone object Normalize accepts.
func SplitHistory(raw []byte) ([][]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	hours := gjson.GetBytes(raw, "forecast.forecastday.0.hour")
	if !hours.IsArray() {
		return nil, fmt.Errorf("%w: no forecast.forecastday[0].hour array", ErrMalformedPayload)
	}

	var items [][]byte
	for _, h := range hours.Array() {
		if !h.IsObject() {
			return nil, fmt.Errorf("%w: hour item is %s", ErrMalformedPayload, h.Type)
		}
		items = append(items, []byte(h.Raw))
	}
	return items, nil
}
