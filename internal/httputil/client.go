package httputil

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout = 20 * time.Second
	UserAgent      = "airwatch/1.0"
)

// NewClient returns an HTTP client bounded by timeout, or DefaultTimeout when
// timeout is not positive.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
	}
}
