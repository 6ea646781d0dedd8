package anomaly

import (
	"sync"
	"time"

	"github.com/airwatch-kyiv/airwatch/internal/models"
)

// Sample is one accepted value of a sensor.
type Sample struct {
	At    time.Time
	Value float64
}

// ring is a fixed-capacity FIFO of samples.
type ring struct {
	buf  []Sample
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]Sample, size)}
}

func (r *ring) push(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// values returns samples oldest first.
func (r *ring) values() []float64 {
	n := r.len()
	out := make([]float64, 0, n)
	start := 0
	if r.full {
		start = r.next
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)].Value)
	}
	return out
}

func (r *ring) last() (Sample, bool) {
	if r.len() == 0 {
		return Sample{}, false
	}
	i := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[i], true
}

type historyKey struct {
	location string
	sensor   models.SensorType
}

// History keeps the last N accepted values per (location, sensor).
type History struct {
	mu     sync.RWMutex
	size   int
	rings  map[historyKey]*ring
	seeded map[string]bool
}

func NewHistory(size int) *History {
	return &History{
		size:   size,
		rings:  make(map[historyKey]*ring),
		seeded: make(map[string]bool),
	}
}

func (h *History) Push(location string, sensor models.SensorType, s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := historyKey{location, sensor}
	r, ok := h.rings[k]
	if !ok {
		r = newRing(h.size)
		h.rings[k] = r
	}
	r.push(s)
}

func (h *History) Values(location string, sensor models.SensorType) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.rings[historyKey{location, sensor}]; ok {
		return r.values()
	}
	return nil
}

func (h *History) Last(location string, sensor models.SensorType) (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.rings[historyKey{location, sensor}]; ok {
		return r.last()
	}
	return Sample{}, false
}

// Seeded reports whether history for the location was warmed from storage.
func (h *History) Seeded(location string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seeded[location]
}

func (h *History) markSeeded(location string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seeded[location] = true
}
