package engine

import (
	"sync"

	"github.com/fleetsense/fuelwatch/model"
)

// History is a ring buffer of processed metric rows for one truck, kept
// in memory for status reporting and trend inspection.
type History struct {
	buf  []model.FuelMetric
	head int
	size int
	cap  int
	mu   sync.RWMutex
}

// NewHistory creates a ring buffer with the given capacity.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		buf: make([]model.FuelMetric, capacity),
		cap: capacity,
	}
}

// Push adds a metric row to the ring buffer.
func (h *History) Push(m model.FuelMetric) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.head] = m
	h.head = (h.head + 1) % h.cap
	if h.size < h.cap {
		h.size++
	}
}

// Len returns the number of rows stored.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Latest returns a copy of the most recent row.
func (h *History) Latest() *model.FuelMetric {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.size == 0 {
		return nil
	}
	idx := (h.head - 1 + h.cap) % h.cap
	m := h.buf[idx] // copy
	return &m
}

// Get returns a copy of the row at position i (0 = oldest in buffer).
func (h *History) Get(i int) *model.FuelMetric {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i < 0 || i >= h.size {
		return nil
	}
	idx := (h.head - h.size + i + h.cap) % h.cap
	m := h.buf[idx] // copy
	return &m
}
