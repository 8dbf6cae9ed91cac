package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMeterWindow is the span over which byte rates are averaged.
const DefaultMeterWindow = 2 * time.Second

type meterEntry struct {
	ts    time.Time
	bytes int64
}

// Meter measures throughput over a sliding time window.
type Meter struct {
	window time.Duration
	now    func() time.Time
	total  atomic.Int64

	mu      sync.Mutex
	entries []meterEntry
}

// NewMeter creates a Meter. A nil now uses time.Now.
func NewMeter(window time.Duration, now func() time.Time) *Meter {
	if window <= 0 {
		window = DefaultMeterWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Meter{window: window, now: now}
}

// Record adds n bytes at the current time.
func (m *Meter) Record(n int) {
	if n <= 0 {
		return
	}
	m.total.Add(int64(n))
	now := m.now()

	m.mu.Lock()
	m.entries = append(m.entries, meterEntry{ts: now, bytes: int64(n)})
	m.trimLocked(now)
	m.mu.Unlock()
}

func (m *Meter) trimLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.entries) && m.entries[i].ts.Before(cutoff) {
		i++
	}
	m.entries = m.entries[i:]
}

// Rate returns bytes per second over the window ending now.
func (m *Meter) Rate() float64 {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked(now)

	var sum int64
	for _, e := range m.entries {
		sum += e.bytes
	}
	return float64(sum) / m.window.Seconds()
}

// Total returns all bytes recorded since creation.
func (m *Meter) Total() int64 {
	return m.total.Load()
}
