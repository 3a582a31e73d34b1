package verify

import (
	"sync"
	"time"
)

// DefaultMaxRecords bounds the metrics buffer.
const DefaultMaxRecords = 1000

// Record is one verification pass as kept for analysis.
type Record struct {
	Valid bool
	Level int
	// Durations holds per-level wall time, indexed level-1. Zero when the
	// level did not run.
	Durations  [3]time.Duration
	Categories []Category
	At         time.Time
}

// Summary aggregates the buffered records.
type Summary struct {
	Count    int
	Passed   int
	PassRate float64
	// AvgDurations holds per-level averages over records where the level ran.
	AvgDurations   [3]time.Duration
	CategoryCounts map[Category]int
}

// Metrics keeps the most recent verification records in a bounded FIFO
// buffer. Safe for concurrent use.
type Metrics struct {
	mu      sync.Mutex
	records []Record
	max     int
}

// NewMetrics builds a metrics buffer holding up to max records.
// max <= 0 selects DefaultMaxRecords.
func NewMetrics(max int) *Metrics {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	return &Metrics{max: max}
}

// Record appends one verification record, evicting the oldest at capacity.
func (m *Metrics) Record(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) >= m.max {
		copy(m.records, m.records[1:])
		m.records = m.records[:len(m.records)-1]
	}
	m.records = append(m.records, r)
}

// Len returns the number of buffered records.
func (m *Metrics) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Snapshot aggregates the buffered records.
func (m *Metrics) Snapshot() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		Count:          len(m.records),
		CategoryCounts: make(map[Category]int),
	}
	var totals [3]time.Duration
	var ran [3]int
	for _, r := range m.records {
		if r.Valid {
			s.Passed++
		}
		for i, d := range r.Durations {
			if d > 0 {
				totals[i] += d
				ran[i]++
			}
		}
		for _, c := range r.Categories {
			s.CategoryCounts[c]++
		}
	}
	if s.Count > 0 {
		s.PassRate = float64(s.Passed) / float64(s.Count)
	}
	for i := range totals {
		if ran[i] > 0 {
			s.AvgDurations[i] = totals[i] / time.Duration(ran[i])
		}
	}
	return s
}

// Reset drops all buffered records.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}
