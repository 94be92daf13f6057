package observability

import (
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu            sync.Mutex
	requestCount  map[string]int64
	errorCount    map[string]int64
	gateDecisions map[string]int64
	latencyTotal  map[string]time.Duration
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount:  make(map[string]int64),
		errorCount:    make(map[string]int64),
		gateDecisions: make(map[string]int64),
		latencyTotal:  make(map[string]time.Duration),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
	m.latencyTotal[key] += duration
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordGateDecision counts edge gate outcomes by failure kind.
func (m *Metrics) RecordGateDecision(outcome, kind string) {
	if m == nil {
		return
	}
	key := outcome
	if kind != "" {
		key += "|" + kind
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateDecisions[key]++
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Requests      map[string]int64 `json:"requests"`
	Errors        map[string]int64 `json:"errors"`
	GateDecisions map[string]int64 `json:"gate_decisions"`
}

// Snapshot copies the counters so callers can read them without holding the lock.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Requests:      copyCounts(m.requestCount),
		Errors:        copyCounts(m.errorCount),
		GateDecisions: copyCounts(m.gateDecisions),
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
