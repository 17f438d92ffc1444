package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxDurationSamples = 1000

type Metrics struct {
	mutex           sync.RWMutex
	accepted        int64
	routingFailures int64
	poolExhausted   int64
	selections      map[string]int64
	connections     map[string]int64
	connectFailures map[string]int64
	bytesIn         map[string]int64
	bytesOut        map[string]int64
	durations       map[string][]time.Duration
	startTime       time.Time
}

type Snapshot struct {
	AcceptedConnections int64                     `json:"accepted_connections"`
	RoutingFailures     int64                     `json:"routing_failures"`
	PoolExhausted       int64                     `json:"pool_exhausted"`
	Uptime              time.Duration             `json:"uptime"`
	Backends            map[string]BackendMetrics `json:"backends"`
	Algorithm           string                    `json:"algorithm"`
}

type BackendMetrics struct {
	Selections      int64         `json:"selections"`
	Connections     int64         `json:"connections"`
	ConnectFailures int64         `json:"connect_failures"`
	BytesIn         int64         `json:"bytes_in"`
	BytesOut        int64         `json:"bytes_out"`
	AvgDuration     time.Duration `json:"avg_duration"`
	P50Duration     time.Duration `json:"p50_duration"`
	P95Duration     time.Duration `json:"p95_duration"`
	P99Duration     time.Duration `json:"p99_duration"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		selections:      make(map[string]int64),
		connections:     make(map[string]int64),
		connectFailures: make(map[string]int64),
		bytesIn:         make(map[string]int64),
		bytesOut:        make(map[string]int64),
		durations:       make(map[string][]time.Duration),
		startTime:       time.Now(),
	}
}

func (m *Metrics) IncrementAccepted() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.accepted++
}

func (m *Metrics) IncrementRoutingFailures() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.routingFailures++
}

func (m *Metrics) IncrementPoolExhausted() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.poolExhausted++
}

func (m *Metrics) RecordBackendSelection(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[backend]++
}

func (m *Metrics) RecordConnectFailure(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connectFailures[backend]++
}

// RecordConnection accounts a closed connection. Connections closed before a
// backend was chosen carry no backend and are not attributed.
func (m *Metrics) RecordConnection(backend string, duration time.Duration, bytesIn, bytesOut int64) {
	if backend == "" {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.connections[backend]++
	m.bytesIn[backend] += bytesIn
	m.bytesOut[backend] += bytesOut

	m.durations[backend] = append(m.durations[backend], duration)
	if len(m.durations[backend]) > maxDurationSamples {
		m.durations[backend] = m.durations[backend][1:]
	}
}

func (m *Metrics) Snapshot(algorithm string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		AcceptedConnections: m.accepted,
		RoutingFailures:     m.routingFailures,
		PoolExhausted:       m.poolExhausted,
		Uptime:              time.Since(m.startTime),
		Backends:            make(map[string]BackendMetrics),
		Algorithm:           algorithm,
	}

	allBackends := make(map[string]bool)
	for backend := range m.selections {
		allBackends[backend] = true
	}
	for backend := range m.connections {
		allBackends[backend] = true
	}
	for backend := range m.connectFailures {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		bm := BackendMetrics{
			Selections:      m.selections[backend],
			Connections:     m.connections[backend],
			ConnectFailures: m.connectFailures[backend],
			BytesIn:         m.bytesIn[backend],
			BytesOut:        m.bytesOut[backend],
		}

		durations := m.durations[backend]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgDuration = average(sorted)
			bm.P50Duration = percentile(sorted, 0.50)
			bm.P95Duration = percentile(sorted, 0.95)
			bm.P99Duration = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
