package synckit

import "sync"

// Counter event names recorded across the core.
const (
	MetricAuthInteractive = "auth.interactive"
	MetricAuthSilent      = "auth.silent"
	MetricAuthChooser     = "auth.chooser"
	MetricAuthLogout      = "auth.logout"
	MetricAuthVerifyRetry = "auth.verify_retry"
	MetricSyncRun         = "sync.run"
	MetricSyncCreated     = "sync.created"
	MetricSyncErrored     = "sync.errored"
	MetricAutoSyncRun     = "autosync.run"
	MetricAutoSyncSkipped = "autosync.skipped"
)

// MetricsRecorder increments counters for auth and sync events.
type MetricsRecorder interface {
	Increment(event string)
	Add(event string, delta int64)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event by one.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.Add(event, 1)
}

// Add increases the counter for the given event by delta.
func (recorder *CounterMetrics) Add(event string, delta int64) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event] += delta
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for event, value := range recorder.counts {
		clone[event] = value
	}
	return clone
}
