package reliability

import (
	"sync"
	"time"
)

// Health defaults for the persistence worker.
const (
	MaxConsecutiveFailures = 5
	MaxCycleAge            = 60 * time.Second
)

// HealthTracker records worker cycle outcomes for the readiness
// endpoint. A cycle is successful iff every per-account sub-unit
// succeeded.
type HealthTracker struct {
	mu                  sync.Mutex
	lastSuccessfulCycle time.Time
	consecutiveFailures int
}

// NewHealthTracker starts in a healthy state dated from now so a fresh
// process is not immediately reported unhealthy.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{lastSuccessfulCycle: time.Now()}
}

// RecordSuccess marks a completed cycle.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSuccessfulCycle = time.Now()
	h.consecutiveFailures = 0
}

// RecordFailure marks a failed cycle.
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
}

// Status is the readiness view of the worker.
type Status struct {
	Healthy             bool      `json:"healthy"`
	LastSuccessfulCycle time.Time `json:"lastSuccessfulCycle"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Status reports health: failures within bounds and a recent successful
// cycle.
func (h *HealthTracker) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Healthy: h.consecutiveFailures <= MaxConsecutiveFailures &&
			time.Since(h.lastSuccessfulCycle) < MaxCycleAge,
		LastSuccessfulCycle: h.lastSuccessfulCycle,
		ConsecutiveFailures: h.consecutiveFailures,
	}
}
