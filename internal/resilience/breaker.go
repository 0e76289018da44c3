// Package resilience provides fault tolerance for the pipeline's external
// dependencies: circuit breakers, failure accounting, retries, fallbacks.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents circuit breaker state
type State uint8

const (
	Closed   State = iota // Normal operation
	Open                  // Failing fast
	HalfOpen              // Probing recovery
)

func (s State) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

// ErrCircuitOpen is returned when the breaker rejects a call. Callers treat
// it the same as an unreachable external service.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker gates calls to one external dependency. Every decision consults
// several fields at once (consecutive-failure run, probe quota, cooldown
// clock), so state lives under a single mutex instead of per-counter
// atomics.
//
// Half-open admits at most HalfOpenProbeCount probes: when the STT retry
// worker and the live frame path race to reconnect, a burst of queued sends
// cannot stampede a recovering service. The cooldown runs from the failure
// that opened the breaker; rejected calls do not push recovery further away.
type Breaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	failures       int // consecutive failures while closed
	probesAdmitted int // probes allowed in since entering half-open
	probeSuccesses int
	openedAt       time.Time
	onStateChange  func(from, to State)
}

// NewBreaker creates a closed breaker with config.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// OnStateChange registers a transition callback (for metrics/logging). The
// callback runs under the breaker lock and must not call back into the
// breaker.
func (b *Breaker) OnStateChange(fn func(from, to State)) *Breaker {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
	return b
}

// Allow reports whether a call may proceed. Each nil return in half-open
// consumes one probe slot; the caller must follow up with Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) <= b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		b.transitionLocked(HalfOpen)
		b.probesAdmitted = 1
		return nil
	default: // HalfOpen
		if b.probesAdmitted >= b.cfg.HalfOpenProbeCount {
			return ErrCircuitOpen
		}
		b.probesAdmitted++
		return nil
	}
}

// Record reports the outcome of an allowed call. A nil err counts toward
// closing; a non-nil err opens (half-open) or accumulates toward the
// threshold (closed).
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case HalfOpen:
		if err != nil {
			b.openLocked()
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbeCount {
			b.transitionLocked(Closed)
		}
	case Open:
		// Late result from before the trip; the cooldown clock decides.
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure run while closed.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed and clears the failure run.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transitionLocked(Closed)
}

// openLocked trips the breaker and starts the cooldown clock. Caller holds
// b.mu.
func (b *Breaker) openLocked() {
	b.openedAt = time.Now()
	b.transitionLocked(Open)
}

// transitionLocked moves to a new state and resets its counters. Caller
// holds b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case Closed:
		b.failures = 0
		b.probeSuccesses = 0
		b.probesAdmitted = 0
		slog.Info("circuit breaker closed")
	case Open:
		b.probeSuccesses = 0
		b.probesAdmitted = 0
		slog.Warn("circuit breaker opened", "failures", b.failures)
	case HalfOpen:
		b.probeSuccesses = 0
		b.probesAdmitted = 0
		slog.Info("circuit breaker half-open")
	}

	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
