package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WarnThreshold is the consecutive-failure count that triggers a warning.
const WarnThreshold = 3

// Warning is emitted when an operation accumulates repeated failures.
type Warning struct {
	Operation string    `json:"operation"`
	Count     int       `json:"count"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// FailureState is the exported view of one operation's failure counter.
type FailureState struct {
	Count       int       `json:"count"`
	LastError   string    `json:"lastError,omitempty"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

// Snapshot is the exported view of the monitor for the control API.
type Snapshot struct {
	Failures map[string]FailureState `json:"failures"`
	Breakers map[string]string       `json:"breakers"`
}

type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
	warned  bool
}

// Monitor tracks per-operation failure counters and circuit breakers. It is
// an injected dependency: every component that talks to an external service
// shares one instance so warnings and breaker state surface in one place.
type Monitor struct {
	mu         sync.Mutex
	failures   map[string]*failureRecord
	breakers   map[string]*Breaker
	breakerCfg Config
	warnCh     chan Warning
}

// NewMonitor creates a monitor whose breakers use cfg.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		failures:   make(map[string]*failureRecord),
		breakers:   make(map[string]*Breaker),
		breakerCfg: cfg.withDefaults(),
		warnCh:     make(chan Warning, 32),
	}
}

// Warnings returns the channel of threshold warnings. Delivery is
// best-effort: when no one is draining, warnings are dropped, not blocked on.
func (m *Monitor) Warnings() <-chan Warning {
	return m.warnCh
}

// RecordFailure increments the failure counter for name. The first time a
// run of failures reaches WarnThreshold a single warning is emitted; the
// counter must be reset by a success before the next warning can fire.
func (m *Monitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	rec, ok := m.failures[name]
	if !ok {
		rec = &failureRecord{}
		m.failures[name] = rec
	}
	rec.count++
	rec.lastAt = time.Now()
	if err != nil {
		rec.lastErr = err.Error()
	}
	warn := rec.count == WarnThreshold && !rec.warned
	if warn {
		rec.warned = true
	}
	count := rec.count
	m.mu.Unlock()

	if !warn {
		return
	}

	w := Warning{
		Operation: name,
		Count:     count,
		Message:   "repeated failures for " + name,
		At:        time.Now(),
	}
	slog.Warn("operation failing repeatedly", "operation", name, "count", count, "error", err)
	select {
	case m.warnCh <- w:
	default:
	}
}

// Warn emits an out-of-band warning event that is not tied to the failure
// counter (queue overflows, discarded work, silent fallbacks).
func (m *Monitor) Warn(operation, message string) {
	slog.Warn(message, "operation", operation)
	select {
	case m.warnCh <- Warning{Operation: operation, Message: message, At: time.Now()}:
	default:
	}
}

// RecordSuccess resets the failure counter for name, re-arming its warning.
func (m *Monitor) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.failures[name]; ok {
		rec.count = 0
		rec.warned = false
		rec.lastErr = ""
	}
}

// FailureCount returns the current consecutive-failure count for name.
func (m *Monitor) FailureCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.failures[name]; ok {
		return rec.count
	}
	return 0
}

// Breaker returns the named circuit breaker, creating it on first use.
func (m *Monitor) Breaker(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = NewBreaker(m.breakerCfg)
		m.breakers[name] = b
	}
	return b
}

// Snapshot exports failure counters and breaker states.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Failures: make(map[string]FailureState, len(m.failures)),
		Breakers: make(map[string]string, len(m.breakers)),
	}
	for name, rec := range m.failures {
		s.Failures[name] = FailureState{
			Count:       rec.count,
			LastError:   rec.lastErr,
			LastFailure: rec.lastAt,
		}
	}
	for name, b := range m.breakers {
		s.Breakers[name] = b.State().String()
	}
	return s
}

// WithRetry runs fn with exponential backoff, recording each failed attempt.
// The k-th retry waits baseDelay·2^(k-1) after the previous attempt.
func (m *Monitor) WithRetry(ctx context.Context, name string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if lastErr = fn(); lastErr == nil {
			m.RecordSuccess(name)
			return nil
		}
		m.RecordFailure(name, lastErr)
	}
	return lastErr
}

// WithFallback runs primary and, on any failure, records it and runs
// fallback instead.
func (m *Monitor) WithFallback(name string, primary, fallback func() error) error {
	if err := primary(); err != nil {
		m.RecordFailure(name, err)
		return fallback()
	}
	m.RecordSuccess(name)
	return nil
}
