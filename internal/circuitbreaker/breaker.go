// Package circuitbreaker implements the circuit breaker pattern used by the
// storage adapters, the cache manager, and the outbox dispatcher to isolate
// failing backends.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state
type State int32

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Probing whether the backend recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned by Do when the breaker refuses the call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open
	FailureThreshold uint32

	// SuccessThreshold is the number of half-open successes required to
	// close the breaker again
	SuccessThreshold uint32

	// ResetTimeout is the period of open state before probing is allowed
	ResetTimeout time.Duration

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns a reasonable default configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     30 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker tracks consecutive failures and blocks calls to a backend
// that keeps failing. Counters use atomic updates so Allow never blocks a
// caller; state transitions are single compare-and-swap operations.
type CircuitBreaker struct {
	cfg Config

	state      atomic.Int32
	failures   atomic.Uint32
	successes  atomic.Uint32
	openedAtNs atomic.Int64
}

// New creates a new circuit breaker
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	c := *cfg
	c.normalize()
	return &CircuitBreaker{cfg: c}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Allow reports whether a call may proceed. In the open state it answers
// true only once the reset timeout has elapsed, atomically moving the
// breaker to half-open so the call acts as a probe.
func (cb *CircuitBreaker) Allow() bool {
	switch State(cb.state.Load()) {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		openedAt := cb.openedAtNs.Load()
		if time.Now().UnixNano()-openedAt < cb.cfg.ResetTimeout.Nanoseconds() {
			return false
		}
		if cb.transition(StateOpen, StateHalfOpen) {
			cb.successes.Store(0)
			return true
		}
		// Lost the race; another caller moved the state.
		return State(cb.state.Load()) != StateOpen
	default:
		return false
	}
}

// RecordSuccess reports a successful call. In half-open it counts toward
// SuccessThreshold and closes the breaker when reached; in closed it clears
// the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	switch State(cb.state.Load()) {
	case StateHalfOpen:
		if cb.successes.Add(1) >= cb.cfg.SuccessThreshold {
			if cb.transition(StateHalfOpen, StateClosed) {
				cb.failures.Store(0)
				cb.successes.Store(0)
			}
		}
	case StateClosed:
		cb.failures.Store(0)
	}
}

// RecordFailure reports a failed call. A half-open failure reopens the
// breaker immediately; in closed the breaker trips once the consecutive
// failure count reaches FailureThreshold.
func (cb *CircuitBreaker) RecordFailure() {
	switch State(cb.state.Load()) {
	case StateHalfOpen:
		if cb.transition(StateHalfOpen, StateOpen) {
			cb.openedAtNs.Store(time.Now().UnixNano())
			cb.successes.Store(0)
		}
	case StateClosed:
		if cb.failures.Add(1) >= cb.cfg.FailureThreshold {
			if cb.transition(StateClosed, StateOpen) {
				cb.openedAtNs.Store(time.Now().UnixNano())
			}
		}
	case StateOpen:
		// Late failure from a call admitted before the trip; already open.
	}
}

// Do runs fn under the breaker: refused calls fail with ErrCircuitOpen,
// outcomes are recorded. A panic counts as a failure and is re-raised.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
	}

	defer func() {
		if r := recover(); r != nil {
			cb.RecordFailure()
			panic(r)
		}
	}()

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// transition performs the state change and fires the hook exactly once.
func (cb *CircuitBreaker) transition(from, to State) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
	return true
}

// Snapshot is a point-in-time view for health and stats endpoints.
type Snapshot struct {
	Name      string
	State     State
	Failures  uint32
	Successes uint32
	OpenedAt  time.Time
}

// Snapshot returns the current counters. The fields are read individually;
// the view is advisory, not a consistent cut.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	var openedAt time.Time
	if ns := cb.openedAtNs.Load(); ns > 0 {
		openedAt = time.Unix(0, ns)
	}
	return Snapshot{
		Name:      cb.cfg.Name,
		State:     State(cb.state.Load()),
		Failures:  cb.failures.Load(),
		Successes: cb.successes.Load(),
		OpenedAt:  openedAt,
	}
}

// String implements fmt.Stringer for CircuitBreaker
func (cb *CircuitBreaker) String() string {
	s := cb.Snapshot()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, failures=%d]",
		s.Name, s.State, s.Failures)
}

// ============================================================================
// CIRCUIT BREAKER MANAGER
// ============================================================================

// Manager manages multiple circuit breakers
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config // Default config for new breakers
}

// NewManager creates a new circuit breaker manager
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}

	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns a circuit breaker by name, creating if necessary
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb

	return cb
}

// GetOrCreate returns an existing circuit breaker or creates one with custom config
func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	if cfg == nil {
		c := *m.cfg
		cfg = &c
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb

	return cb
}

// Remove removes a circuit breaker
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// List returns all circuit breaker names
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Stats returns snapshots for all circuit breakers
func (m *Manager) Stats() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Snapshot, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = cb.Snapshot()
	}
	return stats
}

// Health reports overall health from breaker states: DEGRADED when any
// breaker is open.
func (m *Manager) Health() (string, map[string]string) {
	stats := m.Stats()

	statuses := make(map[string]string, len(stats))
	healthy := true

	for name, stat := range stats {
		statuses[name] = stat.State.String()
		if stat.State == StateOpen {
			healthy = false
		}
	}

	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
