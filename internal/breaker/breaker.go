// Package breaker implements ORBIT's per-adapter circuit breaker (C2),
// generalized from the teacher's internal/adapter/ai.CircuitBreaker: a
// three-state machine (closed/open/half-open) with independent
// consecutive-failure and consecutive-success thresholds, a lazily
// evaluated open->half-open transition, and a dedicated timeout counter
// since a timed-out call counts as a failure but is reported separately.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/observability"
)

// State is the circuit's current position in the closed/open/half-open
// machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state the way the HTTP health surface and logs expect.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings configures one breaker instance (spec §4.2).
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	OpTimeout        time.Duration
}

// DefaultSettings are used when an adapter has no fault_tolerance override.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		OpTimeout:        30 * time.Second,
	}
}

// Breaker is a single adapter's circuit breaker. Every state transition is
// made under mu so a breaker always has a single writer at a time (spec
// §5's "single-writer-per-breaker" invariant).
type Breaker struct {
	mu           sync.Mutex
	adapterName  string
	settings     Settings
	state        State
	consecFail   int
	consecOK     int
	timeoutCalls uint64
	openedAt     time.Time
}

// New creates a breaker for one adapter, starting Closed.
func New(adapterName string, settings Settings) *Breaker {
	return &Breaker{
		adapterName: adapterName,
		settings:    settings,
		state:       Closed,
	}
}

// IsOpen reports whether the breaker currently blocks calls, performing the
// lazy Open->HalfOpen transition as a side effect once recovery_timeout has
// elapsed (spec §4.2: "is_open() atomically transitions Open to HalfOpen
// once the recovery timeout elapses").
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && time.Since(b.openedAt) >= b.settings.RecoveryTimeout {
		b.state = HalfOpen
		b.consecOK = 0
		observability.RecordCircuitTransition(b.adapterName, HalfOpen.String())
		observability.RecordCircuitState(b.adapterName, int(HalfOpen))
		slog.Info("circuit breaker probing recovery",
			slog.String("adapter", b.adapterName))
	}
	return b.state == Open
}

// RecordSuccess reports a successful call. In HalfOpen, success_threshold
// consecutive successes are required to fully close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecFail = 0
	switch b.state {
	case HalfOpen:
		b.consecOK++
		if b.consecOK >= b.settings.SuccessThreshold {
			b.state = Closed
			b.consecOK = 0
			observability.RecordCircuitTransition(b.adapterName, Closed.String())
			observability.RecordCircuitState(b.adapterName, int(Closed))
			slog.Info("circuit breaker closed after recovery",
				slog.String("adapter", b.adapterName))
		}
	case Open:
		// A success arriving while nominally open (e.g. a HalfOpen probe that
		// raced IsOpen) still counts toward recovery.
		b.state = HalfOpen
		b.consecOK = 1
	}
}

// RecordFailure reports a failed (non-timeout) call.
func (b *Breaker) RecordFailure() {
	b.recordFailureLocked(false)
}

// RecordTimeout reports a call that exceeded op_timeout. Counted as a
// failure for threshold purposes, but tallied separately in timeout_calls
// (spec §4.2 edge case).
func (b *Breaker) RecordTimeout() {
	b.recordFailureLocked(true)
}

func (b *Breaker) recordFailureLocked(timeout bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if timeout {
		b.timeoutCalls++
	}
	b.consecOK = 0

	if b.state == HalfOpen {
		b.openCircuit()
		return
	}

	b.consecFail++
	if b.state == Closed && b.consecFail >= b.settings.FailureThreshold {
		b.openCircuit()
	}
}

// openCircuit transitions to Open. Caller must hold mu.
func (b *Breaker) openCircuit() {
	b.state = Open
	b.openedAt = time.Now()
	observability.RecordCircuitTransition(b.adapterName, Open.String())
	observability.RecordCircuitState(b.adapterName, int(Open))
	slog.Warn("circuit breaker opened",
		slog.String("adapter", b.adapterName),
		slog.Int("consec_failures", b.consecFail))
}

// Snapshot returns the read-only projection exposed by /health/adapters.
func (b *Breaker) Snapshot() domain.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := domain.CircuitSnapshot{
		AdapterName:     b.adapterName,
		State:           b.state.String(),
		ConsecFailures:  b.consecFail,
		ConsecSuccesses: b.consecOK,
		TimeoutCalls:    b.timeoutCalls,
	}
	if b.state == Open || b.state == HalfOpen {
		snap.OpenedAt = b.openedAt
		snap.NextRetryAt = b.openedAt.Add(b.settings.RecoveryTimeout)
	}
	return snap
}

// OpTimeout returns the configured per-call timeout (used by the executor
// to bound adapter invocations).
func (b *Breaker) OpTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings.OpTimeout
}

// Reset forces the breaker back to Closed, used by the admin
// /health/adapters/{name}/reset endpoint.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecFail = 0
	b.consecOK = 0
	observability.RecordCircuitTransition(b.adapterName, Closed.String())
	observability.RecordCircuitState(b.adapterName, int(Closed))
}

// Manager owns one Breaker per adapter name, created lazily with the
// adapter's override settings (or the default) on first use — mirroring
// the teacher's CircuitBreakerManager.GetBreaker.
type Manager struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  Settings
	overrides map[string]Settings
}

// NewManager builds a Manager. overrides maps adapter name to its
// fault_tolerance override (spec §6 fault_tolerance.adapters).
func NewManager(defaults Settings, overrides map[string]Settings) *Manager {
	return &Manager{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// GetBreaker returns (creating if necessary) the breaker for adapterName.
func (m *Manager) GetBreaker(adapterName string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[adapterName]; ok {
		return b
	}

	settings := m.defaults
	if override, ok := m.overrides[adapterName]; ok {
		settings = override
	}
	b := New(adapterName, settings)
	m.breakers[adapterName] = b
	return b
}

// Snapshots returns every known breaker's state, for /health/adapters.
func (m *Manager) Snapshots() []domain.CircuitSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]domain.CircuitSnapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}
