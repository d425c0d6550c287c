// Package resilience provides circuit breaker, backoff and error taxonomy
// primitives shared by the queue, the scheduler and the providers.
package resilience

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Work flows through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many consecutive failures. Work is deferred until the cooldown ends.
	CircuitOpen
	// CircuitHalfOpen admits a limited number of trial units; the first result decides the state.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is matched by every CircuitOpenError.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before the next evaluation
	// moves it to half-open. Default: 5m.
	Cooldown time.Duration

	// HalfOpenMaxTrials is how many units of work a half-open breaker admits
	// at once. Default: 1.
	HalfOpenMaxTrials int

	// OnStateChange is called when the circuit transitions between states.
	// It runs with the breaker lock held and must not call back into the breaker.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		Cooldown:          5 * time.Minute,
		HalfOpenMaxTrials: 1,
	}
}

// BreakerSnapshot is the externally visible state of one breaker.
type BreakerSnapshot struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	IsOpen        bool       `json:"is_open"`
	FailureCount  int        `json:"failure_count"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// CircuitBreaker guards one named unit of work (a job type).
//
// The breaker is open only while failures >= threshold and now < cooldownUntil.
// Once the cooldown elapses, the next evaluation moves it to half-open. A
// half-open breaker admits at most HalfOpenMaxTrials units through Allow; the
// first Record closes it on success or restarts the cooldown on failure.
type CircuitBreaker struct {
	name  string
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	cooldownUntil       time.Time
	trials              int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.HalfOpenMaxTrials <= 0 {
		cfg.HalfOpenMaxTrials = 1
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen evaluates the breaker. An open breaker whose cooldown has elapsed
// transitions to half-open and reports false.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.evaluate()
}

func (cb *CircuitBreaker) evaluate() bool {
	if cb.state != CircuitOpen {
		return false
	}
	if !cb.nowFunc().Before(cb.cooldownUntil) {
		cb.transition(CircuitHalfOpen)
		return false
	}
	return true
}

// Allow admits one unit of work. It returns a CircuitOpenError while the
// breaker is open or while every half-open trial slot is taken. Work admitted
// in half-open holds a slot until Record or Release.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.evaluate() {
		return &CircuitOpenError{Name: cb.name, CooldownUntil: cb.cooldownUntil}
	}
	if cb.state == CircuitHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMaxTrials {
			return &CircuitOpenError{Name: cb.name, CooldownUntil: cb.cooldownUntil}
		}
		cb.trials++
	}
	return nil
}

// Release frees a half-open slot taken by Allow without recording an outcome.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.trials > 0 {
		cb.trials--
	}
}

// Capacity evaluates the breaker and reports how many more units Allow would
// admit: -1 when closed, 0 while open or saturated, otherwise the free
// half-open slots.
func (cb *CircuitBreaker) Capacity() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.evaluate() {
		return 0
	}
	if cb.state == CircuitHalfOpen {
		return max(0, cb.cfg.HalfOpenMaxTrials-cb.trials)
	}
	return -1
}

// Record feeds the outcome of one unit of work into the breaker.
// CircuitOpenError outcomes are ignored.
func (cb *CircuitBreaker) Record(err error) {
	if err != nil && errors.Is(err, ErrCircuitOpen) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.trials > 0 {
		cb.trials--
	}
	if err == nil {
		cb.consecutiveFailures = 0
		if cb.state != CircuitClosed {
			cb.cooldownUntil = time.Time{}
			cb.transition(CircuitClosed)
		}
		return
	}

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitHalfOpen:
		cb.cooldownUntil = cb.nowFunc().Add(cb.cfg.Cooldown)
		cb.transition(CircuitOpen)
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.cooldownUntil = cb.nowFunc().Add(cb.cfg.Cooldown)
			cb.transition(CircuitOpen)
		}
	case CircuitOpen:
		// Late results from work claimed before the breaker opened.
	}
}

// State returns the current circuit state without transitioning.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.cooldownUntil = time.Time{}
	cb.trials = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Snapshot returns the breaker's current state for status surfaces.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := BreakerSnapshot{
		Name:         cb.name,
		State:        cb.state.String(),
		IsOpen:       cb.state == CircuitOpen && cb.nowFunc().Before(cb.cooldownUntil),
		FailureCount: cb.consecutiveFailures,
	}
	if !cb.cooldownUntil.IsZero() {
		until := cb.cooldownUntil
		s.CooldownUntil = &until
	}
	return s
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.trials = 0
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// Breakers manages one circuit breaker per name.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	nowFunc  func() time.Time
}

// NewBreakers creates a registry of named circuit breakers sharing cfg.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock of existing and future breakers.
func (b *Breakers) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFunc = now
	for _, cb := range b.breakers {
		cb.mu.Lock()
		cb.nowFunc = now
		cb.mu.Unlock()
	}
}

// Get returns the circuit breaker for name, creating one if needed.
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[name]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, b.cfg)
	cb.nowFunc = b.nowFunc
	b.breakers[name] = cb
	return cb
}

// Open evaluates every breaker and returns the names that are still open.
func (b *Breakers) Open() []string {
	b.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		all = append(all, cb)
	}
	b.mu.RUnlock()

	var open []string
	for _, cb := range all {
		if cb.IsOpen() {
			open = append(open, cb.name)
		}
	}
	sort.Strings(open)
	return open
}

// Snapshots returns the state of every breaker, sorted by name.
func (b *Breakers) Snapshots() []BreakerSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BreakerSnapshot, 0, len(b.breakers))
	for _, cb := range b.breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
