package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCircuitOpen is returned without calling the provider while the
// breaker is open.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// State of a Breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig controls when a Breaker opens and recovers.
type BreakerConfig struct {
	// Threshold is the number of consecutive transient failures that opens
	// the breaker.
	Threshold int `yaml:"threshold" mapstructure:"threshold"`
	// Cooldown is how long the breaker stays open before one probe call.
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// Breaker is a consecutive-failure circuit breaker. Only transient errors
// count as failures; a bad request says nothing about the provider's health.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	onChange func(from, to State)
}

// NewBreaker returns a closed breaker. Zero config values take defaults
// of 5 failures and 30s cooldown.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// State returns the current state, reporting HalfOpen once the cooldown
// has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. An open breaker past its
// cooldown moves to half-open and lets exactly one probe through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.set(HalfOpen)
		return nil
	case HalfOpen:
		// probe in flight
		return ErrCircuitOpen
	}
	return nil
}

// Record feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !IsTransient(err) {
		b.failures = 0
		if b.state != Closed {
			b.set(Closed)
		}
		return
	}
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		b.set(Open)
	}
}

func (b *Breaker) set(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
