package model

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls until the cooldown passes.
	BreakerOpen

	// BreakerHalfOpen lets a single probe through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a breaker rejects a call.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 3
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// Cooldown is how long an open breaker waits before probing.
	// Default: 20 seconds
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// OnStateChange is called, without the lock held, when the state changes.
	OnStateChange func(task SubTask, from, to BreakerState) `yaml:"-" json:"-"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 20 * time.Second
	}
	return c
}

// Breaker fails fast when one sub-task's model calls keep failing, so a
// dead provider costs a turn nothing but a template line.
type Breaker struct {
	task   SubTask
	config BreakerConfig
	now    func() time.Time

	mu         sync.Mutex
	state      BreakerState
	failures   int
	openedAt   time.Time
	probing    bool
	rejections int64
}

func newBreaker(task SubTask, config BreakerConfig, now func() time.Time) *Breaker {
	return &Breaker{task: task, config: config.withDefaults(), now: now}
}

// State returns the current state, moving open to half-open once the
// cooldown has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.transition(BreakerHalfOpen)
	}
	return b.state
}

// Rejections returns how many calls the breaker has refused.
func (b *Breaker) Rejections() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejections
}

// Allow reports whether a call may proceed. A true result must be followed
// by exactly one Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			b.rejections++
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			b.rejections++
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.probing = false
		b.transition(BreakerClosed)
		return
	}

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	}
}

// Release gives back an allowed call that never reached the model.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Must be called with the lock held.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.task, from, to)
	}
}

// Breakers holds one breaker per sub-task.
type Breakers struct {
	config BreakerConfig
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[SubTask]*Breaker
}

// NewBreakers creates a registry sharing config.
func NewBreakers(config BreakerConfig) *Breakers {
	return &Breakers{config: config, now: time.Now, breakers: make(map[SubTask]*Breaker)}
}

// Get returns the breaker for task, creating it on first use.
func (r *Breakers) Get(task SubTask) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[task]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[task]; ok {
		return b
	}
	b := newBreaker(task, r.config, r.now)
	r.breakers[task] = b
	return b
}

// States returns the state of every breaker created so far.
func (r *Breakers) States() map[SubTask]BreakerState {
	r.mu.RLock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	out := make(map[SubTask]BreakerState, len(all))
	for _, b := range all {
		out[b.task] = b.State()
	}
	return out
}
