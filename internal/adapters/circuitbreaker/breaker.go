package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker guards calls to one external provider
type Breaker struct {
	name string

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	maxFailures int
	cooldown    time.Duration
	halfOpenMax int

	now func() time.Time
}

func New(name string, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &Breaker{
		name:        name,
		state:       StateClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		halfOpenMax: 2,
		now:         time.Now,
	}
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted as a provider failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return ErrCircuitOpen
	}
	b.setState(StateHalfOpen)
	b.successes = 0
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
		return
	}
	if err != nil {
		return
	}

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.failures = 0
			b.setState(StateClosed)
		}
		return
	}
	b.failures = 0
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	slog.Info("circuitbreaker: state change", "breaker", b.name, "from", b.state.String(), "to", s.String())
	b.state = s
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
