// Package retry runs an action until it succeeds, fails permanently, or
// exhausts its backoff policy. The terminal GaveUp state is observable so
// callers can tell a stalled chain from one that is still being retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the machine's lifecycle position.
type State int

const (
	Idle State = iota
	Running
	Waiting
	Succeeded
	GaveUp
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Succeeded:
		return "succeeded"
	case GaveUp:
		return "gave_up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further attempts will be made.
func (s State) Terminal() bool {
	return s == Succeeded || s == GaveUp
}

// Policy bounds retries. MaxAttempts 0 retries until success or a
// permanent error.
type Policy struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// DefaultPolicy is unbounded exponential backoff from 500ms to 30s.
var DefaultPolicy = Policy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

func (p Policy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	if p.MaxAttempts > 0 {
		// WithMaxRetries counts retries, not attempts.
		return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
	}
	return eb
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// ErrGaveUp wraps the last error once the policy is exhausted.
var ErrGaveUp = errors.New("retry gave up")

// Machine drives one action through its retry lifecycle. The action is the
// preserved continuation: every attempt re-invokes the same closure.
type Machine struct {
	name   string
	policy Policy
	action func(ctx context.Context) error
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger for retry notices.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates an idle machine.
func New(name string, policy Policy, action func(ctx context.Context) error, opts ...Option) *Machine {
	m := &Machine{
		name:   name,
		policy: policy,
		action: action,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run attempts the action until it succeeds or the machine gives up.
// Context cancellation stops the machine in GaveUp with ctx.Err() as cause.
// Run may be called again after a terminal state to start a fresh cycle.
func (m *Machine) Run(ctx context.Context) error {
	b := m.policy.backOff()
	m.setState(Running)

	for {
		err := m.attempt(ctx)
		if err == nil {
			m.setState(Succeeded)
			return nil
		}

		if IsPermanent(err) {
			var perm *backoff.PermanentError
			errors.As(err, &perm)
			return m.giveUp(perm.Err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return m.giveUp(err)
		}

		m.logger.Warn("attempt failed, retry scheduled",
			"task", m.name,
			"attempt", m.Attempts(),
			"wait", wait,
			"error", err,
		)
		m.setState(Waiting)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return m.giveUp(ctx.Err())
		case <-timer.C:
		}
		m.setState(Running)
	}
}

func (m *Machine) attempt(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return backoff.Permanent(err)
	}

	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()

	err = m.action(ctx)

	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	return err
}

func (m *Machine) giveUp(cause error) error {
	m.mu.Lock()
	m.state = GaveUp
	m.lastErr = cause
	attempts := m.attempts
	m.mu.Unlock()

	m.logger.Warn("retry gave up", "task", m.name, "attempts", attempts, "error", cause)
	return fmt.Errorf("%s: %w: %w", m.name, ErrGaveUp, cause)
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns how many times the action has been invoked.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Err returns the most recent failure, nil after success.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Succeeded {
		return nil
	}
	return m.lastErr
}
