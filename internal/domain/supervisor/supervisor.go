// Package supervisor spawns and supervises background work (sub-agents,
// long-running tasks), restarting recoverable failures with jittered
// exponential backoff. Grounded on the teacher's state_machine.go lifecycle
// event pattern, generalized from a single agent loop's states to a
// restart-policy-driven task supervisor.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind enumerates supervisor lifecycle events.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRestarted EventKind = "restarted"
	EventGaveUp    EventKind = "gave_up"
)

// Event is one lifecycle transition for a supervised task.
type Event struct {
	TaskID    string
	Kind      EventKind
	Attempt   int
	Err       error
	Timestamp time.Time
}

// Policy configures restart behavior for one supervised task.
type Policy struct {
	MaxRestarts   int
	RestartWindow time.Duration
	Recoverable   func(error) bool // nil = every error is recoverable
	BaseDelay     time.Duration    // default 1s
	MaxDelay      time.Duration    // default 30s
}

func (p Policy) recoverable(err error) bool {
	if p.Recoverable == nil {
		return true
	}
	return p.Recoverable(err)
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return time.Second
	}
	return p.BaseDelay
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return 30 * time.Second
	}
	return p.MaxDelay
}

// Task is the unit of supervised work: re-invoked on each restart attempt.
type Task func(ctx context.Context) error

// Supervisor runs tasks under a Policy, emitting lifecycle events to every
// registered listener.
type Supervisor struct {
	mu        sync.Mutex
	listeners []func(Event)
	logger    *zap.Logger
	clock     func() time.Time
	rng       *rand.Rand
}

// New creates a supervisor. clock defaults to time.Now if nil, overridable
// for deterministic tests.
func New(logger *zap.Logger, clock func() time.Time) *Supervisor {
	if clock == nil {
		clock = time.Now
	}
	return &Supervisor{logger: logger, clock: clock, rng: rand.New(rand.NewSource(clock().UnixNano()))}
}

// OnEvent registers a listener invoked synchronously for every lifecycle
// event across every supervised task.
func (s *Supervisor) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	listeners := append([]func(Event){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Run executes task under policy, restarting on recoverable failures within
// the restart window until MaxRestarts is exhausted or ctx is cancelled.
// Returns the last error, or nil on success.
func (s *Supervisor) Run(ctx context.Context, taskID string, task Task, policy Policy) error {
	windowStart := s.clock()
	restarts := 0

	s.emit(Event{TaskID: taskID, Kind: EventStarted, Timestamp: s.clock()})

	for attempt := 0; ; attempt++ {
		err := task(ctx)
		if err == nil {
			s.emit(Event{TaskID: taskID, Kind: EventCompleted, Attempt: attempt, Timestamp: s.clock()})
			return nil
		}

		s.emit(Event{TaskID: taskID, Kind: EventFailed, Attempt: attempt, Err: err, Timestamp: s.clock()})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !policy.recoverable(err) {
			s.emit(Event{TaskID: taskID, Kind: EventGaveUp, Attempt: attempt, Err: err, Timestamp: s.clock()})
			return err
		}

		now := s.clock()
		if policy.RestartWindow > 0 && now.Sub(windowStart) > policy.RestartWindow {
			windowStart = now
			restarts = 0
		}
		if restarts >= policy.MaxRestarts {
			s.emit(Event{TaskID: taskID, Kind: EventGaveUp, Attempt: attempt, Err: err, Timestamp: s.clock()})
			return fmt.Errorf("supervisor: task %s exhausted %d restarts: %w", taskID, policy.MaxRestarts, err)
		}
		restarts++

		delay := s.backoff(policy, restarts)
		s.emit(Event{TaskID: taskID, Kind: EventRestarted, Attempt: restarts, Timestamp: s.clock()})
		if s.logger != nil {
			s.logger.Warn("supervisor restarting task",
				zap.String("task_id", taskID), zap.Int("restart", restarts), zap.Duration("delay", delay), zap.Error(err))
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoff computes an exponential delay capped at policy.maxDelay(), with
// full jitter in [0, delay).
func (s *Supervisor) backoff(policy Policy, restart int) time.Duration {
	base := policy.baseDelay()
	capped := policy.maxDelay()
	exp := float64(base) * math.Pow(2, float64(restart-1))
	if exp > float64(capped) {
		exp = float64(capped)
	}
	s.mu.Lock()
	jitter := s.rng.Float64()
	s.mu.Unlock()
	return time.Duration(exp * jitter)
}
