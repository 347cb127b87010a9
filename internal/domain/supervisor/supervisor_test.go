package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClock() func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time { return t }
}

func TestSupervisorRestartsRecoverableFailureThenSucceeds(t *testing.T) {
	sup := New(nil, fakeClock())
	var attempts int32
	var events []EventKind
	sup.OnEvent(func(e Event) { events = append(events, e.Kind) })

	err := sup.Run(context.Background(), "task-1", func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}, Policy{MaxRestarts: 5, RestartWindow: time.Minute, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts)
	assert.Contains(t, events, EventRestarted)
	assert.Contains(t, events, EventCompleted)
}

func TestSupervisorGivesUpAfterMaxRestarts(t *testing.T) {
	sup := New(nil, fakeClock())
	err := sup.Run(context.Background(), "task-2", func(ctx context.Context) error {
		return errors.New("always fails")
	}, Policy{MaxRestarts: 2, RestartWindow: time.Minute, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	require.Error(t, err)
}

func TestSupervisorDoesNotRestartUnrecoverableFailure(t *testing.T) {
	sup := New(nil, fakeClock())
	var attempts int32
	err := sup.Run(context.Background(), "task-3", func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("fatal")
	}, Policy{
		MaxRestarts: 5,
		Recoverable: func(error) bool { return false },
		BaseDelay:   time.Millisecond,
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), attempts)
}
