package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSettings(name string) TaskSettings {
	return TaskSettings{
		Name:           name,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

type transitionRecorder struct {
	mu          sync.Mutex
	transitions []TaskState
}

func (tr *transitionRecorder) record(_ string, _, to TaskState) {
	tr.mu.Lock()
	tr.transitions = append(tr.transitions, to)
	tr.mu.Unlock()
}

func (tr *transitionRecorder) all() []TaskState {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]TaskState(nil), tr.transitions...)
}

func TestSupervisedTaskCleanStop(t *testing.T) {
	recorder := &transitionRecorder{}
	settings := fastSettings("clean")
	settings.OnStateChange = recorder.record
	task := NewSupervisedTask(settings)

	err := task.Run(context.Background(), func(_ context.Context, started func()) error {
		started()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, TaskStateIdle, task.State())
	assert.Equal(t, []TaskState{TaskStateConnecting, TaskStateRunning, TaskStateIdle}, recorder.all())
	assert.Nil(t, task.LastError())
}

func TestSupervisedTaskRetriesThenSucceeds(t *testing.T) {
	task := NewSupervisedTask(fastSettings("flaky"))

	failures := 0
	err := task.Run(context.Background(), func(_ context.Context, started func()) error {
		if failures < 2 {
			failures++
			return errors.New("setup failed")
		}
		started()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, failures)
	assert.Equal(t, TaskStateIdle, task.State())
}

func TestSupervisedTaskExhaustsRetries(t *testing.T) {
	task := NewSupervisedTask(fastSettings("doomed"))

	wantErr := errors.New("broker unreachable")
	attempts := 0
	err := task.Run(context.Background(), func(_ context.Context, _ func()) error {
		attempts++
		return wantErr
	})

	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, TaskStateFailed, task.State())
	// Initial attempt plus MaxRetries restarts.
	assert.Equal(t, 4, attempts)
	assert.ErrorIs(t, task.LastError(), wantErr)
}

func TestSupervisedTaskSuccessfulStartResetsRetryBudget(t *testing.T) {
	task := NewSupervisedTask(fastSettings("recovering"))

	attempts := 0
	err := task.Run(context.Background(), func(_ context.Context, started func()) error {
		attempts++
		switch {
		case attempts <= 3:
			// Burn most of the retry budget before the first success.
			return errors.New("early failure")
		case attempts == 4:
			// A successful start resets the budget, so the failures
			// after it get a fresh set of retries.
			started()
			return errors.New("dropped after running")
		case attempts < 7:
			return errors.New("late failure")
		default:
			started()
			return nil
		}
	})

	require.NoError(t, err)
	assert.Equal(t, 7, attempts)
	assert.Equal(t, TaskStateIdle, task.State())
}

func TestSupervisedTaskContextCancelledDuringBackoff(t *testing.T) {
	settings := fastSettings("cancelled")
	settings.InitialBackoff = time.Minute
	settings.MaxBackoff = time.Minute
	task := NewSupervisedTask(settings)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := task.Run(ctx, func(_ context.Context, _ func()) error {
		return errors.New("setup failed")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TaskStateIdle, task.State())
}

func TestSupervisedTaskContextCancelledWhileRunning(t *testing.T) {
	task := NewSupervisedTask(fastSettings("running"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := task.Run(ctx, func(runCtx context.Context, started func()) error {
		started()
		<-runCtx.Done()
		return runCtx.Err()
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, TaskStateIdle, task.State())
}

func TestTaskStateString(t *testing.T) {
	assert.Equal(t, "idle", TaskStateIdle.String())
	assert.Equal(t, "connecting", TaskStateConnecting.String())
	assert.Equal(t, "running", TaskStateRunning.String())
	assert.Equal(t, "failed", TaskStateFailed.String())
	assert.Equal(t, "unknown", TaskState(99).String())
}
