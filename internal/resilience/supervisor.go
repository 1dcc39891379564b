package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TaskState represents the lifecycle state of a supervised task.
type TaskState int32

const (
	TaskStateIdle       TaskState = iota // Not started, or stopped cleanly
	TaskStateConnecting                  // Attempting to establish, or backing off before a retry
	TaskStateRunning                     // Established and working
	TaskStateFailed                      // Retries exhausted, terminal
)

func (s TaskState) String() string {
	switch s {
	case TaskStateIdle:
		return "idle"
	case TaskStateConnecting:
		return "connecting"
	case TaskStateRunning:
		return "running"
	case TaskStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TaskSettings configures a SupervisedTask.
type TaskSettings struct {
	// Name identifies this task for logging and state change callbacks.
	Name string

	// MaxRetries is the number of restart attempts after the first failure
	// before the task is marked Failed.
	MaxRetries int

	// InitialBackoff is the delay before the first retry. Each subsequent
	// retry doubles the delay up to MaxBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration

	// OnStateChange is called when the task changes state.
	OnStateChange func(name string, from, to TaskState)
}

// DefaultTaskSettings returns sensible defaults for a supervised task.
func DefaultTaskSettings(name string) TaskSettings {
	return TaskSettings{
		Name:           name,
		MaxRetries:     5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// TaskFunc is the body of a supervised task. It should call started once its
// setup has succeeded and it is doing useful work, then block until it fails
// or its context ends. Returning nil means a clean stop.
type TaskFunc func(ctx context.Context, started func()) error

// SupervisedTask restarts a long-running function with bounded exponential
// backoff. After MaxRetries consecutive failed attempts the task transitions
// to a terminal Failed state instead of retrying forever, so operators see a
// clear signal rather than a silent crash loop.
type SupervisedTask struct {
	settings TaskSettings

	mu    sync.Mutex
	state TaskState

	attempts atomic.Int64
	lastErr  atomic.Value // error
}

// NewSupervisedTask creates a supervised task with the given settings.
func NewSupervisedTask(settings TaskSettings) *SupervisedTask {
	if settings.MaxRetries <= 0 {
		settings.MaxRetries = 5
	}
	if settings.InitialBackoff <= 0 {
		settings.InitialBackoff = 2 * time.Second
	}
	if settings.MaxBackoff < settings.InitialBackoff {
		settings.MaxBackoff = settings.InitialBackoff
	}

	return &SupervisedTask{
		settings: settings,
		state:    TaskStateIdle,
	}
}

// Run executes fn under supervision, blocking until fn stops cleanly, the
// context ends, or retries are exhausted. The returned error is the last
// failure when the task ends Failed, nil on a clean stop, and the context
// error on cancellation.
func (st *SupervisedTask) Run(ctx context.Context, fn TaskFunc) error {
	backoff := st.settings.InitialBackoff

	for attempt := 0; ; attempt++ {
		st.attempts.Store(int64(attempt + 1))
		st.setState(TaskStateConnecting)

		err := fn(ctx, func() {
			// Successful setup resets the retry budget.
			backoff = st.settings.InitialBackoff
			attempt = 0
			st.setState(TaskStateRunning)
		})
		if err == nil {
			st.setState(TaskStateIdle)
			return nil
		}
		if ctx.Err() != nil {
			st.setState(TaskStateIdle)
			return ctx.Err()
		}

		st.lastErr.Store(err)

		if attempt >= st.settings.MaxRetries {
			st.setState(TaskStateFailed)
			return err
		}

		select {
		case <-ctx.Done():
			st.setState(TaskStateIdle)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > st.settings.MaxBackoff {
			backoff = st.settings.MaxBackoff
		}
	}
}

// State returns the current task state.
func (st *SupervisedTask) State() TaskState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Name returns the task name.
func (st *SupervisedTask) Name() string {
	return st.settings.Name
}

// Attempts returns the number of start attempts in the current retry cycle.
func (st *SupervisedTask) Attempts() int64 {
	return st.attempts.Load()
}

// LastError returns the most recent failure, or nil if there has been none.
func (st *SupervisedTask) LastError() error {
	err, _ := st.lastErr.Load().(error)
	return err
}

// setState transitions to a new state.
func (st *SupervisedTask) setState(newState TaskState) {
	st.mu.Lock()
	if st.state == newState {
		st.mu.Unlock()
		return
	}
	oldState := st.state
	st.state = newState
	st.mu.Unlock()

	if st.settings.OnStateChange != nil {
		st.settings.OnStateChange(st.settings.Name, oldState, newState)
	}
}
