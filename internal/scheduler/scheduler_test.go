package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startScheduler runs the drain loop and returns a stop function.
func startScheduler(t *testing.T, s *Scheduler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = s.Start(ctx)
	}()
	return func() {
		cancel()
		<-s.done
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	s := New()
	s.Register(TaskDetectOutdated, func(context.Context) error { return nil })

	task, err := s.Dispatch(TaskDetectOutdated)
	require.NoError(t, err)
	assert.Equal(t, TaskDetectOutdated, task.Name)

	_, err = s.Dispatch("NO_SUCH_TASK")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()

	s := New(WithQueueCapacity(1))
	task := Task{Name: "noop", Run: func(context.Context) error { return nil }}

	require.NoError(t, s.Enqueue(task))
	err := s.Enqueue(task)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestTasksRunSeriallyInOrder(t *testing.T) {
	t.Parallel()

	s := New()
	stop := startScheduler(t, s)
	defer stop()

	var order []int
	var running bool
	for i := 0; i < 5; i++ {
		i := i
		res, err := s.EnqueueWait(context.Background(), Task{
			Name: "step",
			Run: func(context.Context) error {
				// The drain loop guarantees no overlap.
				require.False(t, running)
				running = true
				defer func() { running = false }()
				order = append(order, i)
				return nil
			},
		})
		require.NoError(t, err)
		assert.True(t, res.Success)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEnqueueWaitReturnsFailure(t *testing.T) {
	t.Parallel()

	s := New()
	stop := startScheduler(t, s)
	defer stop()

	res, err := s.EnqueueWait(context.Background(), Task{
		Name: "failing",
		Run: func(context.Context) error {
			return errors.New("registry down")
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "registry down", res.Error)
}

func TestPanicDoesNotKillTheScheduler(t *testing.T) {
	t.Parallel()

	s := New()
	stop := startScheduler(t, s)
	defer stop()

	res, err := s.EnqueueWait(context.Background(), Task{
		Name: "panicking",
		Run: func(context.Context) error {
			panic("boom")
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")

	// The drain loop survived and keeps executing.
	res, err = s.EnqueueWait(context.Background(), Task{
		Name: "after",
		Run:  func(context.Context) error { return nil },
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestEnqueueWaitHonoursContext(t *testing.T) {
	t.Parallel()

	// Never started: the task will not run, so the wait must give up with
	// the caller's context.
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.EnqueueWait(ctx, Task{
		Name: "stuck",
		Run:  func(context.Context) error { return nil },
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntervalTriggerEnqueuesRegisteredTask(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{}, 8)
	s := New()
	s.Register(TaskDetectOutdated, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	s.Every(TaskDetectOutdated, 10*time.Millisecond)

	stop := startScheduler(t, s)
	defer stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("interval trigger never fired")
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	s := New()
	started := make(chan struct{})
	go func() {
		close(started)
		_ = s.Start(context.Background())
	}()
	<-started

	// Give Start a moment to install its cancel func.
	require.Eventually(t, func() bool {
		return s.Stop() == nil
	}, time.Second, 10*time.Millisecond)
}

func TestUntilNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		now    time.Time
		hour   int
		minute int
		want   time.Duration
	}{
		{
			name: "later today",
			now:  time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
			hour: 14, minute: 30,
			want: 4*time.Hour + 30*time.Minute,
		},
		{
			name: "already passed, tomorrow",
			now:  time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
			hour: 2, minute: 0,
			want: 16 * time.Hour,
		},
		{
			name: "exactly now rolls to tomorrow",
			now:  time.Date(2026, 7, 1, 2, 0, 0, 0, time.UTC),
			hour: 2, minute: 0,
			want: 24 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, untilNext(tt.now, tt.hour, tt.minute))
		})
	}
}
