// Package scheduler owns the timers and the FIFO queue that serialize every
// reconciliation pass. The single drain goroutine is the engine's only
// concurrency-control mechanism: at most one task body executes at a time,
// so the passes never need locks on shared state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bal-adresse/publication-server/internal/telemetry"
)

// Well-known task identifiers.
const (
	// TaskDetectOutdated flips synced records with newer local edits.
	TaskDetectOutdated = "DETECT_OUTDATED"

	// TaskDetectConflict reconciles local records against registry activity.
	TaskDetectConflict = "DETECT_CONFLICT"

	// TaskSyncOutdated republishes records outdated past the debounce window.
	TaskSyncOutdated = "SYNC_OUTDATED"

	// TaskForcePublish republishes one record, overriding a conflict.
	TaskForcePublish = "FORCE_PUBLISH"

	// TaskPurgeDemo removes stale demo base locales.
	TaskPurgeDemo = "PURGE_DEMO"
)

// defaultQueueCapacity bounds pending tasks so a stuck pass surfaces as
// enqueue failures instead of unbounded memory growth.
const defaultQueueCapacity = 64

// Func is a task body.
type Func func(ctx context.Context) error

// Result is the outcome of one executed task.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Task is one queued unit of work.
type Task struct {
	Name string
	Run  Func

	// done, when non-nil, receives the task's Result exactly once.
	done chan Result
}

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("task queue is full")

// ErrUnknownTask is returned by Dispatch for an unregistered task name.
var ErrUnknownTask = errors.New("unknown task")

// Scheduler serializes task execution through a bounded FIFO queue drained
// by exactly one goroutine.
type Scheduler struct {
	queue   chan Task
	runners map[string]Func
	ticks   []tickTrigger
	dailies []dailyTrigger
	metrics *telemetry.SyncMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

type tickTrigger struct {
	name     string
	interval time.Duration
}

type dailyTrigger struct {
	name   string
	hour   int
	minute int
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithQueueCapacity overrides the queue bound.
func WithQueueCapacity(n int) Option {
	return func(s *Scheduler) {
		s.queue = make(chan Task, n)
	}
}

// WithMetrics records task durations on the given instruments.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler. Register named tasks and triggers before Start.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:   make(chan Task, defaultQueueCapacity),
		runners: make(map[string]Func),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a task name to its body, making it dispatchable by string
// identifier. Not safe to call after Start.
func (s *Scheduler) Register(name string, fn Func) {
	s.runners[name] = fn
}

// Every enqueues the named task at a fixed interval once started.
func (s *Scheduler) Every(name string, interval time.Duration) {
	s.ticks = append(s.ticks, tickTrigger{name: name, interval: interval})
}

// DailyAt enqueues the named task once a day at the given local time.
func (s *Scheduler) DailyAt(name string, hour, minute int) {
	s.dailies = append(s.dailies, dailyTrigger{name: name, hour: hour, minute: minute})
}

// Dispatch builds a queueable Task from a registered name.
func (s *Scheduler) Dispatch(name string) (Task, error) {
	fn, ok := s.runners[name]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return Task{Name: name, Run: fn}, nil
}

// Enqueue pushes a task onto the queue without waiting for its execution.
func (s *Scheduler) Enqueue(task Task) error {
	select {
	case s.queue <- task:
		return nil
	default:
		return fmt.Errorf("%w: dropping task %s", ErrQueueFull, task.Name)
	}
}

// EnqueueWait pushes a task and blocks until it has run, returning its
// Result. Used by the interactive force-publish surface.
func (s *Scheduler) EnqueueWait(ctx context.Context, task Task) (Result, error) {
	task.done = make(chan Result, 1)
	if err := s.Enqueue(task); err != nil {
		return Result{}, err
	}
	select {
	case res := <-task.done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Start runs the drain loop and all triggers. It blocks until the context
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer func() {
		close(s.done)
		slog.Info("task scheduler shutting down")
	}()

	for _, t := range s.ticks {
		go s.runTicker(runCtx, t)
	}
	for _, d := range s.dailies {
		go s.runDaily(runCtx, d)
	}

	slog.Info("task scheduler started",
		"interval_triggers", len(s.ticks),
		"daily_triggers", len(s.dailies),
		"queue_capacity", cap(s.queue))

	// The drain loop: strictly one task body at a time, each awaited to
	// completion before the next starts.
	for {
		select {
		case <-runCtx.Done():
			return nil
		case task := <-s.queue:
			s.execute(runCtx, task)
		}
	}
}

// Stop cancels the scheduler and waits for the drain loop to exit.
func (s *Scheduler) Stop() error {
	if s.cancel == nil {
		return errors.New("scheduler was never started")
	}
	s.cancel()
	<-s.done
	return nil
}

// execute runs one task body, converting panics and errors into a logged
// Result so a failing task never takes the scheduler down.
func (s *Scheduler) execute(ctx context.Context, task Task) {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		err = task.Run(ctx)
	}()
	elapsed := time.Since(start)

	result := Result{Success: err == nil}
	if err != nil {
		result.Error = err.Error()
		slog.Error("task failed", "task", task.Name, "duration", elapsed, "error", err)
	} else {
		slog.Debug("task completed", "task", task.Name, "duration", elapsed)
	}
	s.metrics.RecordTaskDuration(ctx, task.Name, elapsed, result.Success)

	if task.done != nil {
		task.done <- result
	}
}

func (s *Scheduler) runTicker(ctx context.Context, t tickTrigger) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueRegistered(t.name)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, d dailyTrigger) {
	for {
		wait := untilNext(time.Now(), d.hour, d.minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.enqueueRegistered(d.name)
		}
	}
}

func (s *Scheduler) enqueueRegistered(name string) {
	task, err := s.Dispatch(name)
	if err != nil {
		slog.Error("trigger refers to unregistered task", "task", name)
		return
	}
	if err := s.Enqueue(task); err != nil {
		slog.Warn("queue full, skipping scheduled task", "task", name)
	}
}

// untilNext returns the duration from now to the next occurrence of the
// given local wall-clock time.
func untilNext(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
