package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

// WorkerRepository claims and finalizes tasks.
type WorkerRepository interface {
	// ClaimTask locks the next due task of the given queues. Tasks whose lock
	// expired are claimable again. Returns ErrNoTaskToClaim when none is due.
	ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lock time.Duration) (*Task, error)
	CompleteTask(ctx context.Context, taskID uuid.UUID) error
	// FailTask records the error, increments the retry count and reschedules
	// the task at retryAt.
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryAt time.Time) error
	MoveToDLQ(ctx context.Context, taskID uuid.UUID, errMsg string) error
}

// Worker polls for tasks and runs them on a bounded number of goroutines.
type Worker struct {
	repo         WorkerRepository
	id           uuid.UUID
	queues       []string
	pollInterval time.Duration
	lockTimeout  time.Duration
	retryBackoff time.Duration
	concurrency  int
	logger       *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool
}

type WorkerOption func(*Worker)

// WithQueues sets the queues the worker pulls from.
func WithQueues(queues ...string) WorkerOption {
	return func(w *Worker) {
		if len(queues) > 0 {
			w.queues = queues
		}
	}
}

// WithPullInterval sets the delay between empty pulls.
func WithPullInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithLockTimeout sets how long a task stays locked.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.lockTimeout = d
		}
	}
}

// WithRetryBackoff sets the base retry delay.
func WithRetryBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d >= 0 {
			w.retryBackoff = d
		}
	}
}

// WithMaxConcurrentTasks caps in-flight tasks.
func WithMaxConcurrentTasks(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWorkerConfig applies a Config.
func WithWorkerConfig(cfg Config) WorkerOption {
	return func(w *Worker) {
		WithPullInterval(cfg.PollInterval)(w)
		WithLockTimeout(cfg.LockTimeout)(w)
		WithMaxConcurrentTasks(cfg.MaxConcurrentTasks)(w)
		WithRetryBackoff(cfg.RetryBackoff)(w)
	}
}

// NewWorker returns a Worker pulling tasks from repo.
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	w := &Worker{
		repo:         repo,
		id:           uuid.New(),
		queues:       []string{DefaultQueueName},
		pollInterval: 2 * time.Second,
		lockTimeout:  5 * time.Minute,
		retryBackoff: 30 * time.Second,
		concurrency:  1,
		logger:       slog.Default(),
		handlers:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// RegisterHandler adds handlers keyed by their names.
func (w *Worker) RegisterHandler(handlers ...Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range handlers {
		if h == nil {
			continue
		}
		if _, ok := w.handlers[h.Name()]; ok {
			return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, h.Name())
		}
		w.handlers[h.Name()] = h
	}
	return nil
}

// Run returns a blocking function suitable for errgroup. It stops polling when
// ctx is canceled and waits for in-flight tasks.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		w.mu.Lock()
		if w.running {
			w.mu.Unlock()
			return ErrWorkerRunning
		}
		if len(w.handlers) == 0 {
			w.mu.Unlock()
			return ErrNoHandlers
		}
		w.running = true
		w.mu.Unlock()

		defer func() {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
		}()

		w.logger.InfoContext(ctx, "queue worker started",
			slog.String("worker_id", w.id.String()),
			slog.Any("queues", w.queues),
			slog.Int("concurrency", w.concurrency))

		var wg sync.WaitGroup
		sem := make(chan struct{}, w.concurrency)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				wg.Wait()
				w.logger.Info("queue worker stopped", slog.String("worker_id", w.id.String()))
				return nil
			case <-ticker.C:
			}

			select {
			case sem <- struct{}{}:
			default:
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if _, err := w.ProcessNext(ctx); err != nil && !errors.Is(err, ErrHandlerNotFound) {
					w.logger.ErrorContext(ctx, "queue task processing failed", logger.Error(err))
				}
			}()
		}
	}
}

// ProcessNext claims and runs at most one task. It reports whether a task was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.repo.ClaimTask(ctx, w.id, w.queues, w.lockTimeout)
	if errors.Is(err, ErrNoTaskToClaim) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return true, w.process(ctx, task)
}

func (w *Worker) process(parent context.Context, task *Task) (err error) {
	// Tasks finish on shutdown; only the lock timeout bounds them.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.lockTimeout)
	defer cancel()

	w.mu.RLock()
	h, ok := w.handlers[task.TaskName]
	w.mu.RUnlock()
	if !ok {
		msg := "no handler registered for task: " + task.TaskName
		if err := w.repo.MoveToDLQ(ctx, task.ID, msg); err != nil {
			return fmt.Errorf("move task %s to dlq: %w", task.ID, err)
		}
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, task.TaskName)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = w.fail(ctx, task, fmt.Errorf("panic in handler: %v", r))
		}
	}()

	if herr := h.Handle(ctx, task.Payload); herr != nil {
		return w.fail(ctx, task, herr)
	}
	if err := w.repo.CompleteTask(ctx, task.ID); err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	w.logger.DebugContext(ctx, "queue task completed",
		logger.Task(task.TaskName), logger.Duration(time.Since(start)))
	return nil
}

func (w *Worker) fail(ctx context.Context, task *Task, cause error) error {
	attempt := task.RetryCount + 1
	w.logger.WarnContext(ctx, "queue task failed",
		logger.Task(task.TaskName),
		slog.String("task_id", task.ID.String()),
		logger.RetryCount(int(attempt)),
		logger.Error(cause))

	if attempt > task.MaxRetries {
		if err := w.repo.MoveToDLQ(ctx, task.ID, cause.Error()); err != nil {
			return fmt.Errorf("move task %s to dlq: %w", task.ID, err)
		}
		w.logger.ErrorContext(ctx, "queue task moved to dead letter queue",
			logger.Task(task.TaskName), slog.String("task_id", task.ID.String()))
		return nil
	}

	retryAt := time.Now().Add(retryDelay(w.retryBackoff, attempt))
	if err := w.repo.FailTask(ctx, task.ID, cause.Error(), retryAt); err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	return nil
}
