package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

// SchedulerRepository stores periodic task instances.
type SchedulerRepository interface {
	CreateTask(ctx context.Context, task *Task) error
	// GetPendingTaskByName returns the pending or in-flight instance of a
	// periodic task, or ErrTaskNotFound.
	GetPendingTaskByName(ctx context.Context, name string) (*Task, error)
}

// Schedule computes the next run time.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type interval time.Duration

func (i interval) Next(from time.Time) time.Time { return from.Add(time.Duration(i)) }
func (i interval) String() string                { return "every " + time.Duration(i).String() }

// Every runs a task at a fixed interval. Non-positive durations are rejected by AddTask.
func Every(d time.Duration) Schedule {
	return interval(d)
}

type scheduledTask struct {
	name       string
	schedule   Schedule
	queue      string
	priority   Priority
	maxRetries int8
	lastRun    time.Time
}

// Scheduler creates instances of periodic tasks when they come due. At most one
// pending instance per task exists at a time.
type Scheduler struct {
	repo     SchedulerRepository
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]*scheduledTask
}

type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often due tasks are checked.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler returns a Scheduler enqueuing periodic tasks into repo.
func NewScheduler(repo SchedulerRepository, opts ...SchedulerOption) (*Scheduler, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	s := &Scheduler{
		repo:     repo,
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
		tasks:    make(map[string]*scheduledTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddTask registers a periodic task. The first instance is due immediately.
func (s *Scheduler) AddTask(name string, schedule Schedule, queue string, maxRetries int8) error {
	if name == "" || schedule == nil || !schedule.Next(time.Unix(0, 0)).After(time.Unix(0, 0)) {
		return ErrInvalidSchedule
	}
	if queue == "" {
		queue = DefaultQueueName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, name)
	}
	s.tasks[name] = &scheduledTask{
		name:       name,
		schedule:   schedule,
		queue:      queue,
		priority:   PriorityDefault,
		maxRetries: maxRetries,
	}
	s.logger.Info("registered periodic task", logger.Task(name), slog.String("schedule", schedule.String()))
	return nil
}

// Run returns a blocking function suitable for errgroup.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		s.mu.Lock()
		n := len(s.tasks)
		s.mu.Unlock()
		if n == 0 {
			return ErrSchedulerNotConfigured
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}
}

// Tick creates every task instance that is due.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	due := make([]*scheduledTask, 0, len(s.tasks))
	now := s.now()
	for _, t := range s.tasks {
		if t.lastRun.IsZero() || !t.schedule.Next(t.lastRun).After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if err := s.enqueue(ctx, t, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to schedule periodic task", logger.Task(t.name), logger.Error(err))
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, t *scheduledTask, now time.Time) error {
	if existing, err := s.repo.GetPendingTaskByName(ctx, t.name); err == nil && existing != nil {
		s.markRun(t, now)
		return nil
	}

	err := s.repo.CreateTask(ctx, &Task{
		ID:          uuid.New(),
		Queue:       t.queue,
		TaskType:    TaskTypePeriodic,
		TaskName:    t.name,
		Status:      TaskStatusPending,
		Priority:    t.priority,
		MaxRetries:  t.maxRetries,
		ScheduledAt: now,
		CreatedAt:   now,
	})
	if err != nil {
		return err
	}
	s.markRun(t, now)
	s.logger.DebugContext(ctx, "scheduled periodic task", logger.Task(t.name))
	return nil
}

func (s *Scheduler) markRun(t *scheduledTask, at time.Time) {
	s.mu.Lock()
	t.lastRun = at
	s.mu.Unlock()
}
