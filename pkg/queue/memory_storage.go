package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements every repository interface in memory.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	dead  []DeadTask
	now   func() time.Time
}

// NewMemoryStorage returns in-memory task storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tasks: make(map[uuid.UUID]*Task), now: time.Now}
}

func (m *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.TaskType == TaskTypePeriodic {
		for _, t := range m.tasks {
			if t.TaskName == task.TaskName && t.TaskType == TaskTypePeriodic && isLive(t.Status) {
				return nil
			}
		}
	}
	cp := *task
	cp.Payload = slices.Clone(task.Payload)
	m.tasks[task.ID] = &cp
	return nil
}

func isLive(s TaskStatus) bool {
	return s == TaskStatusPending || s == TaskStatusProcessing
}

func (m *MemoryStorage) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lock time.Duration) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *Task
	for _, t := range m.tasks {
		if !slices.Contains(queues, t.Queue) || t.ScheduledAt.After(now) {
			continue
		}
		expired := t.Status == TaskStatusProcessing && t.LockedUntil != nil && t.LockedUntil.Before(now)
		if t.Status != TaskStatusPending && !expired {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.ScheduledAt.Before(best.ScheduledAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	until := now.Add(lock)
	best.Status = TaskStatusProcessing
	best.LockedUntil = &until
	best.LockedBy = &workerID
	cp := *best
	return &cp, nil
}

func (m *MemoryStorage) processing(id uuid.UUID) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != TaskStatusProcessing {
		return nil, ErrTaskNotProcessing
	}
	return t, nil
}

func (m *MemoryStorage) CompleteTask(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.processing(id)
	if err != nil {
		return err
	}
	now := m.now()
	t.Status = TaskStatusCompleted
	t.ProcessedAt = &now
	t.LockedUntil, t.LockedBy = nil, nil
	return nil
}

func (m *MemoryStorage) FailTask(_ context.Context, id uuid.UUID, errMsg string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.processing(id)
	if err != nil {
		return err
	}
	t.RetryCount++
	t.Error = &errMsg
	t.Status = TaskStatusPending
	t.ScheduledAt = retryAt
	t.LockedUntil, t.LockedBy = nil, nil
	return nil
}

func (m *MemoryStorage) MoveToDLQ(_ context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	m.dead = append(m.dead, DeadTask{
		ID:         uuid.New(),
		TaskID:     t.ID,
		Queue:      t.Queue,
		TaskType:   t.TaskType,
		TaskName:   t.TaskName,
		Payload:    t.Payload,
		Priority:   t.Priority,
		Error:      errMsg,
		RetryCount: t.RetryCount,
		FailedAt:   m.now(),
	})
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStorage) GetPendingTaskByName(_ context.Context, name string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.TaskName == name && isLive(t.Status) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTaskNotFound
}

// Tasks returns a snapshot of stored tasks.
func (m *MemoryStorage) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// DeadTasks returns a snapshot of the dead letter queue.
func (m *MemoryStorage) DeadTasks() []DeadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.dead)
}
