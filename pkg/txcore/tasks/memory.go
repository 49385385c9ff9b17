package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskExists is returned when a named task was already submitted.
var ErrTaskExists = errors.New("task already exists")

// MemoryQueue keeps submitted tasks in memory.
type MemoryQueue struct {
	name string
	now  func() time.Time

	mu    sync.Mutex
	tasks map[string]Descriptor
	order []string
	err   error
}

var _ TaskQueue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(name string) *MemoryQueue {
	return &MemoryQueue{name: name, now: time.Now, tasks: make(map[string]Descriptor)}
}

// FailWith makes every following Submit return err. Nil clears it.
func (q *MemoryQueue) FailWith(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

// Submit implements TaskQueue.
func (q *MemoryQueue) Submit(ctx context.Context, d Descriptor) (TaskHandle, error) {
	if err := ctx.Err(); err != nil {
		return TaskHandle{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return TaskHandle{}, q.err
	}
	if d.Name == "" {
		d.Name = uuid.NewString()
	}
	if _, ok := q.tasks[d.Name]; ok {
		return TaskHandle{}, fmt.Errorf("%w: %s", ErrTaskExists, d.Name)
	}
	q.tasks[d.Name] = d
	q.order = append(q.order, d.Name)

	at := q.now().UTC()
	if d.ScheduleTime != nil {
		at = *d.ScheduleTime
	}
	return TaskHandle{Name: d.Name, Queue: q.name, ScheduleTime: at}, nil
}

// Submitted returns descriptors in submission order.
func (q *MemoryQueue) Submitted() []Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Descriptor, 0, len(q.order))
	for _, name := range q.order {
		if d, ok := q.tasks[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Due returns up to limit tasks whose schedule time is at or before now,
// earliest first. Tasks without a schedule time are always due.
func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]Descriptor, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Descriptor
	for _, name := range q.order {
		d, ok := q.tasks[name]
		if !ok {
			continue
		}
		if d.ScheduleTime == nil || !d.ScheduleTime.After(now) {
			due = append(due, d)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return scheduledAt(due[i]).Before(scheduledAt(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Complete removes a task.
func (q *MemoryQueue) Complete(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, name)
	return nil
}

func scheduledAt(d Descriptor) time.Time {
	if d.ScheduleTime == nil {
		return time.Time{}
	}
	return *d.ScheduleTime
}
