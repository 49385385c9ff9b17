package saga

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// ErrExecutionNotFound is returned when an execution cannot be found.
var ErrExecutionNotFound = errors.New("execution not found")

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Name   string         `json:"name"`
	Status StepStatus     `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Execution is the persisted record of one saga run.
type Execution struct {
	Handle             Handle       `json:"handle"`
	SagaID             string       `json:"saga_id"`
	State              State        `json:"state"`
	Steps              []Step       `json:"steps"`
	Results            []StepResult `json:"results"`
	StartTime          time.Time    `json:"start_time"`
	EndTime            *time.Time   `json:"end_time,omitempty"`
	Error              string       `json:"error,omitempty"`
	Compensation       Compensation `json:"compensation,omitempty"`
	CompensationErrors []string     `json:"compensation_errors,omitempty"`
}

// Clone returns a deep enough copy for safe sharing across goroutines.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Steps = slices.Clone(e.Steps)
	c.Results = slices.Clone(e.Results)
	c.CompensationErrors = slices.Clone(e.CompensationErrors)
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	return &c
}

// Statuses returns the step statuses in order.
func (e *Execution) Statuses() []StepStatus {
	out := make([]StepStatus, len(e.Results))
	for i, r := range e.Results {
		out[i] = r.Status
	}
	return out
}

// Status converts the record to the polled status view.
func (e *Execution) Status() Status {
	s := Status{
		Handle:    e.Handle,
		State:     e.State,
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
		Error:     e.Error,
		Result: &Result{
			SagaID:             e.SagaID,
			Steps:              slices.Clone(e.Results),
			Compensation:       e.Compensation,
			CompensationErrors: slices.Clone(e.CompensationErrors),
		},
	}
	return s
}

// ListFilter selects executions.
type ListFilter struct {
	SagaID string
	State  State
	Limit  int
	Offset int
}

// ExecutionStore persists execution records. Implementations must be safe
// for concurrent use.
type ExecutionStore interface {
	Create(ctx context.Context, e *Execution) error
	Update(ctx context.Context, e *Execution) error
	Get(ctx context.Context, h Handle) (*Execution, error)
	List(ctx context.Context, filter *ListFilter) ([]*Execution, error)
	Delete(ctx context.Context, h Handle) error
}

// MemoryStore is an in-memory ExecutionStore.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[Handle]*Execution
}

var _ ExecutionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[Handle]*Execution)}
}

func (s *MemoryStore) Create(_ context.Context, e *Execution) error {
	if e.Handle == "" {
		return fmt.Errorf("execution handle is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.Handle]; exists {
		return fmt.Errorf("execution %q already exists", e.Handle)
	}
	s.executions[e.Handle] = e.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.Handle]; !exists {
		return ErrExecutionNotFound
	}
	s.executions[e.Handle] = e.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, h Handle) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, exists := s.executions[h]
	if !exists {
		return nil, ErrExecutionNotFound
	}
	return e.Clone(), nil
}

// List returns matching executions, oldest first.
func (s *MemoryStore) List(_ context.Context, filter *ListFilter) ([]*Execution, error) {
	s.mu.RLock()
	var result []*Execution
	for _, e := range s.executions {
		if filter != nil {
			if filter.SagaID != "" && e.SagaID != filter.SagaID {
				continue
			}
			if filter.State != "" && e.State != filter.State {
				continue
			}
		}
		result = append(result, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].Handle < result[j].Handle
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(result) {
				return []*Execution{}, nil
			}
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(result) {
			result = result[:filter.Limit]
		}
	}
	return result, nil
}

func (s *MemoryStore) Delete(_ context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[h]; !exists {
		return ErrExecutionNotFound
	}
	delete(s.executions, h)
	return nil
}
