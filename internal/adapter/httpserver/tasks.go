package httpserver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Task statuses.
const (
	TaskPending  = "pending"
	TaskComplete = "complete"
	TaskFailed   = "failed"
)

// Task is one backgrounded mutation: 202 at submit, polled at
// /unit_api/task_results/<task_id>.
type Task struct {
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskRegistry runs named work in the background and remembers outcomes.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTaskRegistry builds an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]*Task)}
}

// Submit launches fn in a goroutine and returns the pending task.
func (r *TaskRegistry) Submit(name string, fn func(ctx context.Context) (any, error)) Task {
	t := &Task{
		TaskID:    uuid.NewString(),
		Name:      name,
		Status:    TaskPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.tasks[t.TaskID] = t
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		result, err := fn(ctx)
		r.mu.Lock()
		defer r.mu.Unlock()
		t.UpdatedAt = time.Now().UTC()
		if err != nil {
			t.Status = TaskFailed
			t.Error = err.Error()
			return
		}
		t.Status = TaskComplete
		t.Result = result
	}()
	return *t
}

// Complete records work that finished synchronously, so callers still get
// the 202 task shape.
func (r *TaskRegistry) Complete(name string, result any) Task {
	t := &Task{
		TaskID:    uuid.NewString(),
		Name:      name,
		Status:    TaskComplete,
		Result:    result,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.tasks[t.TaskID] = t
	r.mu.Unlock()
	return *t
}

// Get returns a task snapshot.
func (r *TaskRegistry) Get(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, domain.ErrNotFound
	}
	return *t, nil
}

// acceptedResponse is the 202 body for backgrounded mutations.
type acceptedResponse struct {
	TaskID        string `json:"task_id"`
	ResultURLPath string `json:"result_url_path"`
}

func accepted(t Task) acceptedResponse {
	return acceptedResponse{TaskID: t.TaskID, ResultURLPath: "/unit_api/task_results/" + t.TaskID}
}
