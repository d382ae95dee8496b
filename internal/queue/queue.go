// Package queue implements the priority- and dependency-aware task queue.
//
// Ready tasks dequeue from a heap ordered by (priority desc, insertion
// order), so higher priorities always dequeue first and ties stay FIFO.
// Dependency handling is id-based: a task enters the ready heap only when
// every id in its depends_on is in the completed set. A failed or cancelled
// dependency therefore blocks its dependents forever; failures do not
// cascade.
package queue

import (
	"container/heap"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Queue owns all submitted tasks. Workers hold ids only.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	ready     readyHeap
	completed map[string]bool
	seq       int64
	logger    *slog.Logger
}

// New creates an empty queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		tasks:     make(map[string]*models.Task),
		completed: make(map[string]bool),
		logger:    logger,
	}
}

// Add registers a task, assigning an id when missing. The task enters the
// ready heap immediately if all dependencies are already completed,
// otherwise it stays pending until they are.
func (q *Queue) Add(task *models.Task) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	q.tasks[task.ID] = task

	if q.dependenciesMetLocked(task) {
		q.pushReadyLocked(task)
		q.logger.Info("task queued", "task_id", task.ID, "name", task.Name)
	} else {
		task.Status = models.TaskPending
		q.logger.Info("task pending dependencies", "task_id", task.ID, "depends_on", task.DependsOn)
	}
	return task.ID
}

// Next returns the next ready task, marking it running, or nil when the
// queue is empty. A task is returned at most once.
func (q *Queue) Next() *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.ready.Len() > 0 {
		item := heap.Pop(&q.ready).(readyItem)
		task, ok := q.tasks[item.id]
		if !ok || task.Status != models.TaskQueued {
			// Cancelled or re-pushed under a newer entry; skip.
			continue
		}
		task.Status = models.TaskRunning
		task.StartedAt = time.Now()
		q.logger.Info("task started", "task_id", task.ID, "name", task.Name)
		return task
	}
	return nil
}

// Complete commits a result, marks the task completed, and promotes any
// pending tasks whose dependencies are now all satisfied. The completion
// callback runs with the queue unlocked; its errors are logged and dropped.
func (q *Queue) Complete(id string, result *models.TaskResult) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.Status = models.TaskCompleted
	task.CompletedAt = time.Now()
	task.Result = result
	q.completed[id] = true
	q.logger.Info("task completed", "task_id", id, "name", task.Name)

	q.promoteDependentsLocked(id)
	callback := task.Callback
	q.mu.Unlock()

	q.fireCallback(id, callback, result)
}

// Fail marks the task failed. Dependents stay pending; failure does not
// cascade.
func (q *Queue) Fail(id string, errMsg string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.Status = models.TaskFailed
	task.CompletedAt = time.Now()
	task.Error = errMsg
	callback := task.Callback
	q.mu.Unlock()

	q.logger.Error("task failed", "task_id", id, "error", errMsg)
	q.fireCallback(id, callback, &models.TaskResult{Status: "failed", Error: errMsg})
}

// Cancel transitions a pending or queued task to cancelled and reports
// whether it did. Running and terminal tasks are not cancellable here.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return false
	}
	if task.Status == models.TaskPending || task.Status == models.TaskQueued {
		task.Status = models.TaskCancelled
		q.logger.Info("task cancelled", "task_id", id, "name", task.Name)
		return true
	}
	return false
}

// Requeue puts a previously dequeued task back on the ready heap. Workers
// use this when no instance or backend slot is available.
func (q *Queue) Requeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok || task.Status.Terminal() {
		return
	}
	task.StartedAt = time.Time{}
	q.pushReadyLocked(task)
}

// Get returns a task by id.
func (q *Queue) Get(id string) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	return task, ok
}

// List returns task snapshots, optionally filtered by status, sorted by
// priority then creation time, newest first.
func (q *Queue) List(status models.TaskStatus, limit int) []models.Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}

	tasks := make([]*models.Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	out := make([]models.Info, len(tasks))
	for i, task := range tasks {
		out[i] = task.Snapshot(false)
	}
	return out
}

// Stats summarizes the queue for status endpoints.
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	byStatus := map[string]int{}
	for _, task := range q.tasks {
		byStatus[string(task.Status)]++
	}
	return map[string]any{
		"total_tasks": len(q.tasks),
		"queued":      q.ready.Len(),
		"completed":   len(q.completed),
		"by_status":   byStatus,
	}
}

// ClearCompleted drops completed tasks from memory and reports how many.
// The completed-id set is retained so dependency checks keep working.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for id, task := range q.tasks {
		if task.Status == models.TaskCompleted {
			delete(q.tasks, id)
			count++
		}
	}
	return count
}

func (q *Queue) dependenciesMetLocked(task *models.Task) bool {
	for _, dep := range task.DependsOn {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

func (q *Queue) promoteDependentsLocked(completedID string) {
	for _, task := range q.tasks {
		if task.Status != models.TaskPending {
			continue
		}
		depends := false
		for _, dep := range task.DependsOn {
			if dep == completedID {
				depends = true
				break
			}
		}
		if depends && q.dependenciesMetLocked(task) {
			q.pushReadyLocked(task)
			q.logger.Info("task queued after dependency", "task_id", task.ID, "name", task.Name)
		}
	}
}

func (q *Queue) pushReadyLocked(task *models.Task) {
	task.Status = models.TaskQueued
	q.seq++
	heap.Push(&q.ready, readyItem{
		id:       task.ID,
		priority: task.Priority,
		seq:      q.seq,
	})
}

func (q *Queue) fireCallback(id string, callback func(*models.TaskResult), result *models.TaskResult) {
	if callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task callback panicked", "task_id", id, "panic", r)
		}
	}()
	callback(result)
}

// readyItem orders the ready heap by priority (higher first), then by
// insertion order within a priority.
type readyItem struct {
	id       string
	priority models.TaskPriority
	seq      int64
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(readyItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
