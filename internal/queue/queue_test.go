package queue

import (
	"testing"

	"github.com/haasonsaas/dispatch/pkg/models"
)

func newTask(name string, priority models.TaskPriority, deps ...string) *models.Task {
	task := models.NewTask("prompt for " + name)
	task.Name = name
	task.Priority = priority
	task.DependsOn = deps
	return task
}

func TestPriorityOrderingOnDequeue(t *testing.T) {
	q := New(nil)
	low := newTask("low", models.PriorityLow)
	normal := newTask("normal", models.PriorityNormal)
	critical := newTask("critical", models.PriorityCritical)
	high := newTask("high", models.PriorityHigh)

	q.Add(low)
	q.Add(normal)
	q.Add(critical)
	q.Add(high)

	var order []string
	for task := q.Next(); task != nil; task = q.Next() {
		order = append(order, task.Name)
	}
	want := []string{"critical", "high", "normal", "low"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("dequeue order = %v, want %v", order, want)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(nil)
	first := newTask("first", models.PriorityNormal)
	second := newTask("second", models.PriorityNormal)
	third := newTask("third", models.PriorityNormal)
	q.Add(first)
	q.Add(second)
	q.Add(third)

	for _, want := range []string{"first", "second", "third"} {
		task := q.Next()
		if task == nil || task.Name != want {
			t.Fatalf("got %v, want %s", task, want)
		}
	}
}

func TestNextReturnsTaskExactlyOnce(t *testing.T) {
	q := New(nil)
	task := newTask("solo", models.PriorityNormal)
	q.Add(task)

	got := q.Next()
	if got == nil || got.ID != task.ID {
		t.Fatalf("first Next() = %v", got)
	}
	if got.Status != models.TaskRunning || got.StartedAt.IsZero() {
		t.Fatalf("task not marked running: %+v", got)
	}
	if again := q.Next(); again != nil {
		t.Fatalf("task returned twice: %v", again)
	}
}

func TestDependencyGating(t *testing.T) {
	q := New(nil)
	a := newTask("a", models.PriorityNormal)
	b := newTask("b", models.PriorityNormal)
	q.Add(a)
	q.Add(b)

	c := newTask("c", models.PriorityNormal, a.ID, b.ID)
	q.Add(c)
	if c.Status != models.TaskPending {
		t.Fatalf("c status = %s, want pending", c.Status)
	}

	// Drain a and b into running state.
	if q.Next() == nil || q.Next() == nil {
		t.Fatal("a and b should both dequeue")
	}
	if q.Next() != nil {
		t.Fatal("c must not dequeue before dependencies complete")
	}

	q.Complete(a.ID, &models.TaskResult{Status: "completed"})
	if c.Status != models.TaskPending {
		t.Fatalf("c promoted with only one dependency done: %s", c.Status)
	}

	q.Complete(b.ID, &models.TaskResult{Status: "completed"})
	if c.Status != models.TaskQueued {
		t.Fatalf("c status = %s, want queued", c.Status)
	}

	got := q.Next()
	if got == nil || got.ID != c.ID {
		t.Fatalf("Next() = %v, want c", got)
	}
}

func TestFailedDependencyBlocksForever(t *testing.T) {
	q := New(nil)
	a := newTask("a", models.PriorityNormal)
	q.Add(a)
	c := newTask("c", models.PriorityNormal, a.ID)
	q.Add(c)

	q.Next()
	q.Fail(a.ID, "exploded")

	if c.Status != models.TaskPending {
		t.Fatalf("dependent status = %s, want pending", c.Status)
	}
	if q.Next() != nil {
		t.Fatal("dependent of a failed task must never dequeue")
	}

	stored, _ := q.Get(a.ID)
	if stored.Status != models.TaskFailed || stored.Error != "exploded" {
		t.Fatalf("failed task record = %+v", stored)
	}
	if stored.CompletedAt.IsZero() {
		t.Fatal("failed task should stamp completed_at")
	}
}

func TestCancelIdempotence(t *testing.T) {
	q := New(nil)
	task := newTask("x", models.PriorityNormal)
	q.Add(task)

	if !q.Cancel(task.ID) {
		t.Fatal("first cancel should return true")
	}
	if q.Cancel(task.ID) {
		t.Fatal("second cancel should return false")
	}
	if task.Status != models.TaskCancelled {
		t.Fatalf("status = %s", task.Status)
	}
}

func TestCancelledQueuedTaskNeverDequeues(t *testing.T) {
	q := New(nil)
	task := newTask("x", models.PriorityNormal)
	q.Add(task)
	q.Cancel(task.ID)

	if got := q.Next(); got != nil {
		t.Fatalf("cancelled task dequeued: %v", got)
	}
}

func TestCancelRunningRefused(t *testing.T) {
	q := New(nil)
	task := newTask("x", models.PriorityNormal)
	q.Add(task)
	q.Next()

	if q.Cancel(task.ID) {
		t.Fatal("running task must not be cancellable")
	}
}

func TestCancelUnknownID(t *testing.T) {
	q := New(nil)
	if q.Cancel("missing") {
		t.Fatal("unknown id should return false")
	}
	// Complete and Fail on unknown ids are no-ops.
	q.Complete("missing", &models.TaskResult{})
	q.Fail("missing", "nope")
}

func TestCompletionCallback(t *testing.T) {
	q := New(nil)
	task := newTask("cb", models.PriorityNormal)
	var got *models.TaskResult
	task.Callback = func(r *models.TaskResult) { got = r }
	q.Add(task)
	q.Next()
	q.Complete(task.ID, &models.TaskResult{Status: "completed", Output: "done"})

	if got == nil || got.Output != "done" {
		t.Fatalf("callback result = %+v", got)
	}
}

func TestCallbackPanicSwallowed(t *testing.T) {
	q := New(nil)
	task := newTask("boom", models.PriorityNormal)
	task.Callback = func(*models.TaskResult) { panic("callback bug") }
	q.Add(task)
	q.Next()
	q.Complete(task.ID, &models.TaskResult{Status: "completed"})

	stored, _ := q.Get(task.ID)
	if stored.Status != models.TaskCompleted {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestRequeue(t *testing.T) {
	q := New(nil)
	task := newTask("again", models.PriorityNormal)
	q.Add(task)

	first := q.Next()
	if first == nil {
		t.Fatal("expected task")
	}
	q.Requeue(task.ID)
	if task.Status != models.TaskQueued {
		t.Fatalf("status after requeue = %s", task.Status)
	}

	second := q.Next()
	if second == nil || second.ID != task.ID {
		t.Fatalf("requeued task did not come back: %v", second)
	}
}

func TestStatsAndClearCompleted(t *testing.T) {
	q := New(nil)
	a := newTask("a", models.PriorityNormal)
	b := newTask("b", models.PriorityNormal)
	q.Add(a)
	q.Add(b)
	q.Next()
	q.Complete(a.ID, &models.TaskResult{Status: "completed"})

	stats := q.Stats()
	if stats["total_tasks"].(int) != 2 {
		t.Fatalf("stats = %v", stats)
	}
	byStatus := stats["by_status"].(map[string]int)
	if byStatus["completed"] != 1 || byStatus["queued"] != 1 {
		t.Fatalf("by_status = %v", byStatus)
	}

	if removed := q.ClearCompleted(); removed != 1 {
		t.Fatalf("cleared %d, want 1", removed)
	}
	if _, ok := q.Get(a.ID); ok {
		t.Fatal("completed task should be gone")
	}

	// The completed set survives so dependents can still be promoted.
	d := newTask("d", models.PriorityNormal, a.ID)
	q.Add(d)
	if d.Status != models.TaskQueued {
		t.Fatalf("dependent of cleared task = %s, want queued", d.Status)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	q := New(nil)
	q.Add(newTask("n1", models.PriorityNormal))
	q.Add(newTask("h1", models.PriorityHigh))
	q.Add(newTask("n2", models.PriorityNormal))

	all := q.List("", 10)
	if len(all) != 3 {
		t.Fatalf("list = %d entries", len(all))
	}
	if all[0].Name != "h1" {
		t.Fatalf("first listed = %s, want h1", all[0].Name)
	}

	queued := q.List(models.TaskQueued, 10)
	if len(queued) != 3 {
		t.Fatalf("queued filter = %d", len(queued))
	}
	if limited := q.List("", 2); len(limited) != 2 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}
