// Package orchestrator ties the pipeline together: workers dequeue tasks,
// analyze and route them, execute them on pooled agent instances, and feed
// outcomes back into routing.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/analyzer"
	"github.com/haasonsaas/dispatch/internal/backend"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/events"
	"github.com/haasonsaas/dispatch/internal/instance"
	modelreg "github.com/haasonsaas/dispatch/internal/models"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/queue"
	"github.com/haasonsaas/dispatch/internal/router"
	"github.com/haasonsaas/dispatch/pkg/models"
)

const (
	// idleSleep is the worker backoff when the queue is empty.
	idleSleep = 500 * time.Millisecond

	// requeueSleep is the worker backoff after a requeue.
	requeueSleep = time.Second

	// statusInterval is the cadence of status snapshot events.
	statusInterval = 2 * time.Second
)

// Orchestrator owns every core component and the worker pool.
type Orchestrator struct {
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *observability.Metrics
	Broadcaster *events.Broadcaster

	Backends  *backend.Manager
	Registry  *modelreg.Registry
	Instances *instance.Manager
	Queue     *queue.Queue
	Analyzer  *analyzer.Analyzer
	Router    *router.Router

	mu          sync.Mutex
	running     bool
	workerCount int
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Options configure a new orchestrator.
type Options struct {
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Broadcaster *events.Broadcaster

	// SendFactory overrides the instance send primitive, used in tests.
	SendFactory instance.SendFactory
}

// New wires up the orchestrator and its components.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = events.NewBroadcaster()
	}

	backends := backend.NewManager(cfg.Swarm.Backends, logger)
	registry := modelreg.NewRegistry(backends, logger)
	instances := instance.NewManager(instance.ManagerOptions{
		MaxInstances:   cfg.Swarm.MaxInstances,
		DefaultWorkdir: cfg.Swarm.WorkspaceRoot,
		DefaultBackend: defaultBackendName(cfg),
		DefaultType:    cfg.Swarm.Backend,
		DefaultURL:     cfg.Swarm.OllamaURL,
		DefaultModel:   cfg.Swarm.OllamaModel,
		Backends:       backends,
		Broadcaster:    broadcaster,
		SendFactory:    opts.SendFactory,
		Logger:         logger,
	})

	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		metrics:     opts.Metrics,
		Broadcaster: broadcaster,
		Backends:    backends,
		Registry:    registry,
		Instances:   instances,
		Queue:       queue.New(logger),
		Analyzer:    analyzer.New(),
		Router:      router.New(registry, backends, logger),
	}
}

func defaultBackendName(cfg *config.Config) string {
	if len(cfg.Swarm.Backends) > 0 {
		return cfg.Swarm.Backends[0].Name
	}
	return "local"
}

// Start boots the backends, spawns the initial instances, and launches the
// worker pool.
func (o *Orchestrator) Start(ctx context.Context, initialInstances int) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.logger.Warn("orchestrator already running")
		return nil
	}
	o.running = true
	o.runCtx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.logger.Info("starting orchestrator", "initial_instances", initialInstances)

	o.Backends.Start(o.runCtx)
	o.Instances.SpawnMultiple(o.runCtx, initialInstances)

	workerCount := initialInstances
	if workerCount > o.cfg.Swarm.MaxInstances {
		workerCount = o.cfg.Swarm.MaxInstances
	}
	if workerCount < 1 {
		workerCount = 1
	}
	for i := range workerCount {
		o.startWorker(fmt.Sprintf("worker-%d", i))
	}
	o.mu.Lock()
	o.workerCount = workerCount
	o.mu.Unlock()

	o.wg.Add(1)
	go o.statusLoop(o.runCtx)

	o.logger.Info("orchestrator started", "workers", workerCount, "backends", len(o.cfg.Swarm.Backends))
	return nil
}

// Stop cancels the workers, terminates instances, and stops the backends.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator")
	cancel()
	o.wg.Wait()
	o.Instances.TerminateAll()
	o.Backends.Stop()
	o.logger.Info("orchestrator stopped")
}

// EnsureWorkers grows the worker pool to at least count and returns the
// resulting size. Workers are never removed.
func (o *Orchestrator) EnsureWorkers(count int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || count <= o.workerCount {
		return o.workerCount
	}
	for i := o.workerCount; i < count; i++ {
		o.startWorker(fmt.Sprintf("worker-%d", i))
	}
	o.logger.Info("workers scaled", "previous", o.workerCount, "current", count)
	o.workerCount = count
	return o.workerCount
}

func (o *Orchestrator) startWorker(id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.workerLoop(o.runCtx, id)
	}()
}

// workerLoop pulls tasks until the run context is cancelled.
func (o *Orchestrator) workerLoop(ctx context.Context, workerID string) {
	o.logger.Info("worker started", "worker_id", workerID)
	defer o.logger.Info("worker stopped", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task := o.Queue.Next()
		if task == nil {
			sleep(ctx, idleSleep)
			continue
		}

		o.logger.Info("worker processing task", "worker_id", workerID, "task_id", task.ID)
		o.processTask(ctx, task)
	}
}

// processTask runs the analyze -> route -> execute -> record pipeline for
// one task. Any failure converts to Queue.Fail plus a backend release; the
// worker itself never dies on a task.
func (o *Orchestrator) processTask(ctx context.Context, task *models.Task) {
	var analysis *analyzer.Analysis
	var decision *router.Decision

	useRouting := o.cfg.Swarm.Models.AutoSelect &&
		o.cfg.Swarm.Backend == config.BackendOllama &&
		task.InstanceID == ""

	if useRouting {
		a := o.Analyzer.Analyze(task.Prompt, nil)
		analysis = &a

		preferred := append([]string(nil), o.cfg.Swarm.Models.Preferred...)
		if meta, ok := task.Metadata["preferred_model"].(string); ok && meta != "" && !contains(preferred, meta) {
			preferred = append([]string{meta}, preferred...)
		}
		preferSpeed, _ := task.Metadata["prefer_speed"].(bool)

		d := o.Router.Route(ctx, a, router.Options{
			PreferSpeed:     preferSpeed,
			PreferredModels: preferred,
			FallbackModel:   o.cfg.Swarm.Models.Fallback,
		})
		decision = &d
		o.logger.Info("task routed",
			"task_id", task.ID,
			"model", d.Model,
			"backend", d.BackendName,
			"score", d.Score,
			"reason", d.Reason)
	}

	// Resolve an instance: pinned id, routed pair, or any idle one.
	var inst *instance.Instance
	if task.InstanceID != "" {
		inst, _ = o.Instances.Get(task.InstanceID)
	} else if decision != nil {
		inst, _ = o.Instances.GetOrSpawnForModel(ctx, decision.Model, task.WorkingDirectory, decision.BackendName)
	}
	if inst == nil {
		inst = o.Instances.GetIdle()
	}
	if inst == nil || !inst.MarkBusy(task.ID) {
		o.Queue.Requeue(task.ID)
		sleep(ctx, requeueSleep)
		return
	}

	actualBackend := inst.BackendName
	if actualBackend == "" && decision != nil {
		actualBackend = decision.BackendName
	}
	if actualBackend != "" && !o.Backends.Acquire(actualBackend) {
		// Saturated; put the task back and free the instance.
		inst.MarkIdle()
		o.Queue.Requeue(task.ID)
		sleep(ctx, requeueSleep)
		return
	}

	meta := map[string]any{}
	for k, v := range task.Metadata {
		meta[k] = v
	}
	meta["task_id"] = task.ID
	if analysis != nil {
		meta["task_type"] = string(analysis.TaskType)
		meta["complexity"] = string(analysis.Complexity)
	}
	if decision != nil {
		meta["routed_model"] = decision.Model
		meta["routing_score"] = decision.Score
		meta["routed_backend"] = decision.BackendName
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Swarm.DefaultTaskTimeout()
	}
	execCtx, cancelExec := context.WithTimeout(ctx, timeout)
	t0 := time.Now()
	result, err := inst.Execute(execCtx, instance.Command{
		Prompt:           task.Prompt,
		WorkingDirectory: task.WorkingDirectory,
		Timeout:          timeout,
		Metadata:         meta,
	})
	cancelExec()
	durationMS := float64(time.Since(t0)) / float64(time.Millisecond)

	success := false
	switch {
	case err != nil:
		o.logger.Error("task execution failed", "task_id", task.ID, "error", err)
		o.Queue.Fail(task.ID, err.Error())
		if actualBackend != "" {
			o.Backends.Release(actualBackend, false, durationMS, err.Error())
		}
	case result.Status == "error":
		o.logger.Warn("task backend error", "task_id", task.ID, "error", result.Error)
		o.Queue.Fail(task.ID, result.Error)
		if actualBackend != "" {
			o.Backends.Release(actualBackend, false, durationMS, result.Error)
		}
	default:
		success = true
		o.Queue.Complete(task.ID, result)
		if actualBackend != "" {
			o.Backends.Release(actualBackend, true, durationMS, "")
		}
	}

	if decision != nil && analysis != nil {
		o.Router.RecordOutcome(decision.Model, string(analysis.TaskType), success, durationMS, actualBackend)
	}

	o.recordTaskMetrics(task, analysis, result, durationMS, success)

	finalStatus := models.TaskFailed
	if success {
		finalStatus = models.TaskCompleted
	}
	o.Broadcaster.Publish(models.Event{
		Type:       models.EventTaskDone,
		TaskID:     task.ID,
		InstanceID: inst.ID,
		Payload:    map[string]any{"status": string(finalStatus)},
	})
}

func (o *Orchestrator) recordTaskMetrics(task *models.Task, analysis *analyzer.Analysis, result *models.TaskResult, durationMS float64, success bool) {
	if o.metrics == nil {
		return
	}
	status := "failed"
	if success {
		status = "completed"
	}
	o.metrics.TaskCounter.WithLabelValues(status).Inc()

	taskType := "general"
	if analysis != nil {
		taskType = string(analysis.TaskType)
	}
	o.metrics.TaskDuration.WithLabelValues(taskType).Observe(durationMS / 1000)

	if result != nil && success {
		o.metrics.LLMRequestDuration.WithLabelValues(result.Backend, result.Model).Observe(durationMS / 1000)
		o.metrics.LLMTokensUsed.WithLabelValues(result.Backend, result.Model, "prompt").Add(float64(result.Usage.InputTokens))
		o.metrics.LLMTokensUsed.WithLabelValues(result.Backend, result.Model, "completion").Add(float64(result.Usage.OutputTokens))
		for _, call := range result.ToolCalls {
			callStatus := "error"
			if call.Success {
				callStatus = "success"
			}
			o.metrics.ToolExecutionCounter.WithLabelValues(call.ToolName, callStatus).Inc()
		}
	}
}

// statusLoop publishes periodic status snapshots and keeps gauges current.
func (o *Orchestrator) statusLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := o.Status()
			o.Broadcaster.Publish(models.Event{
				Type:    models.EventStatus,
				Payload: status,
			})
			o.updateGauges()
		}
	}
}

func (o *Orchestrator) updateGauges() {
	if o.metrics == nil {
		return
	}
	for _, snap := range o.Backends.Snapshots() {
		healthy := 0.0
		if snap.Health == backend.HealthHealthy || snap.Health == backend.HealthUnknown {
			healthy = 1.0
		}
		o.metrics.BackendHealth.WithLabelValues(snap.Name).Set(healthy)
		o.metrics.BackendActiveRequests.WithLabelValues(snap.Name).Set(float64(snap.ActiveRequests))
	}
	if stats := o.Queue.Stats(); stats != nil {
		if depth, ok := stats["queued"].(int); ok {
			o.metrics.QueueDepth.Set(float64(depth))
		}
	}
}

// Status reports the overall swarm state.
func (o *Orchestrator) Status() map[string]any {
	o.mu.Lock()
	running := o.running
	workers := o.workerCount
	o.mu.Unlock()

	return map[string]any{
		"running":   running,
		"workers":   workers,
		"instances": o.Instances.Stats(),
		"tasks":     o.Queue.Stats(),
		"backends":  o.Backends.Snapshots(),
	}
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
