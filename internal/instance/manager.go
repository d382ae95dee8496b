package instance

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/dispatch/internal/backend"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/events"
)

// ErrPoolAtCapacity is returned when the pool cannot grow further.
var ErrPoolAtCapacity = errors.New("instance pool at capacity")

// Manager owns the instance pool. Instances never leave the manager except
// through Terminate; everything else sees them by pointer but must not stop
// them.
type Manager struct {
	maxInstances   int
	defaultWorkdir string
	defaultBackend string
	defaultType    config.BackendType
	defaultURL     string
	defaultModel   string

	backends    *backend.Manager
	broadcaster *events.Broadcaster
	sendFactory SendFactory
	logger      *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// ManagerOptions configure an instance manager.
type ManagerOptions struct {
	MaxInstances   int
	DefaultWorkdir string
	DefaultBackend string
	DefaultType    config.BackendType
	DefaultURL     string
	DefaultModel   string
	Backends       *backend.Manager
	Broadcaster    *events.Broadcaster
	SendFactory    SendFactory
	Logger         *slog.Logger
}

// NewManager creates an empty pool.
func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		maxInstances:   opts.MaxInstances,
		defaultWorkdir: opts.DefaultWorkdir,
		defaultBackend: opts.DefaultBackend,
		defaultType:    opts.DefaultType,
		defaultURL:     opts.DefaultURL,
		defaultModel:   opts.DefaultModel,
		backends:       opts.Backends,
		broadcaster:    opts.Broadcaster,
		sendFactory:    opts.SendFactory,
		logger:         opts.Logger,
		instances:      make(map[string]*Instance),
	}
}

// Spawn creates and starts an instance. Backend name and model default to
// the configured pair when empty; a routing decision supplies both.
func (m *Manager) Spawn(ctx context.Context, workingDir, backendName, model string) (*Instance, error) {
	m.mu.Lock()
	if len(m.instances) >= m.maxInstances {
		m.mu.Unlock()
		m.logger.Warn("max instances reached", "max", m.maxInstances)
		return nil, ErrPoolAtCapacity
	}
	m.mu.Unlock()

	if backendName == "" {
		backendName = m.defaultBackend
	}
	if model == "" {
		model = m.defaultModel
	}
	if workingDir == "" {
		workingDir = m.defaultWorkdir
	}

	url := m.defaultURL
	backendType := m.defaultType
	if m.backends != nil {
		if snap, ok := m.backends.Snapshot(backendName); ok {
			url = snap.URL
			backendType = snap.Type
		}
	}

	inst := New(Options{
		BackendName: backendName,
		BackendType: backendType,
		Model:       model,
		URL:         url,
		WorkingDir:  workingDir,
		SendFactory: m.sendFactory,
		Broadcaster: m.broadcaster,
		Logger:      m.logger,
	})

	if err := inst.Start(ctx); err != nil {
		m.logger.Error("failed to start instance", "instance_id", inst.ID, "error", err)
		return nil, err
	}

	m.mu.Lock()
	if len(m.instances) >= m.maxInstances {
		m.mu.Unlock()
		inst.Stop()
		return nil, ErrPoolAtCapacity
	}
	m.instances[inst.ID] = inst
	total := len(m.instances)
	m.mu.Unlock()

	m.logger.Info("instance spawned", "instance_id", inst.ID, "model", model, "backend", backendName, "total", total)
	return inst, nil
}

// SpawnMultiple starts up to count instances, stopping at the pool cap.
// Failures are logged and skipped.
func (m *Manager) SpawnMultiple(ctx context.Context, count int) []*Instance {
	var spawned []*Instance
	for range count {
		inst, err := m.Spawn(ctx, "", "", "")
		if err != nil {
			if errors.Is(err, ErrPoolAtCapacity) {
				break
			}
			continue
		}
		spawned = append(spawned, inst)
	}
	return spawned
}

// Get returns an instance by id.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// GetIdle returns any idle instance.
func (m *Manager) GetIdle() *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sortedIDsLocked() {
		if m.instances[id].Status() == StatusIdle {
			return m.instances[id]
		}
	}
	return nil
}

// GetOrSpawnForModel finds an idle instance pinned to the model (and
// backend, when given) or spawns one.
func (m *Manager) GetOrSpawnForModel(ctx context.Context, model, workingDir, backendName string) (*Instance, error) {
	m.mu.Lock()
	for _, id := range m.sortedIDsLocked() {
		inst := m.instances[id]
		if inst.Status() != StatusIdle {
			continue
		}
		if inst.Model != model {
			continue
		}
		if backendName != "" && inst.BackendName != backendName {
			continue
		}
		m.mu.Unlock()
		return inst, nil
	}
	m.mu.Unlock()

	return m.Spawn(ctx, workingDir, backendName, model)
}

// Terminate stops and removes one instance.
func (m *Manager) Terminate(id string) bool {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	remaining := len(m.instances)
	m.mu.Unlock()
	if !ok {
		return false
	}
	inst.Stop()
	m.logger.Info("instance terminated", "instance_id", id, "remaining", remaining)
	return true
}

// TerminateAll stops every instance and empties the pool.
func (m *Manager) TerminateAll() int {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.Stop()
	}
	m.logger.Info("all instances terminated", "count", len(instances))
	return len(instances)
}

// ScaleTo grows or shrinks the pool towards target, terminating idle
// instances first on the way down. Returns the resulting pool size.
func (m *Manager) ScaleTo(ctx context.Context, target int) int {
	m.mu.Lock()
	current := len(m.instances)
	m.mu.Unlock()

	switch {
	case target > current:
		want := target - current
		if room := m.maxInstances - current; want > room {
			want = room
		}
		m.SpawnMultiple(ctx, want)
	case target < current:
		m.mu.Lock()
		var idle []string
		for _, id := range m.sortedIDsLocked() {
			if m.instances[id].Status() == StatusIdle {
				idle = append(idle, id)
			}
		}
		m.mu.Unlock()

		excess := current - target
		for _, id := range idle {
			if excess == 0 {
				break
			}
			if m.Terminate(id) {
				excess--
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// List returns snapshots of every instance.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.instances))
	for _, id := range m.sortedIDsLocked() {
		out = append(out, m.instances[id].Snapshot())
	}
	return out
}

// Stats summarizes the pool for status endpoints.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	total := len(instances)
	m.mu.Unlock()

	byStatus := map[string]int{}
	completed := 0
	errorCount := 0
	for _, inst := range instances {
		byStatus[string(inst.Status())]++
		completed += inst.CompletedTasks()
		errorCount += inst.ErrorCount()
	}

	return map[string]any{
		"total_instances":       total,
		"max_instances":         m.maxInstances,
		"available_slots":       m.maxInstances - total,
		"by_status":             byStatus,
		"total_completed_tasks": completed,
		"total_errors":          errorCount,
	}
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
