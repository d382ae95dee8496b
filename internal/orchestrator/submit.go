package orchestrator

import (
	"fmt"
	"time"

	"github.com/haasonsaas/dispatch/pkg/models"
	"gopkg.in/yaml.v3"
)

// SubmitOptions describe one task submission.
type SubmitOptions struct {
	Prompt           string
	Name             string
	WorkingDirectory string
	Priority         models.TaskPriority
	Timeout          time.Duration
	InstanceID       string
	DependsOn        []string
	Metadata         map[string]any
	Callback         func(*models.TaskResult)
}

// SubmitTask queues a task and returns its id.
func (o *Orchestrator) SubmitTask(opts SubmitOptions) string {
	name := opts.Name
	if name == "" {
		name = opts.Prompt
		if len(name) > 50 {
			name = name[:50]
		}
	}
	priority := opts.Priority
	if priority == 0 {
		priority = models.PriorityNormal
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Swarm.DefaultTaskTimeout()
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	task := models.NewTask(opts.Prompt)
	task.Name = name
	task.WorkingDirectory = opts.WorkingDirectory
	task.Priority = priority
	task.Timeout = timeout
	task.InstanceID = opts.InstanceID
	task.DependsOn = opts.DependsOn
	task.Metadata = metadata
	task.Callback = opts.Callback

	id := o.Queue.Add(task)
	o.logger.Info("task submitted", "task_id", id, "name", name)
	return id
}

// SubmitBatch queues one task per prompt and returns the ids in order.
func (o *Orchestrator) SubmitBatch(prompts []string, workingDirectory string, priority models.TaskPriority) []string {
	ids := make([]string, 0, len(prompts))
	for _, prompt := range prompts {
		ids = append(ids, o.SubmitTask(SubmitOptions{
			Prompt:           prompt,
			WorkingDirectory: workingDirectory,
			Priority:         priority,
		}))
	}
	o.logger.Info("batch submitted", "count", len(ids))
	return ids
}

// CancelTask cancels a pending or queued task.
func (o *Orchestrator) CancelTask(id string) bool {
	return o.Queue.Cancel(id)
}

// TaskStatus returns the full record of one task.
func (o *Orchestrator) TaskStatus(id string) (models.Info, bool) {
	task, ok := o.Queue.Get(id)
	if !ok {
		return models.Info{}, false
	}
	return task.Snapshot(true), true
}

// ListTasks lists task snapshots, optionally filtered by status.
func (o *Orchestrator) ListTasks(status models.TaskStatus, limit int) []models.Info {
	return o.Queue.List(status, limit)
}

// ScaleInstances resizes the instance pool and returns the resulting size.
func (o *Orchestrator) ScaleInstances(target int) int {
	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()
	if ctx == nil {
		return 0
	}
	return o.Instances.ScaleTo(ctx, target)
}

// InstanceOutput returns up to lines of recent output from one instance.
func (o *Orchestrator) InstanceOutput(id string, lines int) ([]string, bool) {
	inst, ok := o.Instances.Get(id)
	if !ok {
		return nil, false
	}
	return inst.RecentOutput(lines), true
}

// workflowDoc is the YAML shape accepted by ExecuteWorkflow.
type workflowDoc struct {
	Name      string `yaml:"name"`
	Instances int    `yaml:"instances"`
	Tasks     []struct {
		Name      string   `yaml:"name"`
		Command   string   `yaml:"command"`
		Prompt    string   `yaml:"prompt"`
		Directory string   `yaml:"directory"`
		Instance  string   `yaml:"instance"`
		DependsOn []string `yaml:"depends_on"`
	} `yaml:"tasks"`
}

// WorkflowResult maps workflow task names to queued task ids.
type WorkflowResult struct {
	WorkflowName string            `json:"workflow_name"`
	TaskIDs      []string          `json:"task_ids"`
	TaskMapping  map[string]string `json:"task_mapping"`
}

// ExecuteWorkflow parses a workflow document and submits its tasks, mapping
// workflow task names to queue ids for dependency edges. Dependency cycles
// are not detected; the caller must supply a DAG.
func (o *Orchestrator) ExecuteWorkflow(doc []byte) (*WorkflowResult, error) {
	var workflow workflowDoc
	if err := yaml.Unmarshal(doc, &workflow); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	name := workflow.Name
	if name == "" {
		name = "unnamed"
	}
	o.logger.Info("executing workflow", "name", name, "tasks", len(workflow.Tasks))

	if workflow.Instances > 0 {
		o.ScaleInstances(workflow.Instances)
	}

	mapping := make(map[string]string, len(workflow.Tasks))
	ids := make([]string, 0, len(workflow.Tasks))

	for _, def := range workflow.Tasks {
		prompt := def.Command
		if prompt == "" {
			prompt = def.Prompt
		}

		var dependsOn []string
		for _, depName := range def.DependsOn {
			if depID, ok := mapping[depName]; ok {
				dependsOn = append(dependsOn, depID)
			}
		}

		id := o.SubmitTask(SubmitOptions{
			Prompt:           prompt,
			Name:             def.Name,
			WorkingDirectory: def.Directory,
			InstanceID:       def.Instance,
			DependsOn:        dependsOn,
			Metadata:         map[string]any{"workflow": name},
		})
		mapping[def.Name] = id
		ids = append(ids, id)
	}

	o.logger.Info("workflow submitted", "name", name, "tasks", len(mapping))
	return &WorkflowResult{
		WorkflowName: name,
		TaskIDs:      ids,
		TaskMapping:  mapping,
	}, nil
}
