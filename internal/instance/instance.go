// Package instance manages the pool of long-lived agent executors. Each
// instance is pinned to one (backend, model) pair, keeps a reusable HTTP
// session to its backend, and runs the agent loop for the tasks routed to it.
package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/dispatch/internal/agent"
	"github.com/haasonsaas/dispatch/internal/agent/toolconv"
	"github.com/haasonsaas/dispatch/internal/backend"
	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/events"
	"github.com/haasonsaas/dispatch/internal/tools"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Status tracks an instance through its lifecycle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

const (
	outputBufferCap  = 5000
	outputBufferTrim = 2000
)

// Command is one unit of work handed to an instance.
type Command struct {
	Prompt           string
	WorkingDirectory string
	Timeout          time.Duration
	Metadata         map[string]any
}

// SendFactory builds the send primitive an instance uses for one command.
// The default speaks the Ollama chat dialect; tests and alternative
// backends inject their own.
type SendFactory func(inst *Instance, cmd Command) agent.SendFunc

// Instance is a long-lived executor bound to a (backend, model) pair.
type Instance struct {
	ID          string
	BackendName string
	BackendType config.BackendType
	Model       string
	URL         string
	WorkingDir  string

	client      *http.Client
	sendFactory SendFactory
	broadcaster *events.Broadcaster
	logger      *slog.Logger

	mu             sync.Mutex
	status         Status
	currentTaskID  string
	completedTasks int
	errorCount     int
	lastActivity   time.Time
	streamBuffer   string
	toolCallLog    []models.ToolCallEvent
	outputBuffer   []string
	lastUsage      models.Usage
}

// Options configure a new instance.
type Options struct {
	BackendName string
	BackendType config.BackendType
	Model       string
	URL         string
	WorkingDir  string
	SendFactory SendFactory
	Broadcaster *events.Broadcaster
	Logger      *slog.Logger
}

// New creates an instance in the starting state.
func New(opts Options) *Instance {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	inst := &Instance{
		ID:          uuid.NewString(),
		BackendName: opts.BackendName,
		BackendType: opts.BackendType,
		Model:       opts.Model,
		URL:         strings.TrimRight(opts.URL, "/"),
		WorkingDir:  opts.WorkingDir,
		client:      &http.Client{},
		sendFactory: opts.SendFactory,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger,
		status:      StatusStarting,
	}
	if inst.sendFactory == nil {
		inst.sendFactory = ollamaSendFactory
	}
	return inst
}

// Start runs the readiness check. For ollama backends the catalog probe must
// succeed and list the pinned model; other backend types are marked idle
// without any probe. On success the instance is idle.
func (i *Instance) Start(ctx context.Context) error {
	if i.BackendType != config.BackendOllama {
		i.setStatus(StatusIdle)
		i.logger.Info("instance started", "instance_id", i.ID, "backend", i.BackendName)
		return nil
	}

	catalog, err := backend.FetchCatalog(ctx, i.client, i.URL)
	if err != nil {
		i.setStatus(StatusError)
		return fmt.Errorf("backend not accessible: %w", err)
	}

	base := strings.SplitN(i.Model, ":", 2)[0]
	found := false
	for _, m := range catalog {
		if m.Name == i.Model || m.Name == i.Model+":latest" || strings.HasPrefix(m.Name, base) {
			found = true
			break
		}
	}
	if !found {
		i.setStatus(StatusError)
		return fmt.Errorf("model %s not found on backend %s", i.Model, i.BackendName)
	}

	i.setStatus(StatusIdle)
	i.logger.Info("instance started", "instance_id", i.ID, "backend", i.BackendName, "model", i.Model)
	return nil
}

// Stop closes the instance's pooled connections.
func (i *Instance) Stop() {
	i.setStatus(StatusStopped)
	i.client.CloseIdleConnections()
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) setStatus(s Status) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = s
	i.lastActivity = time.Now()
}

// MarkBusy transitions idle -> busy, claiming the instance for a task.
func (i *Instance) MarkBusy(taskID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusIdle {
		return false
	}
	i.status = StatusBusy
	i.currentTaskID = taskID
	i.lastActivity = time.Now()
	return true
}

// MarkIdle releases a busy claim without executing, returning the instance
// to the pool.
func (i *Instance) MarkIdle() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == StatusBusy {
		i.status = StatusIdle
		i.currentTaskID = ""
		i.lastActivity = time.Now()
	}
}

// Execute runs the agent loop for one command. The context carries the
// per-task deadline; on expiry the in-flight send is cancelled and an error
// result is returned.
func (i *Instance) Execute(ctx context.Context, cmd Command) (*models.TaskResult, error) {
	taskID, _ := cmd.Metadata["task_id"].(string)

	i.mu.Lock()
	if i.status != StatusBusy {
		i.status = StatusBusy
	}
	i.currentTaskID = taskID
	i.streamBuffer = ""
	i.toolCallLog = nil
	i.lastUsage = models.Usage{}
	i.mu.Unlock()

	cwd := cmd.WorkingDirectory
	if cwd == "" {
		cwd = i.WorkingDir
	}

	registry := tools.RegisterBuiltin(nil)

	var formatter agent.Formatter
	if i.supportsNativeTools() {
		formatter = toolconv.ForBackend(string(i.BackendType))
	} else {
		formatter = &toolconv.GenericFormatter{}
	}

	prompt := enrichPromptWithFiles(cmd.Prompt, cwd, i.logger)

	// Wrap the transport so usage counters and partial-output events are
	// captured for every dialect, injected test doubles included.
	rawSend := i.sendFactory(i, cmd)
	send := func(ctx context.Context, messages []agent.Message, toolsValue any) (agent.Response, error) {
		resp, err := rawSend(ctx, messages, toolsValue)
		if err == nil {
			i.recordUsage(resp)
			i.publishPartial(taskID, resp)
		}
		return resp, err
	}

	loop := agent.NewLoop(registry, formatter, send, agent.LoopConfig{
		SystemPrompt: systemPrompt(cwd),
		Logger:       i.logger,
		OnToolCall: func(event models.ToolCallEvent) {
			i.mu.Lock()
			i.toolCallLog = append(i.toolCallLog, event)
			i.mu.Unlock()
			if i.broadcaster != nil {
				i.broadcaster.Publish(models.Event{
					Type:       models.EventToolCall,
					TaskID:     taskID,
					InstanceID: i.ID,
					Payload: map[string]any{
						"tool":        event.ToolName,
						"args":        event.Arguments,
						"success":     event.Success,
						"duration_ms": event.DurationMS,
					},
				})
			}
		},
	})

	result, err := loop.Run(ctx, prompt)
	if err != nil {
		i.mu.Lock()
		i.errorCount++
		i.status = StatusIdle
		i.currentTaskID = ""
		i.streamBuffer = ""
		i.lastActivity = time.Now()
		i.mu.Unlock()

		errMsg := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("Timed out after %ds", int(cmd.Timeout.Seconds()))
		}
		return &models.TaskResult{Status: "error", Error: errMsg}, nil
	}

	i.mu.Lock()
	for _, line := range strings.Split(result.Response, "\n") {
		i.outputBuffer = append(i.outputBuffer, line)
	}
	if len(i.outputBuffer) > outputBufferCap {
		i.outputBuffer = i.outputBuffer[len(i.outputBuffer)-outputBufferTrim:]
	}
	usage := i.lastUsage
	i.completedTasks++
	i.status = StatusIdle
	i.currentTaskID = ""
	i.streamBuffer = ""
	i.lastActivity = time.Now()
	i.mu.Unlock()

	i.logger.Info("task executed",
		"instance_id", i.ID,
		"output_len", len(result.Response),
		"tool_calls", len(result.ToolCalls),
		"iterations", result.Iterations,
		"backend", i.BackendName)

	return &models.TaskResult{
		Status:     "completed",
		Output:     result.Response,
		Backend:    i.BackendName,
		Model:      i.Model,
		Usage:      usage,
		ToolCalls:  result.ToolCalls,
		Iterations: result.Iterations,
	}, nil
}

// supportsNativeTools checks the model's catalog profile, then the known
// tool-capable name families.
func (i *Instance) supportsNativeTools() bool {
	return ModelSupportsTools(i.Model)
}

// Info is the externally visible snapshot of an instance.
type Info struct {
	ID             string    `json:"id"`
	Backend        string    `json:"backend"`
	Model          string    `json:"model"`
	Status         Status    `json:"status"`
	CurrentTask    string    `json:"current_task,omitempty"`
	CompletedTasks int       `json:"completed_tasks"`
	ErrorCount     int       `json:"error_count"`
	LastActivity   time.Time `json:"last_activity,omitzero"`
}

// Snapshot returns the instance's current Info.
func (i *Instance) Snapshot() Info {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Info{
		ID:             i.ID,
		Backend:        i.BackendName,
		Model:          i.Model,
		Status:         i.status,
		CurrentTask:    i.currentTaskID,
		CompletedTasks: i.completedTasks,
		ErrorCount:     i.errorCount,
		LastActivity:   i.lastActivity,
	}
}

// RecentOutput returns up to n trailing lines from the output buffer.
func (i *Instance) RecentOutput(n int) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n <= 0 || n > len(i.outputBuffer) {
		n = len(i.outputBuffer)
	}
	out := make([]string, n)
	copy(out, i.outputBuffer[len(i.outputBuffer)-n:])
	return out
}

// CompletedTasks returns the lifetime completed counter.
func (i *Instance) CompletedTasks() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.completedTasks
}

// ErrorCount returns the lifetime error counter.
func (i *Instance) ErrorCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.errorCount
}

// ── ollama send primitive ────────────────────────────────────────

// ollamaSendFactory builds the default chat call against an Ollama backend,
// reusing the instance's HTTP session across loop iterations.
func ollamaSendFactory(inst *Instance, cmd Command) agent.SendFunc {
	native := inst.supportsNativeTools()

	return func(ctx context.Context, messages []agent.Message, toolsValue any) (agent.Response, error) {
		payload := map[string]any{
			"model":    inst.Model,
			"messages": messages,
			"stream":   false,
			"options": map[string]any{
				"temperature": 0.1,
				"num_predict": 4096,
				"num_ctx":     16384,
			},
		}
		if toolsValue != nil && native {
			payload["tools"] = toolsValue
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal chat request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.URL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := inst.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return nil, fmt.Errorf("chat API error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		}

		var data agent.Response
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return nil, fmt.Errorf("decode chat response: %w", err)
		}
		return data, nil
	}
}

func (i *Instance) recordUsage(data agent.Response) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if v, ok := asFloat(data["prompt_eval_count"]); ok {
		i.lastUsage.InputTokens = int(v)
	}
	if v, ok := asFloat(data["eval_count"]); ok {
		i.lastUsage.OutputTokens = int(v)
	}
	if v, ok := asFloat(data["total_duration"]); ok {
		i.lastUsage.TotalDurationMS = v / 1e6
	}
}

func (i *Instance) publishPartial(taskID string, data agent.Response) {
	content := ""
	if message, ok := data["message"].(map[string]any); ok {
		content, _ = message["content"].(string)
	}
	if content == "" {
		return
	}
	i.mu.Lock()
	i.streamBuffer = content
	i.mu.Unlock()
	if i.broadcaster != nil {
		i.broadcaster.Publish(models.Event{
			Type:       models.EventToken,
			TaskID:     taskID,
			InstanceID: i.ID,
			Payload:    map[string]any{"token": content, "partial": content},
		})
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ── prompt construction ──────────────────────────────────────────

func systemPrompt(cwd string) string {
	return "You are an expert software engineer with access to tools for reading files, " +
		"searching code, listing directories, and running commands.\n\n" +
		"IMPORTANT RULES:\n" +
		"1. ALWAYS use your tools to investigate before answering. Never guess at file " +
		"contents or code structure — use read_file, list_directory, and search_files.\n" +
		"2. Start by using list_directory to understand the project structure.\n" +
		"3. Use read_file to examine specific files. Use search_files to find patterns.\n" +
		"4. Be specific: cite file paths, line numbers, and quote code directly.\n" +
		"5. Be thorough but concise in your final answer.\n\n" +
		"Working directory: " + cwd + "\n" +
		"You MUST use tools to explore the codebase. Do NOT ask the user to provide " +
		"code — read it yourself with the tools available to you."
}

var promptPathPattern = regexp.MustCompile(
	`(?i)(?:^|\s)((?:[\w./\\-]+/)?[\w.-]+\.(?:py|js|ts|go|yaml|yml|json|toml|cfg|md|txt|html|css|sql|sh|bat))\b`)

const (
	enrichMaxFiles = 3
	enrichMaxLines = 500
)

// enrichPromptWithFiles inlines the contents of files named in the prompt
// so small targets don't cost a tool round-trip. At most three files, each
// capped at 500 lines.
func enrichPromptWithFiles(prompt, cwd string, logger *slog.Logger) string {
	matches := promptPathPattern.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return prompt
	}

	var extra []string
	seen := map[string]bool{}
	for _, match := range matches {
		if len(extra) >= enrichMaxFiles {
			break
		}
		rel := strings.TrimSpace(match[1])
		if rel == "" || seen[rel] {
			continue
		}
		seen[rel] = true

		full := filepath.Join(cwd, rel)
		if _, err := os.Stat(full); err != nil {
			alt := filepath.Join(cwd, "src", rel)
			if _, err := os.Stat(alt); err != nil {
				continue
			}
			full = alt
		}

		data, err := os.ReadFile(full)
		if err != nil {
			logger.Warn("failed to read referenced file", "file", rel, "error", err)
			continue
		}
		lines := strings.Split(string(data), "\n")
		text := string(data)
		if len(lines) > enrichMaxLines {
			lines = lines[:enrichMaxLines]
			text = strings.Join(lines, "\n") + "\n\n... (truncated at 500 lines)"
		}
		extra = append(extra, fmt.Sprintf("\n\n--- FILE: %s (%d lines) ---\n```\n%s\n```", rel, len(lines), text))
		logger.Info("enriched prompt with file", "file", rel, "lines", len(lines))
	}

	if len(extra) == 0 {
		return prompt
	}
	return prompt + strings.Join(extra, "")
}
