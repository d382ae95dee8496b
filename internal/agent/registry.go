package agent

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Tool parameter schemas are compiled once at registration so every
// call is validated before it reaches the tool.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool with the same name.
// A schema that fails to compile disables validation for that tool only.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	delete(r.schemas, tool.Name())
	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		resource := "inline://" + tool.Name()
		if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err == nil {
			if schema, err := compiler.Compile(resource); err == nil {
				r.schemas[tool.Name()] = schema
			}
		}
	}
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools in name order.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Execute validates args against the tool's schema and runs the tool.
// Unknown tools and invalid arguments come back as failed results, never as
// errors, so the model can see and recover from them.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) *ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return Errorf("Unknown tool: %s", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if schema != nil {
		if err := schema.Validate(normalizeForSchema(args)); err != nil {
			return Errorf("Invalid arguments for %s: %v", name, compactValidationError(err))
		}
	}

	params, err := json.Marshal(args)
	if err != nil {
		return Errorf("Invalid arguments for %s: %v", name, err)
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		return Errorf("Tool %q raised: %v", name, err)
	}
	if result == nil {
		return Errorf("Tool %q returned no result", name)
	}
	return result
}

// normalizeForSchema round-trips args through JSON so numeric types match
// what the validator expects regardless of how the arguments were decoded.
func normalizeForSchema(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}

func compactValidationError(err error) string {
	var ve *jsonschema.ValidationError
	if ok := asValidationError(err, &ve); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return leaf.Message
	}
	return err.Error()
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
