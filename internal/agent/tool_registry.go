package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolRisk classifies how much latitude a tool has to cause side effects,
// used by callers deciding which tools require operator confirmation.
type ToolRisk string

const (
	RiskReadOnly ToolRisk = "read_only"
	RiskWrite    ToolRisk = "write"
	RiskDanger   ToolRisk = "danger"
)

// ToolSpec is a tool's static description (§4.1): everything the model and
// the registry need without invoking the tool.
type ToolSpec struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	ParameterSchema      json.RawMessage `json:"parameter_schema"`
	Risk                 ToolRisk        `json:"risk,omitempty"`
	Categories           []string        `json:"categories,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
}

// equal reports whether two specs are byte-identical for registration
// purposes (idempotent re-registration, §4.1).
func (s ToolSpec) equal(o ToolSpec) bool {
	if s.Name != o.Name || s.Description != o.Description || s.Risk != o.Risk || s.RequiresConfirmation != o.RequiresConfirmation {
		return false
	}
	if string(s.ParameterSchema) != string(o.ParameterSchema) {
		return false
	}
	if len(s.Categories) != len(o.Categories) {
		return false
	}
	for i := range s.Categories {
		if s.Categories[i] != o.Categories[i] {
			return false
		}
	}
	return true
}

// Tool is a capability: a spec plus validate/execute (§4.1). Validate must
// be side-effect-free.
type Tool interface {
	Spec() ToolSpec
	Validate(args json.RawMessage) error
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution. Errors are also
// communicated this way (IsError=true) so the model can react rather than
// the run aborting.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// DuplicateNameError reports a register() call whose name collides with a
// different spec already present.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("tool already registered with a different spec: %s", e.Name)
}

// NotFoundError reports a get() call for a name with no registered tool,
// listing the names that are currently known.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s (available: %v)", e.Name, e.Available)
}

// NotAllowedError reports a get() call for a name excluded by the current
// allowed_subset, even though it is registered.
type NotAllowedError struct {
	Name string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("tool not allowed in current action space: %s", e.Name)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration,
// lookup, and action-space pruning (§4.1). A single sync.RWMutex guards
// both the tool map and the allowed-subset, matching the teacher's
// registry concurrency model.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool

	schemaCache map[string]*jsonschema.Schema

	subset    map[string]struct{}
	subsetSet bool
}

// NewToolRegistry creates a new empty tool registry ready for tool
// registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:       make(map[string]registeredTool),
		schemaCache: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry. A byte-identical re-registration
// of the same name is a no-op; a differing spec under an existing name
// fails with DuplicateNameError.
func (r *ToolRegistry) Register(tool Tool) error {
	spec := tool.Spec()

	schema, err := r.compileSchema(spec.ParameterSchema)
	if err != nil {
		return fmt.Errorf("compiling schema for tool %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[spec.Name]; ok {
		if existing.tool.Spec().equal(spec) {
			return nil
		}
		return &DuplicateNameError{Name: spec.Name}
	}

	r.tools[spec.Name] = registeredTool{tool: tool, schema: schema}
	return nil
}

// compileSchema compiles a tool's parameter schema, caching by content so
// identical schemas across tools are compiled once.
func (r *ToolRegistry) compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	r.mu.RLock()
	if cached, ok := r.schemaCache[key]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	compiler := jsonschema.NewCompiler()
	resource := "mem://tool-params/" + key
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.schemaCache[key] = schema
	r.mu.Unlock()
	return schema, nil
}

// Get returns a tool by name, honoring the current allowed_subset. Fails
// with NotFoundError if unregistered, or NotAllowedError if registered but
// pruned out of the current action space.
func (r *ToolRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.tools[name]
	if !ok {
		return nil, &NotFoundError{Name: name, Available: r.namesLocked()}
	}
	if r.subsetSet {
		if _, allowed := r.subset[name]; !allowed {
			return nil, &NotAllowedError{Name: name}
		}
	}
	return entry.tool, nil
}

// Validate checks args against the compiled parameter schema for name,
// independent of the tool's own Validate (defense in depth: schema
// validation happens once, here, so every Tool implementation benefits
// even if its own Validate is a no-op).
func (r *ToolRegistry) ValidateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &NotFoundError{Name: name, Available: r.Names()}
	}
	if entry.schema == nil {
		return nil
	}
	var v any
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("invalid JSON args for tool %q: %w", name, err)
	}
	return entry.schema.Validate(v)
}

// AllowedSubset restricts get() to the given names. Pass nil to clear the
// restriction and make every registered tool visible again. Pruning never
// changes registration.
func (r *ToolRegistry) AllowedSubset(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if names == nil {
		r.subsetSet = false
		r.subset = nil
		return
	}
	subset := make(map[string]struct{}, len(names))
	for _, n := range names {
		subset[n] = struct{}{}
	}
	r.subset = subset
	r.subsetSet = true
}

// AsModelTools returns the ToolSpec list consumable by ModelClient.Generate,
// honoring the current allowed_subset.
func (r *ToolRegistry) AsModelTools() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.tools))
	for name, entry := range r.tools {
		if r.subsetSet {
			if _, allowed := r.subset[name]; !allowed {
				continue
			}
		}
		specs = append(specs, entry.tool.Spec())
	}
	return specs
}

// Names returns every registered tool name, ignoring the allowed_subset.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *ToolRegistry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute looks the tool up (honoring allowed_subset), validates args
// against its schema, then runs it. This is the single call path the
// ToolDispatcher (§4.7) uses.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if err := r.ValidateArgs(name, args); err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if err := tool.Validate(args); err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return tool.Execute(ctx, args)
}
