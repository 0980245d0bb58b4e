package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"task-runner-service/pkg/validation"
)

// TaskType describes one class of work.
type TaskType struct {
	Name        string
	Description string
	// InputSchema is a JSON schema the input must satisfy. Empty accepts any JSON value.
	InputSchema string
	// OutputSchema is a JSON schema Complete checks the output against. Empty accepts anything.
	OutputSchema string
	// Checkpointed types run a loop of checkpoints and honor early-stop requests.
	Checkpointed bool
	// Work is used when Create is called without a work function.
	Work WorkFunc

	schema       *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// ValidateInput checks raw input against the type's compiled schema.
func (t *TaskType) ValidateInput(raw []byte) error {
	return validation.Validate(t.schema, raw)
}

// ValidateOutput checks a completed output against the type's output schema.
func (t *TaskType) ValidateOutput(raw []byte) error {
	return validation.Validate(t.outputSchema, raw)
}

// TypeRegistry holds the task types a runner accepts.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*TaskType
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]*TaskType)}
}

// Register compiles the type's schema once and adds it. Names must be unique.
func (r *TypeRegistry) Register(t TaskType) error {
	if t.Name == "" {
		return fmt.Errorf("task type name must not be empty")
	}
	sch, err := validation.CompileSchema(t.InputSchema)
	if err != nil {
		return fmt.Errorf("task type %s: %w", t.Name, err)
	}
	t.schema = sch
	if t.outputSchema, err = validation.CompileSchema(t.OutputSchema); err != nil {
		return fmt.Errorf("task type %s output: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("task type %s already registered", t.Name)
	}
	r.types[t.Name] = &t
	return nil
}

// Lookup returns the registered type with the given name.
func (r *TypeRegistry) Lookup(name string) (*TaskType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// List returns all registered types sorted by name.
func (r *TypeRegistry) List() []TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
