package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// =============================================================================
// TEMPLATES
// =============================================================================

// Template is a named unit of work invoked by the orchestrator. The
// orchestrator treats templates as black boxes: whatever string they
// return is surfaced verbatim into the execution record. Invoke must
// honor ctx cancellation; long-running work is cut off by the per-task
// timeout.
type Template interface {
	Name() string
	Invoke(ctx context.Context, config map[string]string) (string, error)
}

// Registry holds templates by name.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// DefaultRegistry returns a registry with the builtin templates.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(noteTemplate{})
	r.Register(echoTemplate{})
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name()] = t
}

// Lookup finds a template by name.
func (r *Registry) Lookup(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// BUILTINS
// =============================================================================

// noteTemplate surfaces a configured text, for reminders that only need
// to land in memory.
type noteTemplate struct{}

func (noteTemplate) Name() string { return "note" }

func (noteTemplate) Invoke(_ context.Context, config map[string]string) (string, error) {
	text := strings.TrimSpace(config["text"])
	if text == "" {
		return "", fmt.Errorf("note template requires a text config value")
	}
	return text, nil
}

// echoTemplate renders its whole config, useful for wiring checks.
type echoTemplate struct{}

func (echoTemplate) Name() string { return "echo" }

func (echoTemplate) Invoke(_ context.Context, config map[string]string) (string, error) {
	if len(config) == 0 {
		return "(empty config)", nil
	}
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+config[k])
	}
	return strings.Join(parts, " "), nil
}
