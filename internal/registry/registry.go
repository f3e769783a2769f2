// Package registry is the shared directory of invokable tools.
//
// Tools are keyed by their case-folded name; registering a tool whose name
// folds to an existing key replaces the earlier one. Callers never receive an
// error value from Run: failures, including unknown tool names, are reported
// as a Result carrying an "error" member.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/giantswarm/mcp-toolbridge/internal/logging"
)

// Result is the structured outcome of a tool run.
type Result map[string]any

// ErrorResult builds a Result holding only an error message.
func ErrorResult(format string, args ...any) Result {
	return Result{"error": fmt.Sprintf(format, args...)}
}

// Err returns the error message of a failed result.
func (r Result) Err() (string, bool) {
	msg, ok := r["error"].(string)
	return msg, ok
}

// Spec describes a tool for catalog enumeration.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Tool is anything the registry can run.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, input map[string]any) Result
	Spec() Spec
}

// EventType tells observers what happened to a tool.
type EventType int

const (
	EventRegistered EventType = iota
	EventRemoved
)

func (e EventType) String() string {
	switch e {
	case EventRegistered:
		return "registered"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Observer is notified after a tool is registered or removed. Observers run
// synchronously, outside the registry lock.
type Observer func(event EventType, tool Tool)

// Registry is safe for concurrent use.
type Registry struct {
	logger *logging.Logger

	mu        sync.RWMutex
	tools     map[string]Tool
	observers []Observer
}

// New creates an empty registry.
func New(logger *logging.Logger) *Registry {
	return &Registry{
		logger: logger,
		tools:  make(map[string]Tool),
	}
}

func key(name string) string {
	return strings.ToLower(name)
}

// Subscribe adds an observer.
func (r *Registry) Subscribe(observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}

func (r *Registry) notify(event EventType, tool Tool) {
	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()

	for _, observer := range observers {
		observer(event, tool)
	}
}

// Register inserts tool, replacing any tool whose name folds to the same key.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	previous, replaced := r.tools[key(tool.Name())]
	r.tools[key(tool.Name())] = tool
	r.mu.Unlock()

	r.logger.InfoVerbose("Registered tool %s", tool.Name())
	if replaced {
		r.notify(EventRemoved, previous)
	}
	r.notify(EventRegistered, tool)
}

// Get looks a tool up by case-folded name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[key(name)]
	return tool, ok
}

// Remove deletes the tool registered under name.
func (r *Registry) Remove(name string) bool {
	return r.RemoveIf(name, nil)
}

// RemoveIf deletes the tool registered under name when match reports true
// for it. A nil match always matches.
func (r *Registry) RemoveIf(name string, match func(Tool) bool) bool {
	r.mu.Lock()
	tool, ok := r.tools[key(name)]
	if !ok || (match != nil && !match(tool)) {
		r.mu.Unlock()
		return false
	}
	delete(r.tools, key(name))
	r.mu.Unlock()

	r.logger.InfoVerbose("Removed tool %s", tool.Name())
	r.notify(EventRemoved, tool)
	return true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for _, tool := range r.tools {
		names = append(names, tool.Name())
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Run invokes the named tool. An unknown name yields an error Result.
func (r *Registry) Run(ctx context.Context, name string, input map[string]any) Result {
	tool, ok := r.Get(name)
	if !ok {
		r.logger.Error("Tool %s not found", name)
		return ErrorResult("Tool %s not found", name)
	}

	result := tool.Run(ctx, input)
	if result == nil {
		result = Result{}
	}
	return result
}

// ListSpecs returns the spec of every registered tool, sorted by name.
func (r *Registry) ListSpecs() []Spec {
	r.mu.RLock()
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()

	specs := make([]Spec, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, tool.Spec())
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Name < specs[j].Name
	})
	return specs
}
