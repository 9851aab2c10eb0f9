package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sodateru/sodateru/pkg/logger"
)

var (
	// ErrToolNotFound is returned by Execute for an unregistered name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned by Register when the name is taken.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Registry holds the tools exposed over the HTTP API and the CLI.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	// Timeout bounds a single Execute call. Zero means no limit.
	Timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Execute runs the named tool. Argument problems come back as
// *ArgumentError so transports can tell them from tool failures.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		logger.WarnCF("tool", "Unknown tool requested", map[string]interface{}{"tool": name})
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	fields := map[string]interface{}{
		"tool":        name,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	var argErr *ArgumentError
	switch {
	case errors.As(err, &argErr):
		fields["arg"] = argErr.Arg
		logger.WarnCF("tool", "Tool rejected arguments", fields)
	case err != nil:
		fields["error"] = err.Error()
		logger.ErrorCF("tool", "Tool execution failed", fields)
	default:
		fields["result_length"] = len(result)
		logger.DebugCF("tool", "Tool executed", fields)
	}
	return result, err
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Definitions returns function-calling schemas, sorted by name.
func (r *Registry) Definitions() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.names()
	defs := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		defs = append(defs, ToolToSchema(r.tools[name]))
	}
	return defs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
