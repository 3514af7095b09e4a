// Package tools holds the function tools a live session can call and the
// registry that dispatches invocations by name.
package tools

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/bt-bridge/reporecon/live"
	"github.com/bt-bridge/reporecon/shared"
)

// Func executes one tool call. The returned string goes back to the model as
// the spoken-about result.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Tool couples a handler with the declaration advertised at session setup.
// Parameters is a ready-to-send JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Func
}

// Registry is the fixed tool table of a session. Registration happens during
// startup; Invoke is safe for concurrent use afterwards.
type Registry struct {
	logger shared.LoggerAdapter

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry(logger shared.LoggerAdapter) (*Registry, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Registry{
		logger: logger,
		tools:  make(map[string]Tool),
	}, nil
}

func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// Names lists registered tools in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Declarations builds the function declarations for the session setup, in
// registration order.
func (r *Registry) Declarations() []live.FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]live.FunctionDeclaration, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		decls = append(decls, live.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return decls
}

// Invoke runs the named tool. Unknown names and handler panics come back as
// errors; the caller decides how to report them to the model.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (result string, err error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", shared.ErrUnknownTool, name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()
	return tool.Handler(ctx, args)
}

// stringArg extracts a required non-empty string argument.
func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", shared.ErrMissingArgument, key)
	}
	return value, nil
}

// intArg extracts a required integer argument. Models deliver numbers as
// floats and occasionally as digit strings.
func intArg(args map[string]any, key string) (int, error) {
	switch n := args[key].(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		if value, err := strconv.Atoi(n); err == nil {
			return value, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", shared.ErrMissingArgument, key)
}
