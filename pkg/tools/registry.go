package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds the tools available to one agent and routes Execute calls
// by canonical name. Permission checks run before dispatch; reserved tools
// bypass them so a locked-down worker can always report.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	perms  *PermissionSet
	logger *slog.Logger
}

// NewRegistry builds an empty registry. perms may be nil for unrestricted
// execution.
func NewRegistry(perms *PermissionSet, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		perms:  perms,
		logger: logger,
	}
}

// Register adds a tool. Registering an empty or duplicate name is an error.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool must have a name")
	}
	if tool.Run == nil {
		return fmt.Errorf("tool %q has no run function", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// RegisterAll registers every tool, stopping at the first error.
func (r *Registry) RegisterAll(list ...*Tool) error {
	for _, t := range list {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// OutputSchema returns the declared output schema of a registered tool.
// Builtin tools declare none; plugin tools may.
func (r *Registry) OutputSchema(name string) (json.RawMessage, bool) {
	t, ok := r.Get(name)
	if !ok || len(t.OutputSchema) == 0 {
		return nil, false
	}
	return t.OutputSchema, true
}

// Definitions returns the tool definitions in registration order, for
// handing to the LLM.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Execute routes one tool call. Tool failures come back as Results with
// Success=false; a non-nil error means the runtime itself failed (for
// example the context was canceled) and the iteration should stop.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	tool, ok := r.Get(name)
	if !ok {
		r.logger.Warn("unknown tool requested", slog.String("tool", name))
		return Errorf(ErrCodeUnknownTool, "unknown tool %q; available tools: %s", name, r.availableList()), nil
	}

	if r.perms != nil && !IsReserved(name) {
		if terr := r.perms.Check(name, args); terr != nil {
			r.logger.Warn("tool call denied by policy",
				slog.String("tool", name),
				slog.String("reason", terr.Message))
			return &Result{Success: false, Error: terr}, nil
		}
	}

	started := time.Now()
	res, err := tool.Run(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Error("tool execution failed",
			slog.String("tool", name),
			slog.Any("error", err))
		return Errorf(ErrCodeExecFailed, "%v", err), nil
	}
	if res == nil {
		res = Text("")
	}
	r.logger.Debug("tool executed",
		slog.String("tool", name),
		slog.Bool("success", res.Success),
		slog.Duration("duration", time.Since(started)))
	return res, nil
}

func (r *Registry) availableList() string {
	names := r.Names()
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// IsReserved reports whether name is one of the runtime-owned tool names,
// which bypass permission policy and caching.
func IsReserved(name string) bool {
	for _, reserved := range ReservedNames {
		if name == reserved {
			return true
		}
	}
	return false
}
