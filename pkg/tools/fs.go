package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// maxReadBytes bounds fs:read output; larger files are truncated with a
// marker so the model knows content is partial.
const maxReadBytes = 2 << 20

// Snapshotter records a file's state around a mutation and returns the
// change ID. Implemented by the history store; nil disables snapshots.
type Snapshotter interface {
	RecordChange(ctx context.Context, change models.FileChange) (string, error)
}

// FSConfig configures the builtin filesystem tools for one worker execution.
type FSConfig struct {
	Root      string // workspace root; every path is confined within it
	SessionID string
	AgentID   string
	Snapshots Snapshotter
}

// FSTools returns the fs:read, fs:write, fs:edit and fs:delete tools.
func FSTools(cfg FSConfig) []*Tool {
	fs := &fsTools{cfg: cfg}
	return []*Tool{
		{
			Definition: Definition{
				Name:        "fs:read",
				Description: "Read the contents of a file. Large files are truncated.",
				InputSchema: objectSchema(map[string]string{"path": "Path to the file, relative to the workspace root"}, "path"),
				Group:       "read",
			},
			Run: fs.read,
		},
		{
			Definition: Definition{
				Name:        "fs:write",
				Description: "Write content to a file, creating it and any parent directories if needed.",
				InputSchema: objectSchema(map[string]string{
					"path":    "Path to the file, relative to the workspace root",
					"content": "Full content to write",
				}, "path", "content"),
				Mutating: true,
				Group:    "write",
			},
			Run: fs.write,
		},
		{
			Definition: Definition{
				Name:        "fs:edit",
				Description: "Replace the first occurrence of oldText with newText in a file. oldText must match exactly.",
				InputSchema: objectSchema(map[string]string{
					"path":    "Path to the file, relative to the workspace root",
					"oldText": "Exact text to replace",
					"newText": "Replacement text",
				}, "path", "oldText", "newText"),
				Mutating: true,
				Group:    "write",
			},
			Run: fs.edit,
		},
		{
			Definition: Definition{
				Name:        "fs:delete",
				Description: "Delete a file.",
				InputSchema: objectSchema(map[string]string{"path": "Path to the file, relative to the workspace root"}, "path"),
				Mutating:    true,
				Group:       "write",
			},
			Run: fs.remove,
		},
	}
}

type fsTools struct {
	cfg FSConfig
}

func (f *fsTools) read(_ context.Context, args map[string]any) (*Result, error) {
	path, resolved, res := f.resolveArg(args)
	if res != nil {
		return res, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf(ErrCodeExecFailed, "file does not exist: %s", path), nil
		}
		return Errorf(ErrCodeExecFailed, "read %s: %v", path, err), nil
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	result := Text(string(data))
	result.Metadata = map[string]any{"path": path, "bytes": len(data)}
	if truncated {
		result.Output += "\n... [truncated]"
		result.Metadata["truncated"] = true
	}
	return result, nil
}

func (f *fsTools) write(ctx context.Context, args map[string]any) (*Result, error) {
	path, resolved, res := f.resolveArg(args)
	if res != nil {
		return res, nil
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return Errorf(ErrCodeInvalidArgs, "content is required"), nil
	}

	before, existed := readFileState(resolved)
	changeID, err := f.snapshot(ctx, path, models.FileOpWrite, before, newFileState(content))
	if err != nil {
		return Errorf(ErrCodeExecFailed, "snapshot %s: %v", path, err), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errorf(ErrCodeExecFailed, "create parent directories for %s: %v", path, err), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return Errorf(ErrCodeExecFailed, "write %s: %v", path, err), nil
	}

	result := Text(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	result.Metadata = map[string]any{
		"path":        path,
		"bytes":       len(content),
		"created":     !existed,
		"contentHash": models.HashContent(content),
	}
	if changeID != "" {
		result.Metadata["changeId"] = changeID
	}
	return result, nil
}

func (f *fsTools) edit(ctx context.Context, args map[string]any) (*Result, error) {
	path, resolved, res := f.resolveArg(args)
	if res != nil {
		return res, nil
	}
	oldText, ok := stringArg(args, "oldText")
	if !ok || oldText == "" {
		return Errorf(ErrCodeInvalidArgs, "oldText is required"), nil
	}
	newText, ok := stringArg(args, "newText")
	if !ok {
		return Errorf(ErrCodeInvalidArgs, "newText is required"), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf(ErrCodeExecFailed, "file does not exist: %s", path), nil
		}
		return Errorf(ErrCodeExecFailed, "read %s: %v", path, err), nil
	}
	content := string(data)
	occurrences := strings.Count(content, oldText)
	if occurrences == 0 {
		return Errorf(ErrCodeExecFailed, "oldText not found in %s", path), nil
	}
	updated := strings.Replace(content, oldText, newText, 1)

	changeID, err := f.snapshot(ctx, path, models.FileOpPatch, stateOf(content), newFileState(updated))
	if err != nil {
		return Errorf(ErrCodeExecFailed, "snapshot %s: %v", path, err), nil
	}
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return Errorf(ErrCodeExecFailed, "write %s: %v", path, err), nil
	}

	result := Text(fmt.Sprintf("edited %s (1 of %d occurrence(s) replaced)", path, occurrences))
	result.Metadata = map[string]any{
		"path":        path,
		"occurrences": occurrences,
		"contentHash": models.HashContent(updated),
	}
	if changeID != "" {
		result.Metadata["changeId"] = changeID
	}
	return result, nil
}

func (f *fsTools) remove(ctx context.Context, args map[string]any) (*Result, error) {
	path, resolved, res := f.resolveArg(args)
	if res != nil {
		return res, nil
	}
	before, existed := readFileState(resolved)
	if !existed {
		return Errorf(ErrCodeExecFailed, "file does not exist: %s", path), nil
	}

	changeID, err := f.snapshot(ctx, path, models.FileOpDelete, before, nil)
	if err != nil {
		return Errorf(ErrCodeExecFailed, "snapshot %s: %v", path, err), nil
	}
	if err := os.Remove(resolved); err != nil {
		return Errorf(ErrCodeExecFailed, "delete %s: %v", path, err), nil
	}

	result := Text(fmt.Sprintf("deleted %s", path))
	result.Metadata = map[string]any{"path": path}
	if changeID != "" {
		result.Metadata["changeId"] = changeID
	}
	return result, nil
}

// resolveArg extracts and confines the path argument. The returned Result is
// non-nil on validation failure.
func (f *fsTools) resolveArg(args map[string]any) (path, resolved string, res *Result) {
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return "", "", Errorf(ErrCodeInvalidArgs, "path is required")
	}
	resolved, err := resolvePath(f.cfg.Root, path)
	if err != nil {
		return "", "", Errorf(ErrCodePolicyDenied, "%v", err)
	}
	return path, resolved, nil
}

func (f *fsTools) snapshot(ctx context.Context, path string, op models.FileOperation, before, after *models.FileState) (string, error) {
	if f.cfg.Snapshots == nil {
		return "", nil
	}
	return f.cfg.Snapshots.RecordChange(ctx, models.FileChange{
		SessionID: f.cfg.SessionID,
		AgentID:   f.cfg.AgentID,
		FilePath:  path,
		Operation: op,
		Before:    before,
		After:     after,
	})
}

// resolvePath joins path against root and verifies the canonical result stays
// inside root. Symlinks are resolved before comparison; for files that do not
// exist yet the parent directory is resolved instead.
func resolvePath(root, path string) (string, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	rootReal, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		rootReal = absRoot
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("access denied: cannot resolve %s", path)
		}
		parentReal, perr := filepath.EvalSymlinks(filepath.Dir(target))
		if perr != nil {
			return "", fmt.Errorf("access denied: cannot resolve %s", path)
		}
		real = filepath.Join(parentReal, filepath.Base(target))
	}

	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied: %s is outside the workspace root", path)
	}
	return real, nil
}

func readFileState(resolved string) (*models.FileState, bool) {
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, false
	}
	return stateOf(string(data)), true
}

func stateOf(content string) *models.FileState {
	return &models.FileState{
		Content: content,
		Hash:    models.HashContent(content),
		Size:    int64(len(content)),
	}
}

func newFileState(content string) *models.FileState {
	return stateOf(content)
}

// objectSchema builds a flat JSON schema of string properties.
func objectSchema(props map[string]string, required ...string) json.RawMessage {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, _ := json.Marshal(schema)
	return data
}
