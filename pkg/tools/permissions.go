package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"
)

// Permissions is a deny/allow pair of glob patterns (`**` supported). Deny is
// checked first and wins; an empty allow list permits everything not denied.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow,omitempty"`
	Deny  []string `yaml:"deny" json:"deny,omitempty"`
}

// Allows reports whether value passes the deny/allow lists.
func (p Permissions) Allows(value string) bool {
	normalized := filepath.ToSlash(value)
	for _, pattern := range p.Deny {
		if matchGlob(pattern, normalized) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if matchGlob(pattern, normalized) {
			return true
		}
	}
	return false
}

// AllowsCommand matches like Allows, but '*' crosses every character:
// commands are not paths, so '/' has no separator meaning in patterns
// like "go *".
func (p Permissions) AllowsCommand(cmd string) bool {
	for _, pattern := range p.Deny {
		if matchWildcard(pattern, cmd) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if matchWildcard(pattern, cmd) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, value string) bool {
	ok, err := doublestar.Match(filepath.ToSlash(pattern), value)
	if err != nil {
		// Invalid pattern: treat as non-matching rather than silently
		// widening or narrowing access.
		return false
	}
	return ok
}

// matchWildcard matches s against pattern where '*' matches any run of
// characters, including spaces and slashes.
func matchWildcard(pattern, s string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, segments[0]) {
		return false
	}
	s = s[len(segments[0]):]
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(s, seg)
		if idx < 0 {
			return false
		}
		s = s[idx+len(seg):]
	}
	last := segments[len(segments)-1]
	if last == "" {
		return true
	}
	return strings.HasSuffix(s, last)
}

// PermissionSet groups the three permission domains a worker is configured
// with: file paths, shell commands, and plugin tool names.
type PermissionSet struct {
	Paths    Permissions `yaml:"paths" json:"paths"`
	Commands Permissions `yaml:"commands" json:"commands"`
	Tools    Permissions `yaml:"tools" json:"tools"`
}

// Check enforces permissions for a tool call before execution. It returns a
// policy_denied ToolError describing what was blocked, or nil.
func (ps *PermissionSet) Check(name string, args map[string]any) *ToolError {
	if ps == nil {
		return nil
	}
	switch {
	case strings.HasPrefix(name, "fs:"):
		path, ok := stringArg(args, "path")
		if !ok || path == "" {
			return nil // missing path is the tool's own validation problem
		}
		if !ps.Paths.Allows(path) {
			return &ToolError{Code: ErrCodePolicyDenied, Message: fmt.Sprintf("path %q is not permitted", path)}
		}
	case name == "shell:exec":
		command, ok := stringArg(args, "command")
		if !ok || command == "" {
			return nil
		}
		if !ps.Commands.AllowsCommand(command) {
			return &ToolError{Code: ErrCodePolicyDenied, Message: fmt.Sprintf("command %q is not permitted", firstWord(command))}
		}
	default:
		if !ps.Tools.Allows(name) {
			return &ToolError{Code: ErrCodePolicyDenied, Message: fmt.Sprintf("tool %q is not permitted", name)}
		}
	}
	return nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	return fields[0]
}
