package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	defaultShellTimeout = 2 * time.Minute
	maxShellOutputBytes = 256 << 10
)

// ShellConfig configures the builtin shell tool.
type ShellConfig struct {
	Root    string        // working directory for commands
	Timeout time.Duration // per-command default, overridable via timeoutMs
	Env     []string      // extra environment entries appended to the parent's
}

// ShellTools returns the shell:exec tool.
func ShellTools(cfg ShellConfig) []*Tool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultShellTimeout
	}
	sh := &shellTool{cfg: cfg}
	return []*Tool{
		{
			Definition: Definition{
				Name:        "shell:exec",
				Description: "Execute a shell command in the workspace and return its combined output.",
				InputSchema: shellSchema(),
				Mutating:    true,
				Group:       "shell",
			},
			Run: sh.exec,
		},
	}
}

type shellTool struct {
	cfg ShellConfig
}

func (s *shellTool) exec(ctx context.Context, args map[string]any) (*Result, error) {
	command, ok := stringArg(args, "command")
	if !ok || command == "" {
		return Errorf(ErrCodeInvalidArgs, "command is required"), nil
	}

	timeout := s.cfg.Timeout
	if ms, ok := intArg(args, "timeoutMs"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = s.cfg.Root
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.cfg.Env...)
	}

	started := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(started)

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		res := Errorf(ErrCodeTimeout, "command timed out after %s", timeout)
		res.Output = truncateOutput(output)
		res.Metadata = map[string]any{"command": command, "durationMs": elapsed.Milliseconds()}
		return res, nil
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Errorf(ErrCodeExecFailed, "start command: %v", err), nil
		}
	}

	res := &Result{
		Success: exitCode == 0,
		Output:  truncateOutput(output),
		Metadata: map[string]any{
			"command":    command,
			"exitCode":   exitCode,
			"durationMs": elapsed.Milliseconds(),
		},
	}
	if exitCode != 0 {
		res.Error = &ToolError{Code: ErrCodeExecFailed, Message: fmt.Sprintf("command exited with code %d", exitCode)}
	}
	return res, nil
}

func truncateOutput(output []byte) string {
	if len(output) > maxShellOutputBytes {
		return string(bytes.ToValidUTF8(output[:maxShellOutputBytes], nil)) + "\n... [truncated]"
	}
	return string(output)
}

func shellSchema() []byte {
	return []byte(`{
  "type": "object",
  "properties": {
    "command": {"type": "string", "description": "Shell command to execute"},
    "timeoutMs": {"type": "integer", "description": "Optional timeout in milliseconds"}
  },
  "required": ["command"]
}`)
}
