package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) *Tool {
	return &Tool{
		Definition: Definition{Name: name, Description: "echoes"},
		Run: func(_ context.Context, args map[string]any) (*Result, error) {
			msg, _ := stringArg(args, "message")
			return Text(msg), nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(echoTool("fs:read")))

	err := r.Register(echoTool("fs:read"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	err = r.Register(&Tool{Definition: Definition{Name: ""}})
	require.Error(t, err)

	err = r.Register(&Tool{Definition: Definition{Name: "no-run"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run function")
}

func TestRegistryDefinitionsOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.RegisterAll(echoTool("fs:read"), echoTool("shell:exec"), echoTool("report")))

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "fs:read", defs[0].Name)
	assert.Equal(t, "shell:exec", defs[1].Name)
	assert.Equal(t, "report", defs[2].Name)
}

func TestRegistryExecute_UnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(echoTool("fs:read")))

	res, err := r.Execute(context.Background(), "fs:nope", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, ErrCodeUnknownTool, res.Error.Code)
	assert.Contains(t, res.Error.Message, "fs:read")
}

func TestRegistryExecute_PermissionDenied(t *testing.T) {
	ps := &PermissionSet{Paths: Permissions{Deny: []string{"secrets/**"}}}
	r := NewRegistry(ps, nil)
	require.NoError(t, r.Register(echoTool("fs:read")))

	res, err := r.Execute(context.Background(), "fs:read", map[string]any{"path": "secrets/key"})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, ErrCodePolicyDenied, res.Error.Code)
	assert.False(t, res.Success)
}

func TestRegistryExecute_ReservedBypassesPermissions(t *testing.T) {
	// Deny everything; report must still execute.
	ps := &PermissionSet{Tools: Permissions{Deny: []string{"**"}}}
	r := NewRegistry(ps, nil)
	require.NoError(t, r.Register(ReportTool()))

	res, err := r.Execute(context.Background(), ToolReport, map[string]any{"answer": "done"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRegistryExecute_RunErrorBecomesResult(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&Tool{
		Definition: Definition{Name: "flaky:tool"},
		Run: func(context.Context, map[string]any) (*Result, error) {
			return nil, errors.New("backend unavailable")
		},
	}))

	res, err := r.Execute(context.Background(), "flaky:tool", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, ErrCodeExecFailed, res.Error.Code)
	assert.Contains(t, res.Error.Message, "backend unavailable")
}

func TestRegistryExecute_CanceledContextPropagates(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&Tool{
		Definition: Definition{Name: "slow:tool"},
		Run: func(ctx context.Context, _ map[string]any) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Execute(ctx, "slow:tool", map[string]any{})
	require.ErrorIs(t, err, context.Canceled)
}
