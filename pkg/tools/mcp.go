package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/casey/pkg/version"
)

// Transport types for plugin servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

const (
	pluginInitTimeout = 30 * time.Second
	pluginCallTimeout = 90 * time.Second
	retryBackoffMin   = 250 * time.Millisecond
	retryBackoffMax   = 750 * time.Millisecond
)

// TransportSpec describes how to reach a plugin server.
type TransportSpec struct {
	Type        string            `yaml:"type" json:"type"`
	Command     string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL         string            `yaml:"url,omitempty" json:"url,omitempty"`
	BearerToken string            `yaml:"bearer_token,omitempty" json:"bearer_token,omitempty"`
	// TimeoutSeconds bounds individual HTTP requests; zero means no limit.
	TimeoutSeconds int  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	SkipTLSVerify  bool `yaml:"skip_tls_verify,omitempty" json:"skip_tls_verify,omitempty"`
}

// ServerSpec identifies one plugin server and optionally restricts which of
// its tools are exposed.
type ServerSpec struct {
	ID           string        `yaml:"id" json:"id"`
	Transport    TransportSpec `yaml:"transport" json:"transport"`
	AllowedTools []string      `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
}

// PluginSource connects to MCP servers and exposes their tools under
// "serverID:toolName" names. Thread-safe; sessions are shared across agents
// within a run.
type PluginSource struct {
	specs map[string]ServerSpec

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
	failed   map[string]string

	// Per-server mutex so concurrent reconnects do not stampede.
	reinitMu sync.Map

	logger *slog.Logger
}

// NewPluginSource builds a source for the given servers. Call Connect before
// Tools.
func NewPluginSource(specs []ServerSpec, logger *slog.Logger) *PluginSource {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]ServerSpec, len(specs))
	for _, s := range specs {
		byID[s.ID] = s
	}
	return &PluginSource{
		specs:    byID,
		sessions: make(map[string]*mcpsdk.ClientSession),
		failed:   make(map[string]string),
		logger:   logger,
	}
}

// Connect dials every configured server. Servers that fail are recorded and
// skipped; the run proceeds with the remainder.
func (p *PluginSource) Connect(ctx context.Context) error {
	for id := range p.specs {
		if err := p.connectServer(ctx, id); err != nil {
			p.mu.Lock()
			p.failed[id] = err.Error()
			p.mu.Unlock()
			p.logger.Warn("plugin server failed to connect",
				slog.String("server", id), slog.Any("error", err))
		}
	}
	return nil
}

// FailedServers returns the servers that could not be reached, with reasons.
func (p *PluginSource) FailedServers() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.failed))
	for k, v := range p.failed {
		out[k] = v
	}
	return out
}

func (p *PluginSource) connectServer(ctx context.Context, serverID string) error {
	muI, _ := p.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return p.connectServerLocked(ctx, serverID)
}

func (p *PluginSource) connectServerLocked(ctx context.Context, serverID string) error {
	p.mu.RLock()
	_, connected := p.sessions[serverID]
	p.mu.RUnlock()
	if connected {
		return nil
	}

	spec, ok := p.specs[serverID]
	if !ok {
		return fmt.Errorf("plugin server %q is not configured", serverID)
	}
	transport, err := buildTransport(spec.Transport)
	if err != nil {
		return fmt.Errorf("build transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, pluginInitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", serverID, err)
	}

	p.mu.Lock()
	p.sessions[serverID] = session
	delete(p.failed, serverID)
	p.mu.Unlock()

	p.logger.Info("plugin server connected", slog.String("server", serverID))
	return nil
}

// Tools lists every exposed tool across connected servers. Listing failures
// on individual servers are logged and skipped.
func (p *PluginSource) Tools(ctx context.Context) []*Tool {
	p.mu.RLock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var out []*Tool
	for _, serverID := range ids {
		tools, err := p.listServer(ctx, serverID)
		if err != nil {
			p.logger.Warn("failed to list plugin tools",
				slog.String("server", serverID), slog.Any("error", err))
			continue
		}
		out = append(out, tools...)
	}
	return out
}

func (p *PluginSource) listServer(ctx context.Context, serverID string) ([]*Tool, error) {
	p.mu.RLock()
	session, ok := p.sessions[serverID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, pluginCallTimeout)
	defer cancel()
	listed, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}

	spec := p.specs[serverID]
	var out []*Tool
	for _, t := range listed.Tools {
		if !toolAllowed(spec.AllowedTools, t.Name) {
			continue
		}
		name := serverID + ":" + t.Name
		remote := t.Name
		out = append(out, &Tool{
			Definition: Definition{
				Name:         name,
				Description:  t.Description,
				InputSchema:  marshalSchema(t.InputSchema),
				OutputSchema: marshalSchema(t.OutputSchema),
				Group:        serverID,
				// Plugin tools are treated as mutating unless proven
				// otherwise, so cached results never hide side effects.
				Mutating: true,
			},
			Run: func(ctx context.Context, args map[string]any) (*Result, error) {
				return p.call(ctx, serverID, remote, args)
			},
		})
	}
	return out, nil
}

// call executes one plugin tool with a single reconnect-and-retry on
// connection failures.
func (p *PluginSource) call(ctx context.Context, serverID, toolName string, args map[string]any) (*Result, error) {
	result, err := p.callOnce(ctx, serverID, toolName, args)
	if err == nil {
		return pluginResult(result), nil
	}
	if !isConnectionError(err) || ctx.Err() != nil {
		return pluginError(serverID, toolName, err), nil
	}

	p.logger.Info("plugin call failed, reconnecting",
		slog.String("server", serverID), slog.String("tool", toolName), slog.Any("error", err))

	backoff := retryBackoffMin + time.Duration(rand.Int64N(int64(retryBackoffMax-retryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := p.reconnect(ctx, serverID); err != nil {
		return pluginError(serverID, toolName, err), nil
	}
	result, err = p.callOnce(ctx, serverID, toolName, args)
	if err != nil {
		return pluginError(serverID, toolName, err), nil
	}
	return pluginResult(result), nil
}

func (p *PluginSource) callOnce(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	p.mu.RLock()
	session, ok := p.sessions[serverID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, pluginCallTimeout)
	defer cancel()
	return session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
}

func (p *PluginSource) reconnect(ctx context.Context, serverID string) error {
	muI, _ := p.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	p.mu.Lock()
	if session, ok := p.sessions[serverID]; ok {
		_ = session.Close()
		delete(p.sessions, serverID)
	}
	p.mu.Unlock()

	reinitCtx, cancel := context.WithTimeout(ctx, pluginInitTimeout)
	defer cancel()
	return p.connectServerLocked(reinitCtx, serverID)
}

// Close shuts down every session.
func (p *PluginSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, session := range p.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	p.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

// pluginResult converts an MCP result. Structured content is preferred when
// the server returned it so schema validation sees real JSON.
func pluginResult(result *mcpsdk.CallToolResult) *Result {
	output := ""
	if result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			output = string(data)
		}
	}
	if output == "" {
		output = extractTextContent(result)
	}
	if result.IsError {
		res := Errorf(ErrCodeExecFailed, "%s", output)
		res.Output = output
		return res
	}
	return Text(output)
}

func pluginError(serverID, toolName string, err error) *Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Errorf(ErrCodeTimeout, "plugin tool %s:%s timed out", serverID, toolName)
	}
	return Errorf(ErrCodeExecFailed, "plugin tool %s:%s failed: %v", serverID, toolName, err)
}

// extractTextContent concatenates the text items of an MCP result. Non-text
// content is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

func toolAllowed(allowed []string, name string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

// isConnectionError detects transport-level failures worth a reconnect.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, probe := range []string{"connection refused", "connection reset", "broken pipe", "connection closed", "no such host"} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}

// buildTransport constructs the SDK transport for a server spec.
func buildTransport(spec TransportSpec) (mcpsdk.Transport, error) {
	switch spec.Type {
	case TransportStdio:
		if spec.Command == "" {
			return nil, fmt.Errorf("stdio transport requires command")
		}
		cmd := exec.Command(spec.Command, spec.Args...)
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportHTTP:
		if spec.URL == "" {
			return nil, fmt.Errorf("http transport requires url")
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: spec.URL}
		if needsHTTPClient(spec) {
			t.HTTPClient = buildHTTPClient(spec)
		}
		return t, nil
	case TransportSSE:
		if spec.URL == "" {
			return nil, fmt.Errorf("sse transport requires url")
		}
		t := &mcpsdk.SSEClientTransport{Endpoint: spec.URL}
		if needsHTTPClient(spec) {
			t.HTTPClient = buildHTTPClient(spec)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %q", spec.Type)
	}
}

func needsHTTPClient(spec TransportSpec) bool {
	return spec.BearerToken != "" || spec.SkipTLSVerify || spec.TimeoutSeconds > 0
}

func buildHTTPClient(spec TransportSpec) *http.Client {
	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if spec.SkipTLSVerify {
		httpTransport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // user-configured
			MinVersion:         tls.VersionTLS12,
		}
	}

	client := &http.Client{Transport: httpTransport}
	if spec.BearerToken != "" {
		client.Transport = &bearerTokenTransport{base: client.Transport, token: spec.BearerToken}
	}
	if spec.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	return client
}

// bearerTokenTransport adds an Authorization header to every request.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
