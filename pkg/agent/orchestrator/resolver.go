package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/config"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/masking"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
	"github.com/codeready-toolchain/casey/pkg/trace"
	"github.com/codeready-toolchain/casey/pkg/verify"
)

// RuntimeDeps bundles the process-wide infrastructure the resolver wires the
// roster onto.
type RuntimeDeps struct {
	Traces    *trace.Store
	Bus       *events.Bus
	Snapshots tools.Snapshotter

	// ExtraTools are runtime-provided tools added to every profile's
	// registry, such as archive recall.
	ExtraTools []*tools.Tool

	// Archive receives synthesized answers; nil disables session memory.
	Archive Archiver

	Logger *slog.Logger
}

// Runtime is the resolved agent stack: tier clients, the worker roster with
// its tool plumbing, and verification. One Runtime serves every run; per-run
// orchestrators are built from it.
type Runtime struct {
	Registry *llm.Registry
	Roster   *Roster
	Workers  Runner
	Verifier *verify.Verifier
	Judge    Scorer
	Metrics  *verify.Metrics

	cfg         *config.Config
	deps        RuntimeDeps
	plugins     []*tools.PluginSource
	corrections *middleware.Exchange
}

// NewRuntime resolves configuration into a runnable stack. Plugin servers are
// dialed here; servers that fail to connect are logged and skipped so one
// down plugin does not block startup.
func NewRuntime(ctx context.Context, cfg *config.Config, deps RuntimeDeps) (*Runtime, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	log := deps.Logger

	registry, err := BuildLLMRegistry(cfg, log)
	if err != nil {
		return nil, err
	}

	var masker *masking.Service
	if cfg.Defaults.ToolMasking != nil {
		masker = masking.NewService(*cfg.Defaults.ToolMasking, log)
	}

	rt := &Runtime{Registry: registry, cfg: cfg, deps: deps, corrections: middleware.NewExchange()}

	runner := &workerRunner{
		registry:  registry,
		traces:    deps.Traces,
		bus:       deps.Bus,
		snapshots: deps.Snapshots,
		extra:     deps.ExtraTools,
		inbox:     rt.corrections,
		profiles:  make(map[string]profileTools),
		logger:    log,
	}
	if masker != nil && masker.Enabled() {
		runner.mask = masker.Mask
	}

	schemas := schemaIndex{}
	var profiles []Profile
	for _, name := range cfg.AgentRegistry.Names() {
		a, err := cfg.AgentRegistry.Get(name)
		if err != nil {
			return nil, err
		}

		var plugins *tools.PluginSource
		if len(a.MCPServers) > 0 {
			specs, err := cfg.MCPServerRegistry.Specs(a.MCPServers)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", name, err)
			}
			plugins = tools.NewPluginSource(specs, log)
			if err := plugins.Connect(ctx); err != nil {
				log.Warn("plugin server connect failed",
					slog.String("agent_id", name),
					slog.Any("error", err))
			}
			for id, reason := range plugins.FailedServers() {
				log.Warn("plugin server unavailable",
					slog.String("agent_id", name),
					slog.String("server_id", id),
					slog.String("reason", reason))
			}
			rt.plugins = append(rt.plugins, plugins)
		}

		catalog := profileCatalog(ctx, plugins, deps.ExtraTools)
		for _, def := range catalog {
			if len(def.OutputSchema) > 0 {
				schemas[def.Name] = def
			}
		}

		profile, err := resolveProfile(name, a, cfg.Defaults, catalog, registry, masker, log)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)

		runner.profiles[name] = profileTools{
			perms:   a.Permissions,
			plugins: plugins,
		}
	}

	roster, err := NewRoster(profiles...)
	if err != nil {
		return nil, err
	}
	rt.Roster = roster
	runner.defaultID = roster.Default().ID
	rt.Workers = runner

	rt.Metrics = verify.NewMetrics(200)
	rt.Verifier = verify.NewVerifier(deps.Traces, log,
		verify.WithSchemas(schemas), verify.WithMetrics(rt.Metrics))
	rt.Judge = verify.NewJudge(registry, deps.Traces, log)

	return rt, nil
}

// RunConfig builds the per-run orchestrator configuration from the system
// defaults.
func (rt *Runtime) RunConfig(runID, sessionID string) Config {
	c := Config{
		RunID:      runID,
		SessionID:  sessionID,
		WorkDir:    rt.cfg.Paths.WorkDir,
		SessionDir: rt.SessionDir(sessionID),
		Inbox:      rt.corrections.Box(runID, defaultAgentID),
	}
	if o := rt.cfg.Defaults.Orchestrator; o != nil {
		c.Tier = llm.Tier(o.Tier)
		c.MaxConcurrent = o.MaxConcurrent
		c.MaxRetries = o.MaxRetries
		c.RetryBackoff = o.RetryBackoff
	}
	return c
}

// Corrections is the mailbox exchange mid-run operator messages travel
// through. The run manager pushes; dispatched workers drain.
func (rt *Runtime) Corrections() *middleware.Exchange {
	return rt.corrections
}

// SessionDir returns the on-disk state directory for one session.
func (rt *Runtime) SessionDir(sessionID string) string {
	return filepath.Join(rt.cfg.Paths.DataDir, "sessions", sessionID)
}

// Deps assembles the orchestrator dependency bundle.
func (rt *Runtime) Deps() Deps {
	return Deps{
		Registry: rt.Registry,
		Workers:  rt.Workers,
		Roster:   rt.Roster,
		Verifier: rt.Verifier,
		Judge:    rt.Judge,
		Archive:  rt.deps.Archive,
		Bus:      rt.deps.Bus,
		Logger:   rt.deps.Logger,
	}
}

// Close disconnects every plugin server.
func (rt *Runtime) Close() error {
	var firstErr error
	for _, p := range rt.plugins {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BuildLLMRegistry constructs provider clients from configuration and binds
// them to their tiers. Providers whose API key environment variable is unset
// are skipped with a warning, so a deployment with only one vendor's keys
// still starts; an empty registry is an error.
func BuildLLMRegistry(cfg *config.Config, log *slog.Logger) (*llm.Registry, error) {
	registry := llm.NewRegistry()
	for name, p := range cfg.LLMProviderRegistry.GetAll() {
		apiKey := os.Getenv(p.APIKeyEnv)
		if apiKey == "" {
			log.Warn("LLM provider skipped: API key not set",
				slog.String("provider", name),
				slog.String("env", p.APIKeyEnv))
			continue
		}

		var client llm.Client
		var err error
		switch p.Type {
		case config.LLMProviderTypeOpenAI:
			client, err = llm.NewOpenAIFromAPIKey(apiKey, p.Model, p.BaseURL)
		case config.LLMProviderTypeAnthropic:
			client, err = llm.NewAnthropicFromAPIKey(apiKey, p.Model)
		default:
			err = fmt.Errorf("unknown provider type %q", p.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}

		registry.Register(llm.Tier(p.Tier), client)
		log.Info("LLM provider registered",
			slog.String("provider", name),
			slog.String("tier", p.Tier),
			slog.String("model", p.Model))
	}
	if _, ok := registry.Highest(); !ok {
		return nil, fmt.Errorf("no LLM provider usable: no API keys set")
	}
	return registry, nil
}

// resolveProfile builds one roster profile, filling unset budgets from the
// system defaults and validating the tool strategy eagerly so a broken
// configuration fails at startup instead of mid-run.
func resolveProfile(name string, a *config.AgentConfig, d *config.Defaults, catalog []tools.Definition, registry *llm.Registry, masker *masking.Service, log *slog.Logger) (Profile, error) {
	p := Profile{
		ID:                        name,
		Description:               a.Description,
		MaxIterations:             a.MaxIterations,
		MaxTokens:                 a.MaxTokens,
		MaxResponseTokens:         a.MaxResponseTokens,
		IterationTimeout:          a.IterationTimeout,
		ForceSynthesisOnHardLimit: a.ForceSynthesisOnHardLimit,
		CustomInstructions:        a.CustomInstructions,
	}

	for _, tier := range a.Ladder {
		p.Ladder = append(p.Ladder, llm.Tier(tier))
	}
	if len(p.Ladder) == 0 && d.Tier != "" {
		p.Ladder = []llm.Tier{llm.Tier(d.Tier)}
	}

	if p.MaxIterations <= 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = d.MaxTokens
	}
	if p.MaxResponseTokens <= 0 {
		p.MaxResponseTokens = d.MaxResponseTokens
	}
	if a.Temperature != nil {
		p.Temperature = *a.Temperature
	} else {
		p.Temperature = d.Temperature
	}
	if p.IterationTimeout <= 0 {
		p.IterationTimeout = d.IterationTimeout
	}

	mode := a.ToolStrategy.Mode
	groups := a.ToolStrategy.Groups
	if _, err := agent.NewStrategy(mode, catalog, groups); err != nil {
		return Profile{}, fmt.Errorf("agent %s: %w", name, err)
	}
	p.Strategy = func() agent.Strategy {
		s, _ := agent.NewStrategy(mode, catalog, groups)
		return s
	}
	p.Middlewares = middlewareStack(a.Middlewares, registry, masker, log)

	return p, nil
}

// middlewareStack returns a factory producing a fresh middleware pipeline per
// dispatch; several middlewares carry per-run state. Nil config sections run
// with their package defaults.
func middlewareStack(mc *config.MiddlewaresConfig, registry *llm.Registry, masker *masking.Service, log *slog.Logger) func() []middleware.Middleware {
	if mc == nil {
		mc = &config.MiddlewaresConfig{}
	}

	budget := middleware.DefaultBudgetConfig()
	if mc.Budget != nil {
		budget = *mc.Budget
	}
	ctxFilter := middleware.DefaultContextFilterConfig()
	if mc.ContextFilter != nil {
		ctxFilter = *mc.ContextFilter
	}
	factSheet := middleware.DefaultFactSheetConfig()
	if mc.FactSheet != nil {
		factSheet = *mc.FactSheet
	}
	progress := middleware.DefaultProgressConfig()
	if mc.Progress != nil {
		progress = *mc.Progress
	}
	reflection := middleware.DefaultReflectionConfig()
	if mc.Reflection != nil {
		reflection = *mc.Reflection
	}
	var analytics middleware.AnalyticsConfig
	if mc.Analytics != nil {
		analytics = *mc.Analytics
	}
	var classifier middleware.TaskClassifierConfig
	if mc.Classifier != nil {
		classifier = *mc.Classifier
	}
	var searchSignal middleware.SearchSignalConfig
	if mc.SearchSignal != nil {
		searchSignal = *mc.SearchSignal
	}
	var todoSync middleware.TodoSyncConfig
	if mc.TodoSync != nil {
		todoSync = *mc.TodoSync
	}

	return func() []middleware.Middleware {
		mws := []middleware.Middleware{
			middleware.NewBudget(budget),
			middleware.NewContextFilter(ctxFilter),
			middleware.NewFactSheet(factSheet, registry),
			middleware.NewProgress(progress),
			middleware.NewReflection(reflection, registry),
			middleware.NewAnalytics(analytics, log),
			middleware.NewTaskClassifier(classifier, registry),
			middleware.NewSearchSignal(searchSignal, log),
			middleware.NewTodoSync(todoSync),
		}
		if masker != nil && masker.Enabled() {
			mws = append(mws, middleware.NewObservability(masker))
		}
		return mws
	}
}

// profileCatalog lists the tool definitions one profile's strategy and the
// roster prompt see: builtins, the report channel, the profile's plugin
// tools, and runtime extras.
func profileCatalog(ctx context.Context, plugins *tools.PluginSource, extra []*tools.Tool) []tools.Definition {
	var defs []tools.Definition
	for _, t := range tools.FSTools(tools.FSConfig{}) {
		defs = append(defs, t.Definition)
	}
	for _, t := range tools.ShellTools(tools.ShellConfig{}) {
		defs = append(defs, t.Definition)
	}
	defs = append(defs, tools.ReportTool().Definition)
	if plugins != nil {
		for _, t := range plugins.Tools(ctx) {
			defs = append(defs, t.Definition)
		}
	}
	for _, t := range extra {
		defs = append(defs, t.Definition)
	}
	return defs
}

// schemaIndex resolves tool names to declared output schemas across every
// profile, for the verifier's level-2 checks.
type schemaIndex map[string]tools.Definition

func (s schemaIndex) OutputSchema(tool string) (json.RawMessage, bool) {
	def, ok := s[tool]
	if !ok || len(def.OutputSchema) == 0 {
		return nil, false
	}
	return def.OutputSchema, true
}

// profileTools is the per-profile tool plumbing the runner needs at dispatch
// time.
type profileTools struct {
	perms   *tools.PermissionSet
	plugins *tools.PluginSource
}

// workerRunner dispatches delegated tasks to workers. The tool registry is
// rebuilt per dispatch: filesystem tools carry the run's session identity for
// snapshot records, and permission policy is the profile's own.
type workerRunner struct {
	registry  *llm.Registry
	traces    *trace.Store
	bus       *events.Bus
	snapshots tools.Snapshotter
	extra     []*tools.Tool
	mask      trace.MaskFunc
	inbox     *middleware.Exchange

	profiles  map[string]profileTools
	defaultID string

	logger *slog.Logger
}

func (r *workerRunner) Execute(ctx context.Context, task string, cfg agent.Config) (*models.SpecialistOutcome, error) {
	pt, ok := r.profiles[cfg.AgentID]
	if !ok {
		pt = r.profiles[r.defaultID]
	}

	reg := tools.NewRegistry(pt.perms, r.logger)
	if err := reg.RegisterAll(tools.FSTools(tools.FSConfig{
		Root:      cfg.WorkDir,
		SessionID: cfg.SessionID,
		AgentID:   cfg.AgentID,
		Snapshots: r.snapshots,
	})...); err != nil {
		return nil, err
	}
	if err := reg.RegisterAll(tools.ShellTools(tools.ShellConfig{Root: cfg.WorkDir})...); err != nil {
		return nil, err
	}
	if err := reg.Register(tools.ReportTool()); err != nil {
		return nil, err
	}
	if pt.plugins != nil {
		if err := reg.RegisterAll(pt.plugins.Tools(ctx)...); err != nil {
			return nil, err
		}
	}
	if err := reg.RegisterAll(r.extra...); err != nil {
		return nil, err
	}

	if cfg.Inbox == nil && r.inbox != nil {
		cfg.Inbox = r.inbox.Box(cfg.RunID, cfg.AgentID)
	}

	var opts []agent.WorkerOption
	if r.mask != nil {
		opts = append(opts, agent.WithMask(r.mask))
	}
	w := agent.NewWorker(r.registry, reg, r.traces, r.bus, r.logger, opts...)
	return w.Execute(ctx, task, cfg)
}
