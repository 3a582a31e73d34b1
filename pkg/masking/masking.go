// Package masking scrubs secret material (API keys, tokens, passwords,
// certificates) from tool output before it reaches traces, events, or the
// model's context.
package masking

import (
	"fmt"
	"log/slog"
)

// Config selects which patterns a Service applies.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Groups names builtin pattern groups ("basic", "secrets", "security",
	// "cloud", "all"). Empty defaults to "secrets".
	Groups []string `yaml:"pattern_groups,omitempty" json:"pattern_groups,omitempty"`
	// Patterns names individual builtin patterns to add.
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	// Custom adds deployment-specific regex patterns.
	Custom []Pattern `yaml:"custom_patterns,omitempty" json:"custom_patterns,omitempty"`
}

// Service applies data masking. Created once at startup; thread-safe and
// stateless aside from compiled patterns.
type Service struct {
	enabled  bool
	maskers  []Masker
	patterns []*compiledPattern
	logger   *slog.Logger
}

// NewService compiles the configured patterns. Invalid patterns are logged
// and skipped so one bad regex cannot disable masking entirely.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return s
	}

	groups := cfg.Groups
	if len(groups) == 0 && len(cfg.Patterns) == 0 && len(cfg.Custom) == 0 {
		groups = []string{"secrets"}
	}

	seen := make(map[string]bool)
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if m, ok := builtinMaskers[name]; ok {
			s.maskers = append(s.maskers, m)
			return
		}
		spec, ok := builtinPatterns[name]
		if !ok {
			logger.Warn("unknown masking pattern, skipping", slog.String("pattern", name))
			return
		}
		s.compile(spec)
	}

	for _, group := range groups {
		names, ok := builtinGroups[group]
		if !ok {
			logger.Warn("unknown masking pattern group, skipping", slog.String("group", group))
			continue
		}
		for _, name := range names {
			add(name)
		}
	}
	for _, name := range cfg.Patterns {
		add(name)
	}
	for i, custom := range cfg.Custom {
		if custom.Name == "" {
			custom.Name = fmt.Sprintf("custom:%d", i)
		}
		s.compile(custom)
	}

	logger.Info("masking service initialized",
		slog.Int("patterns", len(s.patterns)),
		slog.Int("maskers", len(s.maskers)))
	return s
}

// Enabled reports whether the service masks at all.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Mask scrubs content. Fail-closed: if masking itself breaks, a redaction
// notice replaces the content rather than letting raw material through.
func (s *Service) Mask(content string) (masked string) {
	if !s.Enabled() || content == "" {
		return content
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("masking failed, redacting content", slog.Any("panic", r))
			masked = "[REDACTED: data masking failure, content could not be safely processed]"
		}
	}()

	masked = content
	// Code maskers first: they understand structure the regex sweep misses.
	for _, m := range s.maskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	for _, p := range s.patterns {
		masked = p.regex.ReplaceAllString(masked, p.replacement)
	}
	return masked
}
