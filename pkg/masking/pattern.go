package masking

import (
	"log/slog"
	"regexp"
)

// Pattern is a regex masking rule.
type Pattern struct {
	Name        string `yaml:"name" json:"name"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

func (s *Service) compile(spec Pattern) {
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		s.logger.Error("failed to compile masking pattern, skipping",
			slog.String("pattern", spec.Name), slog.Any("error", err))
		return
	}
	s.patterns = append(s.patterns, &compiledPattern{
		name:        spec.Name,
		regex:       re,
		replacement: spec.Replacement,
	})
}

var builtinPatterns = map[string]Pattern{
	"api_key": {
		Name:        "api_key",
		Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
		Replacement: `"api_key": "__MASKED_API_KEY__"`,
		Description: "API keys",
	},
	"password": {
		Name:        "password",
		Pattern:     `(?i)(?:password|pwd|passwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		Replacement: `"password": "__MASKED_PASSWORD__"`,
		Description: "Passwords",
	},
	"token": {
		Name:        "token",
		Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		Replacement: `"token": "__MASKED_TOKEN__"`,
		Description: "Access tokens",
	},
	"private_key": {
		Name:        "private_key",
		Pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		Replacement: `"private_key": "__MASKED_PRIVATE_KEY__"`,
		Description: "Private keys",
	},
	"secret_key": {
		Name:        "secret_key",
		Pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		Replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
		Description: "Secret keys",
	},
	"certificate": {
		Name:        "certificate",
		Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		Replacement: `__MASKED_CERTIFICATE__`,
		Description: "PEM blocks (certificates and keys)",
	},
	"email": {
		Name:        "email",
		Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
		Replacement: `__MASKED_EMAIL__`,
		Description: "Email addresses",
	},
	"ssh_key": {
		Name:        "ssh_key",
		Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		Replacement: `__MASKED_SSH_KEY__`,
		Description: "SSH public keys",
	},
	"base64_secret": {
		Name:        "base64_secret",
		Pattern:     `\b([A-Za-z0-9+/]{40,}={0,2})\b`,
		Replacement: `__MASKED_BASE64_VALUE__`,
		Description: "Long base64 values",
	},
	"aws_access_key": {
		Name:        "aws_access_key",
		Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
		Replacement: `__MASKED_AWS_KEY__`,
		Description: "AWS access key IDs",
	},
	"aws_secret_key": {
		Name:        "aws_secret_key",
		Pattern:     `(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`,
		Replacement: `"aws_secret_access_key": "__MASKED_AWS_SECRET__"`,
		Description: "AWS secret keys",
	},
	"github_token": {
		Name:        "github_token",
		Pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
		Replacement: `__MASKED_GITHUB_TOKEN__`,
		Description: "GitHub tokens",
	},
	"slack_token": {
		Name:        "slack_token",
		Pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
		Replacement: `__MASKED_SLACK_TOKEN__`,
		Description: "Slack tokens",
	},
}

// builtinGroups bundles patterns for config convenience. Group members may
// name regex patterns or code maskers.
var builtinGroups = map[string][]string{
	"basic":    {"api_key", "password"},
	"secrets":  {"api_key", "password", "token", "private_key", "secret_key", "env_secrets"},
	"security": {"api_key", "password", "token", "certificate", "email", "ssh_key", "env_secrets"},
	"cloud":    {"aws_access_key", "aws_secret_key", "api_key", "token"},
	"all": {
		"env_secrets", "api_key", "password", "token", "private_key", "secret_key",
		"certificate", "email", "ssh_key", "base64_secret",
		"aws_access_key", "aws_secret_key", "github_token", "slack_token",
	},
}
