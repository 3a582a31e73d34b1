package masking

import (
	"regexp"
	"strings"
)

// Masker is a code-based masking rule for content where structure matters
// more than a single regex can express.
type Masker interface {
	Name() string
	// AppliesTo gates the (potentially expensive) Mask call.
	AppliesTo(content string) bool
	Mask(content string) string
}

// builtinMaskers registers code maskers addressable from pattern groups.
var builtinMaskers = map[string]Masker{
	"env_secrets": &EnvSecretMasker{},
}

var (
	envLineRe      = regexp.MustCompile(`(?m)^(export\s+)?([A-Za-z_][A-Za-z0-9_]*)=(.+)$`)
	secretKeywords = []string{"TOKEN", "SECRET", "PASSWORD", "PASSWD", "API_KEY", "APIKEY", "CREDENTIAL", "PRIVATE_KEY", "AUTH"}
)

// EnvSecretMasker masks values of environment-style "KEY=value" lines whose
// key names secret material. Catches `env`, `printenv`, and dotenv file dumps
// regardless of value shape, where the generic regexes key off value length.
type EnvSecretMasker struct{}

func (m *EnvSecretMasker) Name() string { return "env_secrets" }

func (m *EnvSecretMasker) AppliesTo(content string) bool {
	return envLineRe.MatchString(content)
}

func (m *EnvSecretMasker) Mask(content string) string {
	return envLineRe.ReplaceAllStringFunc(content, func(line string) string {
		groups := envLineRe.FindStringSubmatch(line)
		if groups == nil {
			return line
		}
		key := groups[2]
		upper := strings.ToUpper(key)
		for _, keyword := range secretKeywords {
			if strings.Contains(upper, keyword) {
				return groups[1] + key + "=__MASKED_ENV__"
			}
		}
		return line
	})
}
