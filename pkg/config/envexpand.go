package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax ({{.VAR_NAME}}), chosen over $VAR to avoid collision with literal $
// characters that appear routinely in this configuration:
//
//   - regex masking patterns: ^secret.*$, price\$[0-9]+
//   - deny-list command globs: $HOME/*
//   - shell snippets inside custom instructions: $PATH, ${ARRAY[0]}
//
// Missing variables expand to the empty string; validation catches required
// fields left empty. Malformed templates pass the original bytes through so
// the YAML parser produces the clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on the first '=' so values containing '=' survive.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
