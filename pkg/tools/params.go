package tools

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseToolArguments parses the raw argument string a model attached to a tool
// call into structured parameters.
//
// Models usually emit well-formed JSON objects, but smaller tiers drift, so
// parsing cascades (first successful parse wins):
//
//  1. JSON object
//  2. JSON non-object (string, number, array) wrapped as {"input": value}
//  3. YAML carrying structure (arrays or nested maps)
//  4. "key: value" / "key=value" pairs separated by commas or newlines
//  5. raw string wrapped as {"input": string}
//
// Empty input returns an empty map for no-parameter tools.
func ParseToolArguments(input string) (map[string]any, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return map[string]any{}, nil
	}

	if result, ok := tryParseJSON(input); ok {
		return result, nil
	}
	if result, ok := tryParseYAML(input); ok {
		return result, nil
	}
	if result, ok := tryParseKeyValue(input); ok {
		return result, nil
	}
	return map[string]any{"input": input}, nil
}

func tryParseJSON(input string) (map[string]any, bool) {
	// First byte must plausibly start a JSON value.
	b := input[0]
	isJSONStart := b == '{' || b == '[' || b == '"' ||
		(b >= '0' && b <= '9') || b == '-' ||
		b == 't' || b == 'f' || b == 'n'
	if !isJSONStart {
		return nil, false
	}

	var raw any
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		return nil, false
	}
	if m, ok := raw.(map[string]any); ok {
		return m, true
	}
	return map[string]any{"input": raw}, true
}

// tryParseYAML only accepts maps with complex values. Plain "key: value"
// lines fall through to the key-value parser to avoid false positives on
// prose that happens to look like YAML.
func tryParseYAML(input string) (map[string]any, bool) {
	var result map[string]any
	if err := yaml.Unmarshal([]byte(input), &result); err != nil {
		return nil, false
	}
	if len(result) == 0 {
		return nil, false
	}
	for _, v := range result {
		switch v.(type) {
		case []any, map[string]any:
			return result, true
		}
	}
	return nil, false
}

func tryParseKeyValue(input string) (map[string]any, bool) {
	normalized := strings.ReplaceAll(input, "\n", ",")
	result := make(map[string]any)
	for _, part := range strings.Split(normalized, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := splitPair(part)
		if !ok {
			// One malformed part rejects the whole input; the raw-string
			// fallback is lossless.
			return nil, false
		}
		result[key] = coerceScalar(value)
	}
	if len(result) == 0 {
		return nil, false
	}
	return result, true
}

func splitPair(part string) (key, value string, ok bool) {
	for _, sep := range []string{":", "="} {
		if idx := strings.Index(part, sep); idx > 0 {
			k := strings.TrimSpace(part[:idx])
			v := strings.TrimSpace(part[idx+1:])
			if isValidKey(k) {
				return k, v, true
			}
		}
	}
	return "", "", false
}

// isValidKey accepts simple identifier keys. Anything else (quotes, braces,
// spaces) is likely a fragment of malformed JSON and falls through to the
// lossless raw-string fallback.
func isValidKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

// coerceScalar converts string values to JSON-compatible Go types.
func coerceScalar(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return s
		}
		return f
	}
	return s
}
