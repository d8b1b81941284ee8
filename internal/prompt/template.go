// Package prompt fills ${name} placeholders in prompt templates.
package prompt

import (
	"fmt"
	"regexp"

	"github.com/BurntSushi/toml"
)

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\}`)

// ExtractVariables returns the placeholder names in text, in order of
// appearance. Repeated names are listed each time.
func ExtractVariables(text string) []string {
	matches := variablePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// ReplaceVariables substitutes each placeholder that has a value. Unknown
// placeholders are left as they are.
func ReplaceVariables(text string, values map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}

// Missing returns the placeholder names in text that values does not cover,
// without duplicates.
func Missing(text string, values map[string]string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, name := range ExtractVariables(text) {
		if _, ok := values[name]; ok || seen[name] {
			continue
		}
		seen[name] = true
		missing = append(missing, name)
	}
	return missing
}

// ParseInput decodes TOML variable assignments.
func ParseInput(input string) (map[string]any, error) {
	values := make(map[string]any)
	if _, err := toml.Decode(input, &values); err != nil {
		return nil, fmt.Errorf("parse prompt input: %w", err)
	}
	return values, nil
}

// Render fills text from TOML input. Non-string values are formatted with
// their default representation.
func Render(text, input string) (string, error) {
	parsed, err := ParseInput(input)
	if err != nil {
		return "", err
	}
	values := make(map[string]string, len(parsed))
	for k, v := range parsed {
		if s, ok := v.(string); ok {
			values[k] = s
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	return ReplaceVariables(text, values), nil
}
