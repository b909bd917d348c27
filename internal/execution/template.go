package execution

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
)

// placeholderRe matches {variable_name} placeholders. Only identifier-style
// names are recognized, so JSON fragments substituted into a template (which
// contain quotes, colons, commas) never look like placeholders on a second
// pass.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolveTemplate replaces every {name} occurrence with the string form of
// context[name]. Structured values are serialized to compact JSON before
// substitution. Unresolved variables are not fatal: the placeholder is left
// literal and a warning is logged — the model usually tolerates a stray
// token better than an aborted run.
//
// No nested substitution, no escaping syntax for literal braces.
func ResolveTemplate(template string, context map[string]any) string {
	if template == "" {
		return ""
	}

	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]

		value, ok := context[name]
		if !ok {
			log.Printf("⚠️ [TEMPLATE] Unresolved variable '%s', keeping placeholder", name)
			return match
		}

		return stringify(value, match)
	})
}

// stringify converts a context value to its substitution text. fallback is
// returned when the value cannot be serialized.
func stringify(value any, fallback string) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case bool:
		return fmt.Sprintf("%t", v)
	case nil:
		return "null"
	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return fallback
		}
		return string(jsonBytes)
	}
}
