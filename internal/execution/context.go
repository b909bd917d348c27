package execution

import (
	"log"
	"strings"
)

// aliasRule maps a case-insensitive substring of a block name to the extra
// keys its output is recorded under. The table keeps legacy prompt templates
// working without exact-name input wiring; new workflows should prefer
// explicit block-output wiring instead.
type aliasRule struct {
	substr  string
	aliases []string
}

var aliasRules = []aliasRule{
	{"topic", []string{"topic", "topic_info"}},
	{"summar", []string{"summary"}},
	{"sensitiv", []string{"sensitivity_score", "sensitivity_assessment"}},
	{"redact", []string{"redaction_suggestions"}},
	{"action", []string{"redaction_suggestions"}},
}

// aliasesFor returns the alias keys for a block name, in table order.
func aliasesFor(blockName string) []string {
	lower := strings.ToLower(blockName)
	var out []string
	for _, rule := range aliasRules {
		if strings.Contains(lower, rule.substr) {
			out = append(out, rule.aliases...)
		}
	}
	return out
}

// normalizeKey lowercases a block name and replaces spaces with underscores.
func normalizeKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// ExecutionContext is the per-run registry of block outputs. It is owned by
// exactly one job run and never shared across concurrent jobs, so it needs
// no locking. Keys are never removed during a run.
type ExecutionContext struct {
	values map[string]any
	// exact tracks keys written as a block's exact name. Alias and
	// normalized writes never overwrite these.
	exact map[string]bool
	// nameByBlockID maps a block's ID to the name its output was recorded
	// under, for id-based input wiring.
	nameByBlockID map[string]string
	requestText   string
}

// NewExecutionContext creates a context pre-seeded with the request's raw
// text (under "text" and "request_text") and the optional custom
// instructions (empty string when absent so templates still resolve).
func NewExecutionContext(requestText, customInstructions string) *ExecutionContext {
	return &ExecutionContext{
		values: map[string]any{
			"text":                requestText,
			"request_text":        requestText,
			"custom_instructions": customInstructions,
		},
		exact:         make(map[string]bool),
		nameByBlockID: make(map[string]string),
		requestText:   requestText,
	}
}

// RequestText returns the raw request text the context was seeded with.
func (c *ExecutionContext) RequestText() string {
	return c.requestText
}

// RecordBlock writes a completed block's parsed output under its exact name,
// its normalized name, and any pattern-derived aliases. Duplicate block names
// are last-write-wins on the exact key. Alias and normalized writes skip keys
// already claimed as a different block's exact name.
func (c *ExecutionContext) RecordBlock(blockID, blockName string, output any) {
	c.values[blockName] = output
	c.exact[blockName] = true
	c.nameByBlockID[blockID] = blockName

	c.recordDerived(normalizeKey(blockName), blockName, output)
	for _, alias := range aliasesFor(blockName) {
		c.recordDerived(alias, blockName, output)
	}
}

// recordDerived writes output under a derived key unless that key is some
// other block's exact name.
func (c *ExecutionContext) recordDerived(key, ownerName string, output any) {
	if key == ownerName {
		return
	}
	if c.exact[key] {
		log.Printf("⚠️ [REGISTRY] Alias '%s' for block '%s' collides with an exact block name, skipping", key, ownerName)
		return
	}
	c.values[key] = output
}

// Lookup returns the value recorded under key.
func (c *ExecutionContext) Lookup(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// LookupBlock resolves a block's output by its ID, via the name used when
// the result was recorded.
func (c *ExecutionContext) LookupBlock(blockID string) (any, bool) {
	name, ok := c.nameByBlockID[blockID]
	if !ok {
		return nil, false
	}
	return c.Lookup(name)
}

// MergedWith returns a flat view of the context overlaid with the given
// local bag; local values win on key collision. The context itself is not
// modified.
func (c *ExecutionContext) MergedWith(local map[string]any) map[string]any {
	merged := make(map[string]any, len(c.values)+len(local))
	for k, v := range c.values {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v
	}
	return merged
}

// FinalOutput returns the context restricted to exact block-name keys, the
// shape persisted as a completed job's result.
func (c *ExecutionContext) FinalOutput() map[string]any {
	out := make(map[string]any, len(c.exact))
	for key := range c.exact {
		out[key] = c.values[key]
	}
	return out
}
