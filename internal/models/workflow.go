package models

import (
	"sort"
	"time"
)

// InputKind says where a block input's value comes from.
type InputKind string

const (
	// InputKindRequestText binds the variable to the raw text of the request
	// being processed.
	InputKindRequestText InputKind = "request_text"
	// InputKindBlockOutput binds the variable to the parsed output of an
	// earlier block, referenced by block ID.
	InputKindBlockOutput InputKind = "block_output"
)

// BlockInput declares one template variable for a block and its source.
type BlockInput struct {
	VariableName  string    `json:"variable_name" bson:"variableName"`
	Kind          InputKind `json:"kind" bson:"kind"`
	SourceBlockID string    `json:"source_block_id,omitempty" bson:"sourceBlockId,omitempty"`
}

// BlockDefinition is one templated-prompt step within a workflow.
type BlockDefinition struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	OrderIndex     int    `json:"order_index"`
	PromptTemplate string `json:"prompt_template"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	ModelName      string `json:"model_name"`
	// ModelParameters is an opaque bag passed through to the completion
	// service (temperature, max tokens, reasoning level, ...).
	ModelParameters map[string]any `json:"model_parameters,omitempty"`
	// OutputSchema is an advisory JSON-schema-like hint. It is forwarded to
	// the model but never enforced strictly.
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Inputs       []BlockInput   `json:"inputs,omitempty"`
}

// WorkflowDefinition is an ordered sequence of blocks applied to a request.
// It is immutable once fetched for a run.
type WorkflowDefinition struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Blocks    []BlockDefinition `json:"blocks"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// SortedBlocks returns the blocks in execution order: ascending order_index,
// with the original relative order preserved on ties.
func (w *WorkflowDefinition) SortedBlocks() []BlockDefinition {
	blocks := make([]BlockDefinition, len(w.Blocks))
	copy(blocks, w.Blocks)
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].OrderIndex < blocks[j].OrderIndex
	})
	return blocks
}

// BlockByID returns the block with the given ID, if present.
func (w *WorkflowDefinition) BlockByID(id string) (BlockDefinition, bool) {
	for _, b := range w.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return BlockDefinition{}, false
}
