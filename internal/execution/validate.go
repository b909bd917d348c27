package execution

import (
	"fmt"

	"redactiq/internal/models"
)

// ValidateWorkflow checks a workflow definition at load time, before any
// block runs. Rejecting forward references here fails fast instead of
// surfacing mid-execution as a missing dependency.
func ValidateWorkflow(w *models.WorkflowDefinition) error {
	if w == nil {
		return fmt.Errorf("workflow is nil")
	}
	if len(w.Blocks) == 0 {
		return fmt.Errorf("workflow %s has no blocks", w.ID)
	}

	orderByID := make(map[string]int, len(w.Blocks))
	for _, b := range w.Blocks {
		if b.ID == "" {
			return fmt.Errorf("workflow %s: block %q has no id", w.ID, b.Name)
		}
		if _, dup := orderByID[b.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate block id %q", w.ID, b.ID)
		}
		orderByID[b.ID] = b.OrderIndex
	}

	for _, b := range w.Blocks {
		for _, input := range b.Inputs {
			if input.VariableName == "" {
				return fmt.Errorf("block %q: input has empty variable name", b.Name)
			}
			switch input.Kind {
			case models.InputKindRequestText:
				// No source to check.
			case models.InputKindBlockOutput:
				srcOrder, ok := orderByID[input.SourceBlockID]
				if !ok {
					return fmt.Errorf("block %q: input %q references unknown block %q",
						b.Name, input.VariableName, input.SourceBlockID)
				}
				if srcOrder >= b.OrderIndex {
					return fmt.Errorf("block %q: input %q references block %q which does not run earlier (order %d >= %d)",
						b.Name, input.VariableName, input.SourceBlockID, srcOrder, b.OrderIndex)
				}
			default:
				return fmt.Errorf("block %q: input %q has unknown kind %q",
					b.Name, input.VariableName, input.Kind)
			}
		}
	}

	return nil
}
