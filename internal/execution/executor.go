package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"redactiq/internal/models"
)

// BlockProgressFunc is invoked after each block finishes, successful or not.
type BlockProgressFunc func(completed, total int, result models.BlockResult)

// BlockExecutor runs a workflow's blocks strictly sequentially in
// order_index order, wiring declared inputs from the registry or the
// triggering request. Blocks never run in parallel: block N's input may
// depend on block N-1's output.
type BlockExecutor struct {
	model ModelInvoker
}

// NewBlockExecutor creates an executor backed by the given model client.
func NewBlockExecutor(model ModelInvoker) *BlockExecutor {
	return &BlockExecutor{model: model}
}

// Run executes the workflow against the context and returns the ordered
// block results. If a block fails, execution aborts — remaining blocks are
// not invoked and the partial result list is returned alongside the block's
// classified error. Downstream blocks usually depend on upstream outputs, so
// continuing would produce confusing partial prompts rather than a clean
// failure signal.
func (e *BlockExecutor) Run(ctx context.Context, workflow *models.WorkflowDefinition, ec *ExecutionContext, onProgress BlockProgressFunc) ([]models.BlockResult, error) {
	blocks := workflow.SortedBlocks()
	results := make([]models.BlockResult, 0, len(blocks))

	log.Printf("🚀 [ENGINE] Running workflow %s (%d blocks)", workflow.ID, len(blocks))

	for i, block := range blocks {
		result, blockErr := e.runBlock(ctx, block, ec)
		results = append(results, result)

		if onProgress != nil {
			onProgress(i+1, len(blocks), result)
		}

		if blockErr != nil {
			log.Printf("❌ [ENGINE] Block '%s' failed, aborting %d remaining block(s): %v",
				block.Name, len(blocks)-i-1, blockErr)
			return results, blockErr
		}
	}

	log.Printf("✅ [ENGINE] Workflow %s completed, %d blocks", workflow.ID, len(results))
	return results, nil
}

// runBlock executes one block: build the local variable bag, resolve the
// template, invoke the model, record the output.
func (e *BlockExecutor) runBlock(ctx context.Context, block models.BlockDefinition, ec *ExecutionContext) (models.BlockResult, *BlockError) {
	started := time.Now()
	result := models.BlockResult{
		BlockID:   block.ID,
		BlockName: block.Name,
	}

	bag, depErr := e.buildInputBag(block, ec)
	if depErr != nil {
		result.Error = depErr.Message
		result.ErrorTag = string(depErr.Tag)
		result.DurationMs = time.Since(started).Milliseconds()
		return result, depErr
	}

	// Local bag wins over the shared context on key collision.
	merged := ec.MergedWith(bag)
	userPrompt := ResolveTemplate(block.PromptTemplate, merged)
	systemPrompt := ResolveTemplate(block.SystemPrompt, merged)

	log.Printf("🤖 [ENGINE] Block '%s': model=%s, prompt_len=%d", block.Name, block.ModelName, len(userPrompt))

	params := block.ModelParameters
	if block.OutputSchema != nil {
		params = make(map[string]any, len(block.ModelParameters)+1)
		for k, v := range block.ModelParameters {
			params[k] = v
		}
		// Advisory schema hint, forwarded but never enforced strictly.
		params["output_schema"] = block.OutputSchema
	}

	invocation, invErr := e.model.Invoke(ctx, InvocationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Model:        block.ModelName,
		Parameters:   params,
	})
	if invocation != nil {
		result.RawText = invocation.RawText
	}
	result.DurationMs = time.Since(started).Milliseconds()

	if invErr != nil {
		blockErr := ClassifyInvocationError(invErr)
		result.Error = blockErr.Message
		result.ErrorTag = string(blockErr.Tag)
		return result, blockErr
	}

	result.Succeeded = true
	result.ParsedOutput = invocation.Parsed
	ec.RecordBlock(block.ID, block.Name, invocation.Parsed)

	log.Printf("✅ [ENGINE] Block '%s' completed in %dms", block.Name, result.DurationMs)
	return result, nil
}

// buildInputBag resolves each declared input to a value. Resolution of block
// outputs is by block ID, not name, so name collisions cannot misroute data.
func (e *BlockExecutor) buildInputBag(block models.BlockDefinition, ec *ExecutionContext) (map[string]any, *BlockError) {
	bag := make(map[string]any, len(block.Inputs))

	for _, input := range block.Inputs {
		switch input.Kind {
		case models.InputKindRequestText:
			bag[input.VariableName] = ec.RequestText()
		case models.InputKindBlockOutput:
			value, ok := ec.LookupBlock(input.SourceBlockID)
			if !ok {
				return nil, &BlockError{
					Tag: TagDependencyUnavailable,
					Message: fmt.Sprintf("block '%s': input '%s' depends on block %s which has no recorded output",
						block.Name, input.VariableName, input.SourceBlockID),
				}
			}
			bag[input.VariableName] = value
		default:
			return nil, &BlockError{
				Tag:     TagDependencyUnavailable,
				Message: fmt.Sprintf("block '%s': input '%s' has unknown kind %q", block.Name, input.VariableName, input.Kind),
			}
		}
	}

	return bag, nil
}
