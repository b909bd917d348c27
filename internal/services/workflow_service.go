package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"redactiq/internal/database"
	"redactiq/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

// WorkflowService reads workflow definitions and request text from MySQL.
// It implements the engine's workflow store interface. Definitions are
// immutable once fetched for a run, so a short in-process cache in front of
// the three-table join is safe.
type WorkflowService struct {
	db    *database.DB
	cache *gocache.Cache
}

// NewWorkflowService creates a workflow service with a 60s definition cache.
func NewWorkflowService(db *database.DB) *WorkflowService {
	return &WorkflowService{
		db:    db,
		cache: gocache.New(60*time.Second, 2*time.Minute),
	}
}

// FetchWorkflow loads a workflow definition with its blocks and declared
// inputs, ordered by order_index.
func (s *WorkflowService) FetchWorkflow(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	if cached, found := s.cache.Get(workflowID); found {
		return cached.(*models.WorkflowDefinition), nil
	}

	workflow := &models.WorkflowDefinition{ID: workflowID}
	err := s.db.QueryRowContext(ctx,
		"SELECT name, created_at FROM workflows WHERE id = ?", workflowID,
	).Scan(&workflow.Name, &workflow.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	blocks, err := s.loadBlocks(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	workflow.Blocks = blocks

	s.cache.Set(workflowID, workflow, gocache.DefaultExpiration)
	log.Printf("📋 [WORKFLOW] Loaded workflow %s (%d blocks)", workflowID, len(blocks))
	return workflow, nil
}

func (s *WorkflowService) loadBlocks(ctx context.Context, workflowID string) ([]models.BlockDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, order_index, prompt_template,
		       COALESCE(system_prompt, ''), model_name,
		       model_parameters, output_schema
		FROM workflow_blocks
		WHERE workflow_id = ?
		ORDER BY order_index ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}
	defer rows.Close()

	var blocks []models.BlockDefinition
	for rows.Next() {
		var block models.BlockDefinition
		var paramsJSON, schemaJSON sql.NullString

		if err := rows.Scan(&block.ID, &block.Name, &block.OrderIndex,
			&block.PromptTemplate, &block.SystemPrompt, &block.ModelName,
			&paramsJSON, &schemaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}

		if paramsJSON.Valid && paramsJSON.String != "" {
			if err := json.Unmarshal([]byte(paramsJSON.String), &block.ModelParameters); err != nil {
				return nil, fmt.Errorf("block %s: invalid model_parameters JSON: %w", block.ID, err)
			}
		}
		if schemaJSON.Valid && schemaJSON.String != "" {
			if err := json.Unmarshal([]byte(schemaJSON.String), &block.OutputSchema); err != nil {
				return nil, fmt.Errorf("block %s: invalid output_schema JSON: %w", block.ID, err)
			}
		}

		inputs, err := s.loadInputs(ctx, block.ID)
		if err != nil {
			return nil, err
		}
		block.Inputs = inputs

		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

func (s *WorkflowService) loadInputs(ctx context.Context, blockID string) ([]models.BlockInput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variable_name, kind, COALESCE(source_block_id, '')
		FROM block_inputs
		WHERE block_id = ?
		ORDER BY id ASC
	`, blockID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inputs for block %s: %w", blockID, err)
	}
	defer rows.Close()

	var inputs []models.BlockInput
	for rows.Next() {
		var input models.BlockInput
		var kind string
		if err := rows.Scan(&input.VariableName, &kind, &input.SourceBlockID); err != nil {
			return nil, fmt.Errorf("failed to scan input: %w", err)
		}
		input.Kind = models.InputKind(kind)
		inputs = append(inputs, input)
	}
	return inputs, rows.Err()
}

// FetchRequestText returns the raw text of an incoming request.
func (s *WorkflowService) FetchRequestText(ctx context.Context, requestID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		"SELECT text FROM requests WHERE id = ?", requestID,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("request %s not found", requestID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	return text, nil
}
