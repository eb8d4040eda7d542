package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomery/loom/internal/expressions"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

// DefineWorkflowParams carries a new or replacement workflow definition.
type DefineWorkflowParams struct {
	ID         string // empty ID creates a new workflow
	OwnerID    string
	Name       string
	Definition *schema.WorkflowDefinition
}

// DefineWorkflow validates and stores a workflow definition. An existing ID
// replaces the stored definition for future runs; in-flight executions keep
// the definition they started with.
func (m *Manager) DefineWorkflow(ctx context.Context, p DefineWorkflowParams) (*store.WorkflowRecord, error) {
	if p.OwnerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "owner is required")
	}
	if p.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if err := m.validator.ValidateDefinition(p.Definition); err != nil {
		return nil, err
	}
	if err := validateStepReferences(p.Definition); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(p.Definition)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}

	rec := &store.WorkflowRecord{
		ID:         p.ID,
		OwnerID:    p.OwnerID,
		Name:       p.Name,
		Definition: raw,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else {
		// Replacing an existing workflow requires owning it.
		if _, err := m.ownedWorkflowDefinition(ctx, rec.ID, p.OwnerID); err != nil {
			return nil, err
		}
	}

	if err := m.store.SaveWorkflow(ctx, rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist workflow").WithCause(err)
	}

	m.logger.InfoContext(ctx, "workflow saved",
		slog.String("workflow_id", rec.ID), slog.String("name", rec.Name),
		slog.Int("steps", len(p.Definition.Steps)))
	return rec, nil
}

// GetWorkflow returns a workflow owned by ownerID.
func (m *Manager) GetWorkflow(ctx context.Context, id, ownerID string) (*store.WorkflowRecord, error) {
	rec, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return rec, nil
}

// ListWorkflows returns the owner's workflows.
func (m *Manager) ListWorkflows(ctx context.Context, ownerID string) ([]*store.WorkflowRecord, error) {
	if ownerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "owner is required")
	}
	return m.store.ListWorkflows(ctx, ownerID)
}

// ownedWorkflowDefinition fetches, owner-checks, and parses a workflow.
func (m *Manager) ownedWorkflowDefinition(ctx context.Context, id, ownerID string) (*schema.WorkflowDefinition, error) {
	rec, err := m.GetWorkflow(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(rec.Definition, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has an unreadable definition", id).WithCause(err)
	}
	return &def, nil
}

// validateStepReferences rejects input templates that reference outputs of
// steps declared later, which could never resolve at run time.
func validateStepReferences(def *schema.WorkflowDefinition) error {
	available := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		for key := range expressions.ExtractStepRefs(step.Input) {
			if !available[key] {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q references %q before it has run; steps may only reference earlier outputs [%s]",
					step.ID, key, strings.Join(sortedKeys(available), ", ")).
					WithStep(step.ID)
			}
		}
		available[step.ResolvedOutputKey()] = true
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
