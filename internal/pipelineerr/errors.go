// Package pipelineerr defines the sentinel error kinds used across the
// pipeline engine, matching the five categories from the error handling
// design: configuration, contract, budget, security, and state errors.
// Transient/IO errors are not wrapped here — they propagate from whatever
// collaborator produced them.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Configuration errors — raised at load/validate time, never swallowed.
var (
	ErrMissingEntryStep  = errors.New("pipeline: missing entry_step_id")
	ErrUnknownAction     = errors.New("pipeline: unknown action")
	ErrUnknownStep       = errors.New("pipeline: unknown step reference")
	ErrExtendsCycle      = errors.New("pipeline: extends cycle detected")
	ErrPathEscape        = errors.New("pipeline: path escapes pipelines_root")
	ErrInvalidPipelineDoc = errors.New("pipeline: invalid pipeline document")
)

// Contract violations — raised inside an action's do_execute.
var (
	ErrMissingParam      = errors.New("action: missing required parameter")
	ErrInvalidParam      = errors.New("action: invalid parameter")
	ErrMissingRepository = errors.New("action: missing repository")
	ErrMissingSnapshot   = errors.New("action: missing snapshot id")
	ErrForbiddenRerank   = errors.New("action: rerank not allowed for this search_type")
	ErrUnimplementedRerank = errors.New("action: rerank strategy not implemented")
)

// Budget misconfiguration — fatal, explicit sentinel per spec.
var ErrBudgetMisconfig = errors.New("PIPELINE_BUDGET_MISCONFIG")

// Security abuse.
var (
	ErrSnapshotNotInSet   = errors.New("security: snapshot not allowed in snapshot set")
	ErrSnapshotMismatch   = errors.New("security: mismatched snapshot ids across seeds")
)

// State inconsistency.
var (
	ErrIdentityRebind = errors.New("state: session already bound to a different identity")
	ErrTurnNotFound   = errors.New("state: turn not found")
	ErrMissingStep    = errors.New("engine: missing step")
)

// Inbox strictness (engine, env-flag gated).
var ErrInboxNotEmpty = errors.New("PIPELINE_INBOX_NOT_EMPTY")

// ValidationError wraps a sentinel with the offending field/value, mirroring
// the teacher's domain.ValidationError.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
