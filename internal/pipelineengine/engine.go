// Package pipelineengine implements the step-dispatch loop described in
// §4.3: look up a step, consume its targeted inbox messages, invoke its
// action, resolve the next step, and halt on end=true.
package pipelineengine

import (
	"context"
	"fmt"
	"os"

	"github.com/ragflow/pipeline/internal/action"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/pipelineerr"
	"github.com/ragflow/pipeline/internal/state"
)

// Engine runs pipelines against a fixed action registry.
type Engine struct {
	Registry *action.Registry

	// StrictInbox forces RUN_END to fail with PIPELINE_INBOX_NOT_EMPTY
	// when messages remain in the inbox. Nil means "read from the
	// RAG_PIPELINE_INBOX_FAIL_FAST environment flag at Run time", matching
	// the spec's env-flag-gated default (see DESIGN.md Open Question 2).
	StrictInbox *bool
}

// New creates an Engine bound to registry.
func New(registry *action.Registry) *Engine {
	return &Engine{Registry: registry}
}

// Run executes pipeline starting at settings.entry_step_id, mutating st in
// place, and returns once a step with end=true is reached (or an error is
// encountered — actions' errors are never caught here, they propagate
// verbatim to the caller).
func (e *Engine) Run(ctx context.Context, pipeline *pipelinedef.PipelineDef, st *state.State, rt *action.Runtime) error {
	stepID, ok := pipeline.EntryStepID()
	if !ok || stepID == "" {
		return fmt.Errorf("%w: entry_step_id", pipelineerr.ErrMissingEntryStep)
	}

	strict := e.strictInbox()

	for {
		st.StepsUsed++

		step, ok := pipeline.StepByID(stepID)
		if !ok {
			return fmt.Errorf("%w: %q", pipelineerr.ErrMissingStep, stepID)
		}

		act, ok := e.Registry.Lookup(step.Action)
		if !ok {
			return fmt.Errorf("%w: %q (step %q)", pipelineerr.ErrUnknownAction, step.Action, step.ID)
		}

		consumed := st.ConsumeInbox(step.ID)
		e.traceConsume(st, rt, step.ID, len(consumed))

		next, err := action.Invoke(ctx, act, step, pipeline, st, rt)
		if err != nil {
			return err
		}

		if step.End() {
			remaining := len(st.Inbox)
			e.traceRunEnd(st, rt, step.ID, remaining)
			if strict && remaining > 0 {
				return fmt.Errorf("%w: %d message(s) remain in the inbox at RUN_END", pipelineerr.ErrInboxNotEmpty, remaining)
			}
			return nil
		}

		if next == "" {
			return fmt.Errorf("pipelineengine: step %q produced no next step and end is not set", step.ID)
		}
		stepID = next
	}
}

func (e *Engine) strictInbox() bool {
	if e.StrictInbox != nil {
		return *e.StrictInbox
	}
	return os.Getenv("RAG_PIPELINE_INBOX_FAIL_FAST") == "1"
}

func (e *Engine) traceConsume(st *state.State, rt *action.Runtime, stepID string, consumedCount int) {
	if !rt.TraceEnabled() {
		return
	}
	ev := state.Event{
		Type:         "CONSUME",
		TimestampUTC: rt.Clock(),
		StepID:       stepID,
		Extra:        map[string]any{"consumed_count": consumedCount},
	}
	st.PipelineTraceEvents = append(st.PipelineTraceEvents, ev)
	if rt.Broker != nil {
		rt.Broker.Emit(rt.RunID, ev)
	}
}

func (e *Engine) traceRunEnd(st *state.State, rt *action.Runtime, stepID string, remainingInbox int) {
	if !rt.TraceEnabled() {
		return
	}
	ev := state.Event{
		Type:         "RUN_END",
		TimestampUTC: rt.Clock(),
		StepID:       stepID,
		Extra:        map[string]any{"remaining_inbox": remainingInbox},
	}
	st.PipelineTraceEvents = append(st.PipelineTraceEvents, ev)
	if rt.Broker != nil {
		rt.Broker.Emit(rt.RunID, ev)
	}
}
