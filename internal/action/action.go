// Package action defines the Action contract every pipeline step
// implementation satisfies, the Runtime bundle of external collaborators
// actions depend on, and the base tracing wrapper described in §4.4: every
// action exposes action_id/log_in/log_out/do_execute, and invocation always
// resolves the next step id and (when tracing is enabled) appends exactly
// one trace event.
package action

import (
	"context"
	"time"

	"github.com/ragflow/pipeline/internal/budget"
	"github.com/ragflow/pipeline/internal/callback"
	"github.com/ragflow/pipeline/internal/compact"
	"github.com/ragflow/pipeline/internal/convhistory"
	"github.com/ragflow/pipeline/internal/graphprovider"
	"github.com/ragflow/pipeline/internal/modelclient"
	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/retrieval"
	"github.com/ragflow/pipeline/internal/state"
	"github.com/ragflow/pipeline/pkg/metrics"
)

// Translator is the narrow external-collaborator contract for neutral <->
// UI-language translation. Concrete adapters live outside core; a nil
// Translator means translate_in_if_needed always passes the query through
// unchanged, which is never an error in neutral mode.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// PromptLoader resolves a prompt_key to its rendered template body. The
// reference implementation reads prompts_dir/<key>.txt (see
// internal/actions.FilePromptLoader); a failed read is reported in trace but
// never crashes call_model.
type PromptLoader interface {
	Load(promptKey string) (string, error)
}

// Runtime bundles every external collaborator and per-run knob an action
// may need, plus pipeline-wide settings read by several actions. The
// engine's caller builds one per run from the long-lived collaborators and
// sets the per-run fields (RunID, ModelLanguage, Trace).
type Runtime struct {
	Retrieval    retrieval.Backend
	Graph        graphprovider.Provider
	Model        modelclient.Client
	Translator   Translator
	TokenCounter budget.TokenCounter
	History      *convhistory.Service
	Compactors   compact.Compactors
	Prompts      PromptLoader
	Broker       *callback.Broker
	SnapshotSets retrieval.SnapshotSetChecker

	// Metrics is optional; when set, Invoke records a step-latency
	// histogram observation and an error counter per action name.
	Metrics *metrics.Registry

	// ModelLanguage mirrors settings.model_language ("neutral" disables
	// translation even when translate_chat is requested).
	ModelLanguage string

	Trace bool
	RunID string
	Now   func() time.Time
}

// Clock returns the runtime's injected clock, defaulting to time.Now().UTC().
func (rt *Runtime) Clock() time.Time {
	if rt != nil && rt.Now != nil {
		return rt.Now()
	}
	return time.Now().UTC()
}

// TraceEnabled reports whether the base wrapper should record trace events.
func (rt *Runtime) TraceEnabled() bool {
	return rt != nil && rt.Trace
}

// Action is one step implementation.
type Action interface {
	// ActionID is the registered action name (matches StepDef.Action).
	ActionID() string
	// LogIn produces the best-effort JSON-ified "in" trace payload.
	LogIn(step pipelinedef.StepDef, st *state.State) any
	// LogOut produces the best-effort JSON-ified "out" trace payload, given
	// the resolved next step id.
	LogOut(step pipelinedef.StepDef, st *state.State, nextResolved string) any
	// DoExecute runs the action. A non-empty nextOverride takes precedence
	// over step.raw.next when the engine resolves the next step. Errors are
	// never swallowed here; the base wrapper records them in the trace
	// event and re-raises them to the engine unchanged.
	DoExecute(ctx context.Context, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *Runtime) (nextOverride string, err error)
}
