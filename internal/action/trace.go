package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ragflow/pipeline/internal/pipelinedef"
	"github.com/ragflow/pipeline/internal/state"
	"github.com/ragflow/pipeline/pkg/metrics"
)

// Invoke runs a through the base wrapper described in §4.4: it captures the
// log_in payload, runs DoExecute (the engine never catches the resulting
// error; Invoke only records it before re-raising), computes
// resolved_next = next_override ?? step.next, and — when tracing is
// enabled — appends exactly one ACTION event carrying in/out/error/next
// bookkeeping. Failures inside LogIn/LogOut are trapped and reported as
// `_log_in_error` / `_log_out_error` extra keys rather than propagated.
func Invoke(ctx context.Context, a Action, step pipelinedef.StepDef, pipeline *pipelinedef.PipelineDef, st *state.State, rt *Runtime) (string, error) {
	inVal, inErr := safeCall(func() any { return a.LogIn(step, st) })

	start := time.Now()
	nextOverride, doErr := a.DoExecute(ctx, step, pipeline, st, rt)
	recordMetrics(rt, step.Action, time.Since(start), doErr)

	next := nextOverride
	if next == "" {
		if n, ok := step.Next(); ok {
			next = n
		}
	}

	if !rt.TraceEnabled() {
		return next, doErr
	}

	outVal, outErr := safeCall(func() any { return a.LogOut(step, st, next) })

	ev := state.Event{
		Type:         "ACTION",
		TimestampUTC: rt.Clock(),
		StepID:       step.ID,
		Action:       step.Action,
		ActionID:     a.ActionID(),
		NextResolved: next,
		In:           jsonify(inVal),
		Out:          jsonify(outVal),
	}
	if n, ok := step.Next(); ok {
		ev.NextDefault = n
	}
	if doErr != nil {
		ev.Error = doErr.Error()
	}
	if inErr != "" || outErr != "" {
		ev.Extra = map[string]any{}
		if inErr != "" {
			ev.Extra["_log_in_error"] = inErr
		}
		if outErr != "" {
			ev.Extra["_log_out_error"] = outErr
		}
	}

	st.PipelineTraceEvents = append(st.PipelineTraceEvents, ev)
	if rt.Broker != nil {
		rt.Broker.Emit(rt.RunID, ev)
	}

	return next, doErr
}

// recordMetrics observes a step's latency and, on failure, increments an
// error counter, both labeled by action name. A nil rt.Metrics is a no-op.
func recordMetrics(rt *Runtime, actionName string, d time.Duration, err error) {
	if rt == nil || rt.Metrics == nil {
		return
	}
	rt.Metrics.Histogram(metrics.WithLabels("pipeline_step_duration_seconds", "action", actionName),
		"step execution latency by action", nil).Observe(d.Seconds())
	if err != nil {
		rt.Metrics.Counter(metrics.WithLabels("pipeline_step_errors_total", "action", actionName),
			"step execution errors by action").Inc()
	}
}

// safeCall traps a panic raised by a log_in/log_out callback, returning the
// panic value's string form as an error marker instead of letting it
// propagate — trace bookkeeping must never crash a run.
func safeCall(f func() any) (val any, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			errMsg = fmt.Sprint(r)
		}
	}()
	return f(), ""
}

// jsonify best-effort JSON-ifies a log payload: round-trips through
// encoding/json so the resulting value is plain maps/slices/primitives,
// falling back to a %v string when the value isn't JSON-serializable.
func jsonify(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
