package callback

import "strings"

// GlobalMode gates callbacks at the process level.
type GlobalMode string

const (
	GlobalAllowed         GlobalMode = "allowed"
	GlobalPipelineDecision GlobalMode = "pipeline_decision"
	GlobalForbidden       GlobalMode = "forbidden"
)

// PipelineMode is the pipeline's own callback vote, consulted only when the
// global mode defers to it.
type PipelineMode string

const (
	PipelineAllowed  PipelineMode = "allowed"
	PipelineForbidden PipelineMode = "forbidden"
)

// StageVisibilityMode gates per-stage (trace event) visibility.
type StageVisibilityMode string

const (
	StageAllowed        StageVisibilityMode = "allowed"
	StageForbidden      StageVisibilityMode = "forbidden"
	StagePipelineDriven StageVisibilityMode = "pipeline_driven"
	StageExplicit       StageVisibilityMode = "explicit"
)

// StagePipelineMode is the pipeline's own stage-visibility vote.
type StagePipelineMode string

const (
	StagePipelineAllowed  StagePipelineMode = "allowed"
	StagePipelineForbidden StagePipelineMode = "forbidden"
	StagePipelineExplicit StagePipelineMode = "explicit"
)

// Policy is the resolved, per-run callback policy.
type Policy struct {
	Enabled               bool
	IncludeDocuments      bool
	GlobalMode            GlobalMode
	PipelineMode          PipelineMode
	StageVisibilityMode   StageVisibilityMode
	StagePipelineMode     StagePipelineMode
	ContentModes          map[string]struct{}
	ExplicitStages        map[string]struct{} // stage/action names allowed when mode==explicit
}

// normalizeAlias folds common typos/aliases to the canonical token.
func normalizeAlias(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "allow", "allowed", "on", "true", "enable", "enabled":
		return "allowed"
	case "forbid", "forbidden", "off", "false", "disable", "disabled":
		return "forbidden"
	case "pipeline_decision", "pipeline-decision", "deferred", "defer":
		return "pipeline_decision"
	case "pipeline_driven", "pipeline-driven", "driven":
		return "pipeline_driven"
	case "explicit":
		return "explicit"
	default:
		return s
	}
}

// Resolve computes the effective Policy from the global config and the
// pipeline's own declared votes, per the precedence matrix:
// global=forbidden -> disabled; global=allowed -> enabled, pipeline cannot
// override; global=pipeline_decision -> defers to pipelineMode. The stage
// visibility axis has its own global mode (allowed, forbidden,
// pipeline_driven or explicit), applied by StageVisible.
func Resolve(globalMode string, pipelineMode string, stageGlobal string, stagePipeline string, includeDocsGlobal, includeDocsPipeline bool, explicitStages []string) Policy {
	g := GlobalMode(normalizeAlias(globalMode))
	p := PipelineMode(normalizeAlias(pipelineMode))

	enabled := false
	switch g {
	case GlobalForbidden:
		enabled = false
	case GlobalAllowed:
		enabled = true
	case GlobalPipelineDecision:
		enabled = p == PipelineAllowed
	default:
		enabled = false
	}

	sg := StageVisibilityMode(normalizeAlias(stageGlobal))
	sp := StagePipelineMode(normalizeAlias(stagePipeline))

	stages := make(map[string]struct{}, len(explicitStages))
	for _, s := range explicitStages {
		stages[s] = struct{}{}
	}

	return Policy{
		Enabled:             enabled,
		IncludeDocuments:    includeDocsGlobal && includeDocsPipeline,
		GlobalMode:          g,
		PipelineMode:        p,
		StageVisibilityMode: sg,
		StagePipelineMode:   sp,
		ContentModes:        make(map[string]struct{}),
		ExplicitStages:      stages,
	}
}

// StageVisible decides whether a given action/stage name is observable
// under this policy's stage-visibility axis.
func (p Policy) StageVisible(action string) bool {
	if !p.Enabled {
		return false
	}
	switch p.StageVisibilityMode {
	case StageForbidden:
		return false
	case StageAllowed:
		return true
	case StagePipelineDriven:
		return p.StagePipelineMode == StagePipelineAllowed
	case StageExplicit:
		_, ok := p.ExplicitStages[action]
		return ok
	default:
		return false
	}
}
