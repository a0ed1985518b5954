// Package pipelinedef parses and validates the YAML pipeline document: a
// named, versioned directed graph of steps bound to registered actions.
package pipelinedef

// StepDef is one node in the step graph. Immutable after load.
type StepDef struct {
	ID     string
	Action string
	Raw    map[string]any
}

// Next returns raw["next"] if present and a string.
func (s StepDef) Next() (string, bool) {
	v, ok := s.Raw["next"]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// End reports whether raw["end"] is true.
func (s StepDef) End() bool {
	v, ok := s.Raw["end"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// OnTargets returns every raw key beginning with "on_" whose value is a
// step-id string, keyed by the full "on_*" key name.
func (s StepDef) OnTargets() map[string]string {
	out := map[string]string{}
	for k, v := range s.Raw {
		if len(k) > 3 && k[:3] == "on_" {
			if str, ok := v.(string); ok {
				out[k] = str
			}
		}
	}
	return out
}

// PipelineDef is immutable after load, owned by the loader, and shared
// read-only across runs.
type PipelineDef struct {
	Name     string
	Settings map[string]any
	Steps    []StepDef

	stepIndex map[string]int
}

// EntryStepID returns settings["entry_step_id"].
func (p *PipelineDef) EntryStepID() (string, bool) {
	v, ok := p.Settings["entry_step_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StepByID returns the step with the given id, or false if absent.
func (p *PipelineDef) StepByID(id string) (StepDef, bool) {
	p.ensureIndex()
	i, ok := p.stepIndex[id]
	if !ok {
		return StepDef{}, false
	}
	return p.Steps[i], true
}

// HasStep reports whether id names a defined step.
func (p *PipelineDef) HasStep(id string) bool {
	_, ok := p.StepByID(id)
	return ok
}

func (p *PipelineDef) ensureIndex() {
	if p.stepIndex != nil {
		return
	}
	p.stepIndex = make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		p.stepIndex[s.ID] = i
	}
}

// SettingString reads a string setting with a fallback.
func (p *PipelineDef) SettingString(key, fallback string) string {
	if v, ok := p.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// SettingInt reads an int setting with a fallback. YAML numbers decode as int
// or float64 depending on representation; both are accepted.
func (p *PipelineDef) SettingInt(key string, fallback int) int {
	v, ok := p.Settings[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// SettingFloat reads a float setting with a fallback.
func (p *PipelineDef) SettingFloat(key string, fallback float64) float64 {
	v, ok := p.Settings[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}

// SettingBool reads a bool setting with a fallback.
func (p *PipelineDef) SettingBool(key string, fallback bool) bool {
	if v, ok := p.Settings[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
