package pipelinedef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ragflow/pipeline/internal/pipelineerr"
	"gopkg.in/yaml.v3"
)

var (
	errExtendsCycle = pipelineerr.ErrExtendsCycle
	errPathEscape   = pipelineerr.ErrPathEscape
	errInvalidDoc   = pipelineerr.ErrInvalidPipelineDoc
)

// Loader reads pipeline YAML documents rooted at pipelinesRoot, resolving
// `extends` references (bare names resolve under pipelinesRoot, relative
// paths resolve against the referencing file's directory, absolute paths are
// rejected unless settings.test=true). A document's root key is `pipeline`
// (one pipeline) or `pipelines` (a list); no other root key is recognised.
type Loader struct {
	Root string
	// ReadFile is overridable for tests; defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// NewLoader creates a Loader rooted at root (defaults to "./pipelines" if
// empty).
func NewLoader(root string) *Loader {
	if root == "" {
		root = "./pipelines"
	}
	return &Loader{Root: root, ReadFile: os.ReadFile}
}

// rawDoc mirrors the YAML document shape before merge/typing.
type rawDoc struct {
	Name     string         `yaml:"name"`
	Extends  string         `yaml:"extends"`
	Settings map[string]any `yaml:"settings"`
	Steps    []map[string]any `yaml:"steps"`
}

type rawFile struct {
	Pipeline  *rawDoc  `yaml:"pipeline"`
	Pipelines []rawDoc `yaml:"pipelines"`
}

// LoadFile loads a single-pipeline file rooted at path (resolved against
// Root if not absolute) and returns its merged, validated-shape PipelineDef.
// Use LoadAll for multi-pipeline (`pipelines:`) files.
func (l *Loader) LoadFile(path string) (*PipelineDef, error) {
	all, err := l.LoadAll(path)
	if err != nil {
		return nil, err
	}
	if len(all) != 1 {
		return nil, fmt.Errorf("pipelinedef: %s: expected exactly one pipeline, found %d", path, len(all))
	}
	return all[0], nil
}

// LoadAll loads every pipeline defined in path, merging `extends` chains.
func (l *Loader) LoadAll(path string) ([]*PipelineDef, error) {
	resolved, err := l.resolvePath(path, l.Root, false)
	if err != nil {
		return nil, err
	}
	docs, err := l.loadDocsWithExtends(resolved, nil)
	if err != nil {
		return nil, err
	}

	defs := make([]*PipelineDef, 0, len(docs))
	for _, d := range docs {
		defs = append(defs, toPipelineDef(d))
	}
	return defs, nil
}

// loadDocsWithExtends reads the YAML file at path (single or multi pipeline),
// resolves each document's `extends` chain, and returns fully merged rawDocs.
func (l *Loader) loadDocsWithExtends(path string, chain []string) ([]rawDoc, error) {
	for _, seen := range chain {
		if seen == path {
			return nil, fmt.Errorf("%w: %s -> %s", errExtendsCycle, strings.Join(chain, " -> "), path)
		}
	}
	chain = append(append([]string{}, chain...), path)

	raw, err := l.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelinedef: read %s: %w", path, err)
	}

	var file rawFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("pipelinedef: parse %s: %w", path, err)
	}

	var docs []rawDoc
	switch {
	case file.Pipeline != nil:
		docs = []rawDoc{*file.Pipeline}
	case len(file.Pipelines) > 0:
		docs = file.Pipelines
	default:
		return nil, fmt.Errorf("%w: %s: missing pipeline/pipelines root", errInvalidDoc, path)
	}

	merged := make([]rawDoc, 0, len(docs))
	for _, d := range docs {
		if err := validateRawShape(d, path); err != nil {
			return nil, err
		}
		if d.Extends == "" {
			merged = append(merged, d)
			continue
		}

		isTest, _ := d.Settings["test"].(bool)
		parentPath, err := l.resolvePath(d.Extends, filepath.Dir(path), isTest)
		if err != nil {
			return nil, err
		}
		parentDocs, err := l.loadDocsWithExtends(parentPath, chain)
		if err != nil {
			return nil, err
		}
		if len(parentDocs) != 1 {
			return nil, fmt.Errorf("pipelinedef: %s: extends target %s must define exactly one pipeline", path, d.Extends)
		}
		merged = append(merged, mergeRawDoc(parentDocs[0], d))
	}
	return merged, nil
}

// resolvePath resolves a bare name / relative / absolute pipeline reference.
// Bare names (no path separator, no extension) resolve to
// <root>/<name>.yaml. Relative paths resolve against baseDir. Absolute paths
// are rejected unless allowAbsolute (settings.test=true) is set. The
// normalized result must remain inside root unless allowAbsolute is set.
func (l *Loader) resolvePath(ref, baseDir string, allowAbsolute bool) (string, error) {
	var candidate string
	switch {
	case filepath.IsAbs(ref):
		if !allowAbsolute {
			return "", fmt.Errorf("%w: absolute path %q not allowed outside settings.test", errPathEscape, ref)
		}
		return filepath.Clean(ref), nil
	case !strings.ContainsAny(ref, `/\`) && filepath.Ext(ref) == "":
		candidate = filepath.Join(l.Root, ref+".yaml")
	default:
		candidate = filepath.Join(baseDir, ref)
	}

	candidate = filepath.Clean(candidate)
	if allowAbsolute {
		return candidate, nil
	}

	rootAbs, err := filepath.Abs(l.Root)
	if err != nil {
		return "", fmt.Errorf("pipelinedef: resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("pipelinedef: resolve %s: %w", ref, err)
	}
	if candAbs != rootAbs && !strings.HasPrefix(candAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves to %s, outside %s", errPathEscape, ref, candAbs, rootAbs)
	}
	return candidate, nil
}

func validateRawShape(d rawDoc, path string) error {
	if d.Name == "" {
		return fmt.Errorf("%w: %s: missing name", errInvalidDoc, path)
	}
	if d.Settings == nil {
		return fmt.Errorf("%w: %s: settings must be a mapping", errInvalidDoc, path)
	}
	if d.Steps == nil {
		return fmt.Errorf("%w: %s: steps must be a list", errInvalidDoc, path)
	}
	for i, s := range d.Steps {
		if _, ok := s["id"].(string); !ok {
			return fmt.Errorf("%w: %s: step[%d] missing id", errInvalidDoc, path, i)
		}
		if _, ok := s["action"].(string); !ok {
			return fmt.Errorf("%w: %s: step[%d] (%v) missing action", errInvalidDoc, path, i, s["id"])
		}
	}
	return nil
}

// mergeRawDoc deep-merges child onto parent: dicts merge recursively; steps
// merge by id with parent order preserved and child-only steps appended.
func mergeRawDoc(parent, child rawDoc) rawDoc {
	out := rawDoc{
		Name:     parent.Name,
		Settings: deepMergeMap(parent.Settings, child.Settings),
		Steps:    mergeSteps(parent.Steps, child.Steps),
	}
	if child.Name != "" {
		out.Name = child.Name
	}
	return out
}

func mergeSteps(parent, child []map[string]any) []map[string]any {
	byID := make(map[string]int, len(child))
	for i, s := range child {
		if id, ok := s["id"].(string); ok {
			byID[id] = i
		}
	}

	used := make(map[string]bool, len(child))
	out := make([]map[string]any, 0, len(parent)+len(child))
	for _, ps := range parent {
		id, _ := ps["id"].(string)
		if ci, ok := byID[id]; ok {
			out = append(out, deepMergeMap(ps, child[ci]))
			used[id] = true
		} else {
			out = append(out, ps)
		}
	}
	for _, cs := range child {
		id, _ := cs["id"].(string)
		if !used[id] {
			out = append(out, cs)
		}
	}
	return out
}

func deepMergeMap(parent, child map[string]any) map[string]any {
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, cv := range child {
		if pv, ok := out[k]; ok {
			pm, pok := pv.(map[string]any)
			cm, cok := cv.(map[string]any)
			if pok && cok {
				out[k] = deepMergeMap(pm, cm)
				continue
			}
		}
		out[k] = cv
	}
	return out
}

func toPipelineDef(d rawDoc) *PipelineDef {
	steps := make([]StepDef, 0, len(d.Steps))
	for _, s := range d.Steps {
		id, _ := s["id"].(string)
		action, _ := s["action"].(string)
		steps = append(steps, StepDef{ID: id, Action: action, Raw: s})
	}
	return &PipelineDef{Name: d.Name, Settings: d.Settings, Steps: steps}
}
