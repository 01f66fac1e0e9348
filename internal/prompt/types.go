// Package prompt expands declarative prompt configuration into the ordered
// list of executable prompt definitions a run evaluates.
package prompt

import "strings"

// Phase selects which system prompt applies to a step.
type Phase string

const (
	// PhaseGeneration targets the from-scratch generation system prompt.
	PhaseGeneration Phase = "generation"
	// PhaseEditing targets the editing system prompt used by later steps of
	// multi-step prompts.
	PhaseEditing Phase = "editing"
)

// Definition is one executable prompt. A definition with Steps is
// multi-step: its steps run in order against one shared project workspace
// and each step yields its own assessment result.
type Definition struct {
	Name            string
	Text            string
	Ratings         []string
	ContextPatterns []string
	Phase           Phase

	Steps []*Definition
}

// MultiStep reports whether the definition is a multi-step sequence.
func (d *Definition) MultiStep() bool {
	return d != nil && len(d.Steps) > 0
}

// Leaves returns the leaf steps in execution order: the steps of a
// multi-step definition, or the definition itself.
func (d *Definition) Leaves() []*Definition {
	if d == nil {
		return nil
	}
	if len(d.Steps) > 0 {
		return d.Steps
	}
	return []*Definition{d}
}

// Source is one declarative catalog entry. Exactly one of Text, Glob, or Dir
// must be set: a literal prompt, a glob of prompt files, or a multi-step
// directory of step-<n> files.
type Source struct {
	Name            string   `yaml:"name,omitempty"`
	Text            string   `yaml:"text,omitempty"`
	Glob            string   `yaml:"glob,omitempty"`
	Dir             string   `yaml:"dir,omitempty"`
	Phase           string   `yaml:"phase,omitempty"`
	Ratings         []string `yaml:"ratings,omitempty"`
	ContextPatterns []string `yaml:"context_patterns,omitempty"`
}

func parsePhase(s string) Phase {
	if strings.TrimSpace(strings.ToLower(s)) == string(PhaseEditing) {
		return PhaseEditing
	}
	return PhaseGeneration
}
