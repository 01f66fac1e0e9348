package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/errs"
)

// Augmenter is a user-supplied hook invoked after resolution, allowing the
// caller to rewrite or extend the resolved prompt list.
type Augmenter interface {
	Augment(defs []*Definition) ([]*Definition, error)
}

// AugmenterFunc adapts a function to the Augmenter interface.
type AugmenterFunc func(defs []*Definition) ([]*Definition, error)

// Augment implements Augmenter.
func (f AugmenterFunc) Augment(defs []*Definition) ([]*Definition, error) {
	return f(defs)
}

// Resolver expands prompt sources into executable definitions.
type Resolver struct {
	// BaseDir anchors relative globs and directories.
	BaseDir string
	// StrictSteps additionally rejects duplicate and non-contiguous step
	// numbers in multi-step directories.
	StrictSteps bool
	// Augmenter, when set, post-processes the resolved list.
	Augmenter Augmenter
}

// Resolve expands all sources, in catalog order, into definitions.
func (r *Resolver) Resolve(sources []Source) ([]*Definition, error) {
	if r == nil {
		return nil, fmt.Errorf("prompt: nil resolver")
	}
	if len(sources) == 0 {
		return nil, errs.Userf("prompt: no prompt sources configured")
	}

	var out []*Definition
	for i, src := range sources {
		defs, err := r.resolveSource(i, src)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	if len(out) == 0 {
		return nil, errs.Userf("prompt: sources resolved to zero prompts")
	}

	seen := make(map[string]struct{}, len(out))
	for _, d := range out {
		if _, ok := seen[d.Name]; ok {
			return nil, errs.Userf("prompt: duplicate prompt name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}

	if r.Augmenter != nil {
		augmented, err := r.Augmenter.Augment(out)
		if err != nil {
			return nil, fmt.Errorf("prompt: augmenter: %w", err)
		}
		out = augmented
	}
	return out, nil
}

func (r *Resolver) resolveSource(idx int, src Source) ([]*Definition, error) {
	set := 0
	if strings.TrimSpace(src.Text) != "" {
		set++
	}
	if strings.TrimSpace(src.Glob) != "" {
		set++
	}
	if strings.TrimSpace(src.Dir) != "" {
		set++
	}
	if set != 1 {
		return nil, errs.Userf("prompt: source %d must set exactly one of text, glob, dir", idx)
	}

	switch {
	case strings.TrimSpace(src.Text) != "":
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return nil, errs.Userf("prompt: source %d: literal prompt needs a name", idx)
		}
		return []*Definition{{
			Name:            name,
			Text:            src.Text,
			Ratings:         append([]string(nil), src.Ratings...),
			ContextPatterns: append([]string(nil), src.ContextPatterns...),
			Phase:           parsePhase(src.Phase),
		}}, nil

	case strings.TrimSpace(src.Glob) != "":
		return r.resolveGlob(src)

	default:
		def, err := r.resolveMultiStep(src)
		if err != nil {
			return nil, err
		}
		return []*Definition{def}, nil
	}
}

func (r *Resolver) resolveGlob(src Source) ([]*Definition, error) {
	pattern := r.join(src.Glob)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errs.Userf("prompt: bad glob %q: %v", src.Glob, err)
	}
	if len(matches) == 0 {
		return nil, errs.Userf("prompt: glob %q matched no files", src.Glob)
	}
	sort.Strings(matches)

	out := make([]*Definition, 0, len(matches))
	for _, path := range matches {
		text, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("prompt: read %q: %w", path, err)
		}
		out = append(out, &Definition{
			Name:            baseName(path),
			Text:            string(text),
			Ratings:         append([]string(nil), src.Ratings...),
			ContextPatterns: append([]string(nil), src.ContextPatterns...),
			Phase:           parsePhase(src.Phase),
		})
	}
	return out, nil
}

// resolveMultiStep loads a directory of step-<n> files as one ordered
// multi-step definition. The resolved order follows the parsed step number,
// not directory enumeration order. The first step uses the generation phase;
// later steps edit the project left by their predecessors.
func (r *Resolver) resolveMultiStep(src Source) (*Definition, error) {
	dir := r.join(src.Dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Userf("prompt: read multi-step dir %q: %v", src.Dir, err)
	}

	name := strings.TrimSpace(src.Name)
	if name == "" {
		name = filepath.Base(dir)
	}

	type numbered struct {
		n    int
		path string
	}
	var steps []numbered
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, ok := stepNumber(entry.Name())
		if !ok {
			return nil, errs.Userf("prompt: multi-step dir %q: file %q does not match step-<number>", src.Dir, entry.Name())
		}
		steps = append(steps, numbered{n: n, path: filepath.Join(dir, entry.Name())})
	}
	if len(steps) == 0 {
		return nil, errs.Userf("prompt: multi-step dir %q has no steps", src.Dir)
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].n < steps[j].n })
	if steps[0].n != 1 {
		return nil, errs.Userf("prompt: multi-step dir %q: steps must start at step-1 (found step-%d)", src.Dir, steps[0].n)
	}
	if r.StrictSteps {
		for i := 1; i < len(steps); i++ {
			switch {
			case steps[i].n == steps[i-1].n:
				return nil, errs.Userf("prompt: multi-step dir %q: duplicate step-%d", src.Dir, steps[i].n)
			case steps[i].n != steps[i-1].n+1:
				return nil, errs.Userf("prompt: multi-step dir %q: gap between step-%d and step-%d", src.Dir, steps[i-1].n, steps[i].n)
			}
		}
	}

	def := &Definition{Name: name, Ratings: append([]string(nil), src.Ratings...)}
	for i, s := range steps {
		text, err := os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("prompt: read %q: %w", s.path, err)
		}
		phase := PhaseEditing
		if i == 0 {
			phase = parsePhase(src.Phase)
		}
		def.Steps = append(def.Steps, &Definition{
			Name:            fmt.Sprintf("%s/step-%d", name, s.n),
			Text:            string(text),
			Ratings:         append([]string(nil), src.Ratings...),
			ContextPatterns: append([]string(nil), src.ContextPatterns...),
			Phase:           phase,
		})
	}
	return def, nil
}

func (r *Resolver) join(path string) string {
	if filepath.IsAbs(path) || strings.TrimSpace(r.BaseDir) == "" {
		return path
	}
	return filepath.Join(r.BaseDir, path)
}

// stepNumber parses the numeric suffix of a step-<n> filename, ignoring the
// extension. step-0 is rejected later by the start-at-1 rule, not here.
func stepNumber(filename string) (int, bool) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	rest, ok := strings.CutPrefix(base, "step-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
