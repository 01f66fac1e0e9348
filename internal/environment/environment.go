// Package environment models the validated, immutable run configuration: the
// rating set, category point budgets, and the deterministic rating hash used
// to detect scoring drift between runs.
package environment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/errs"
)

// Impact levels for the three fixed rating categories.
const (
	CategoryHigh   = "high"
	CategoryMedium = "medium"
	CategoryLow    = "low"
)

// Rating kinds.
const (
	KindStatic = "static"
	KindModel  = "model"
)

// Category is one of the three fixed impact buckets and its point budget.
type Category struct {
	Name      string `yaml:"name"`
	MaxPoints int    `yaml:"max_points"`
}

// Rating is one scoring rule applied to an assessment attempt.
type Rating struct {
	ID             string   `yaml:"id"`
	Category       string   `yaml:"category"`
	Kind           string   `yaml:"kind,omitempty"`
	ScoreReduction int      `yaml:"score_reduction"`
	Groups         []string `yaml:"groups,omitempty"`
	Description    string   `yaml:"description,omitempty"`
}

// ModelBased reports whether the rating needs a model backend to compute.
func (r Rating) ModelBased() bool {
	return strings.TrimSpace(r.Kind) == KindModel
}

// Visual reports whether the rating is judged from the running app's
// appearance rather than its code. Visual ratings are rated by the
// executor when it has a vision channel.
func (r Rating) Visual() bool {
	for _, g := range r.Groups {
		if strings.EqualFold(strings.TrimSpace(g), "visual") {
			return true
		}
	}
	return false
}

// Definition is the raw, declarative environment description as loaded from
// configuration, before validation.
type Definition struct {
	ID                 string              `yaml:"id"`
	DisplayName        string              `yaml:"display_name"`
	Frameworks         []string            `yaml:"frameworks,omitempty"`
	Ratings            []Rating            `yaml:"ratings"`
	Categories         map[string]Category `yaml:"categories"`
	ExpectedRatingHash string              `yaml:"expected_rating_hash,omitempty"`
	Labels             []string            `yaml:"labels,omitempty"`
}

// Environment is the validated, immutable run configuration shared read-only
// with every job for the run's duration.
type Environment struct {
	ID          string
	DisplayName string
	Frameworks  []string
	Ratings     []Rating
	Categories  map[string]Category
	RatingHash  string
	Labels      []string
}

// New validates a definition and computes its rating hash. If the definition
// declares an expected hash, construction fails on mismatch so that silently
// drifted scoring semantics never produce a run.
func New(def Definition) (*Environment, error) {
	id := strings.TrimSpace(def.ID)
	if id == "" {
		return nil, errs.Userf("environment: missing id")
	}
	if len(def.Ratings) == 0 {
		return nil, errs.Userf("environment %q: no ratings configured", id)
	}

	categories := def.Categories
	if categories == nil {
		categories = map[string]Category{}
	}
	for _, name := range []string{CategoryHigh, CategoryMedium, CategoryLow} {
		if _, ok := categories[name]; !ok {
			return nil, errs.Userf("environment %q: missing category %q", id, name)
		}
	}
	for name := range categories {
		switch name {
		case CategoryHigh, CategoryMedium, CategoryLow:
		default:
			return nil, errs.Userf("environment %q: unknown category %q", id, name)
		}
	}

	seen := make(map[string]struct{}, len(def.Ratings))
	for _, r := range def.Ratings {
		rid := strings.TrimSpace(r.ID)
		if rid == "" {
			return nil, errs.Userf("environment %q: rating with empty id", id)
		}
		if _, ok := seen[rid]; ok {
			return nil, errs.Userf("environment %q: duplicate rating id %q", id, rid)
		}
		seen[rid] = struct{}{}
		if _, ok := categories[r.Category]; !ok {
			return nil, errs.Userf("environment %q: rating %q references unknown category %q", id, rid, r.Category)
		}
		if r.ScoreReduction < 0 {
			return nil, errs.Userf("environment %q: rating %q has negative score reduction", id, rid)
		}
		switch strings.TrimSpace(r.Kind) {
		case "", KindStatic, KindModel:
		default:
			return nil, errs.Userf("environment %q: rating %q has unknown kind %q", id, rid, r.Kind)
		}
	}

	hash := RatingHash(def.Ratings, categories)
	if expected := strings.TrimSpace(def.ExpectedRatingHash); expected != "" && expected != hash {
		return nil, errs.Userf("environment %q: rating hash mismatch: expected %s, computed %s", id, expected, hash)
	}

	env := &Environment{
		ID:          id,
		DisplayName: strings.TrimSpace(def.DisplayName),
		Frameworks:  append([]string(nil), def.Frameworks...),
		Ratings:     append([]Rating(nil), def.Ratings...),
		Categories:  make(map[string]Category, len(categories)),
		RatingHash:  hash,
		Labels:      append([]string(nil), def.Labels...),
	}
	if env.DisplayName == "" {
		env.DisplayName = id
	}
	for k, v := range categories {
		env.Categories[k] = v
	}
	return env, nil
}

// HasModelRatings reports whether any configured rating needs a model
// backend. Auxiliary model-backed runners are only constructed when true.
func (e *Environment) HasModelRatings() bool {
	if e == nil {
		return false
	}
	for _, r := range e.Ratings {
		if r.ModelBased() {
			return true
		}
	}
	return false
}

// MaxPoints returns the total point budget across all categories.
func (e *Environment) MaxPoints() int {
	if e == nil {
		return 0
	}
	total := 0
	for _, c := range e.Categories {
		total += c.MaxPoints
	}
	return total
}

// RatingHash computes the deterministic fingerprint of a rating set: one
// canonical string per rating, sorted, joined, and hashed. The result is
// identical for any permutation of the same ratings.
func RatingHash(ratings []Rating, categories map[string]Category) string {
	lines := make([]string, 0, len(ratings))
	for _, r := range ratings {
		groups := append([]string(nil), r.Groups...)
		sort.Strings(groups)
		maxPoints := categories[r.Category].MaxPoints
		lines = append(lines, fmt.Sprintf("%s|%d|%s|%d|%s",
			r.Category, maxPoints, strings.TrimSpace(r.ID), r.ScoreReduction, strings.Join(groups, ",")))
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
