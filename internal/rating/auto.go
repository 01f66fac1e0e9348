package rating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/environment"
	"github.com/stellarlinkco/appgen-eval/internal/llm"
)

// AutoRater evaluates model-based ratings by asking a backend which rules
// the generated code violates. It is only constructed when the environment
// actually configures model-based ratings.
type AutoRater struct {
	Generator llm.Generator
	MaxTokens int
}

type autoVerdict struct {
	Violations []struct {
		RatingID string `json:"rating_id"`
		Reason   string `json:"reason"`
	} `json:"violations"`
}

// Rate returns deductions for the environment's model-based ratings flagged
// by the backend, plus the usage the call consumed.
func (a *AutoRater) Rate(ctx context.Context, env *environment.Environment, req *Request) (*Score, error) {
	if a == nil || a.Generator == nil {
		return nil, errors.New("rating: nil auto rater")
	}

	// Visual ratings belong to the executor's vision channel, not the
	// code review.
	modelRatings := make([]environment.Rating, 0, len(env.Ratings))
	for _, r := range env.Ratings {
		if r.ModelBased() && !r.Visual() {
			modelRatings = append(modelRatings, r)
		}
	}
	if len(modelRatings) == 0 {
		return &Score{MaxPoints: env.MaxPoints()}, nil
	}

	result, err := a.Generator.GenerateConstrained(ctx, &llm.ConstrainedRequest{
		System:    "You are a strict code reviewer for generated front-end applications.",
		Prompt:    autoRatePrompt(modelRatings, req),
		Schema:    autoRateSchema(),
		MaxTokens: a.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("rating: auto rate: %w", err)
	}

	var verdict autoVerdict
	if err := json.Unmarshal(result.Output, &verdict); err != nil {
		return nil, fmt.Errorf("rating: parse auto rate output: %w", err)
	}

	byID := make(map[string]environment.Rating, len(modelRatings))
	for _, r := range modelRatings {
		byID[r.ID] = r
	}

	score := &Score{
		MaxPoints: env.MaxPoints(),
		Usage: llm.Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		},
	}
	remaining := categoryBudgets(env)
	for _, v := range verdict.Violations {
		r, ok := byID[strings.TrimSpace(v.RatingID)]
		if !ok {
			// The model may hallucinate rule ids; unknown ones are ignored.
			continue
		}
		applyDeduction(score, remaining, r, r.ScoreReduction, v.Reason)
	}
	return score, nil
}

func autoRatePrompt(ratings []environment.Rating, req *Request) string {
	var sb strings.Builder
	sb.WriteString("Review the generated application below against these rules. ")
	sb.WriteString("Report a violation only when you are confident.\n\n## Rules\n\n")
	for _, r := range ratings {
		fmt.Fprintf(&sb, "- %s: %s\n", r.ID, r.Description)
	}
	sb.WriteString("\n## Task the code was generated for\n\n")
	sb.WriteString(req.PromptText)
	sb.WriteString("\n\n## Generated files\n\n")
	sb.WriteString(llm.RenderFileBlocks(req.Files))
	return sb.String()
}

func autoRateSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"violations": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"rating_id": map[string]any{"type": "string"},
						"reason":    map[string]any{"type": "string"},
					},
					"required": []string{"rating_id", "reason"},
				},
			},
		},
		"required": []string{"violations"},
	}
}

// JourneyGenerator produces user journeys for runtime testing from the first
// step's prompt and generated files.
type JourneyGenerator struct {
	Generator llm.Generator
	MaxTokens int
}

func (j *JourneyGenerator) Generate(ctx context.Context, promptText string, files []llm.FileSpec) ([]Journey, llm.Usage, error) {
	if j == nil || j.Generator == nil {
		return nil, llm.Usage{}, errors.New("rating: nil journey generator")
	}

	var sb strings.Builder
	sb.WriteString("Derive up to 3 short user journeys a tester would walk through in the app below. ")
	sb.WriteString("Each journey is a named sequence of concrete UI actions.\n\n## Task\n\n")
	sb.WriteString(promptText)
	sb.WriteString("\n\n## Generated files\n\n")
	sb.WriteString(llm.RenderFileBlocks(files))

	result, err := j.Generator.GenerateConstrained(ctx, &llm.ConstrainedRequest{
		Prompt: sb.String(),
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"journeys": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":  map[string]any{"type": "string"},
							"steps": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						},
						"required": []string{"name", "steps"},
					},
				},
			},
			"required": []string{"journeys"},
		},
		MaxTokens: j.MaxTokens,
	})
	if err != nil {
		return nil, llm.Usage{}, fmt.Errorf("rating: generate journeys: %w", err)
	}

	var out struct {
		Journeys []Journey `json:"journeys"`
	}
	if err := json.Unmarshal(result.Output, &out); err != nil {
		return nil, llm.Usage{}, fmt.Errorf("rating: parse journeys: %w", err)
	}
	usage := llm.Usage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens}
	return out.Journeys, usage, nil
}

// Engine is the Rater handed to jobs: static deductions always apply, and
// model-based deductions are merged in when an auto rater is present.
type Engine struct {
	Static StaticRater
	Auto   *AutoRater
}

func (e *Engine) Rate(ctx context.Context, env *environment.Environment, req *Request) (*Score, error) {
	if e == nil {
		return nil, errors.New("rating: nil engine")
	}
	if needsAutoRater(env) && e.Auto == nil {
		return nil, errors.New("rating: environment has model-based ratings but no auto rater")
	}

	static, err := e.Static.Rate(ctx, env, req)
	if err != nil {
		return nil, err
	}

	scores := []*Score{static}
	if e.Auto != nil && needsAutoRater(env) {
		auto, err := e.Auto.Rate(ctx, env, req)
		if err != nil {
			return nil, err
		}
		scores = append(scores, auto)
	}
	if vs := visualScore(env, req); vs != nil {
		scores = append(scores, vs)
	}
	if len(scores) == 1 {
		return static, nil
	}
	return merge(env, scores...), nil
}

// needsAutoRater reports whether any model-based rating is left for the
// code-review auto rater once visual ratings are carved out.
func needsAutoRater(env *environment.Environment) bool {
	for _, r := range env.Ratings {
		if r.ModelBased() && !r.Visual() {
			return true
		}
	}
	return false
}

// visualScore converts the executor's visual verdicts into deductions.
// Verdicts for unknown or non-visual ratings are ignored.
func visualScore(env *environment.Environment, req *Request) *Score {
	if len(req.Visuals) == 0 {
		return nil
	}
	byID := make(map[string]environment.Rating, len(env.Ratings))
	for _, r := range env.Ratings {
		byID[r.ID] = r
	}

	score := &Score{MaxPoints: env.MaxPoints()}
	remaining := categoryBudgets(env)
	for _, v := range req.Visuals {
		if !v.Violated {
			continue
		}
		r, ok := byID[strings.TrimSpace(v.RatingID)]
		if !ok || !r.Visual() {
			continue
		}
		reason := v.Notes
		if reason == "" {
			reason = "visual check failed"
		}
		applyDeduction(score, remaining, r, r.ScoreReduction, reason)
	}
	if len(score.Deductions) == 0 {
		return nil
	}
	return score
}

// merge re-applies every rater's deductions against fresh category budgets
// so a category floor holds across the combined result.
func merge(env *environment.Environment, scores ...*Score) *Score {
	score := &Score{MaxPoints: env.MaxPoints()}
	remaining := categoryBudgets(env)

	var all []Deduction
	for _, s := range scores {
		score.Usage.InputTokens += s.Usage.InputTokens
		score.Usage.OutputTokens += s.Usage.OutputTokens
		all = append(all, s.Deductions...)
	}
	for _, d := range all {
		points := d.Points
		if left := remaining[d.Category]; points > left {
			points = left
		}
		if points == 0 {
			continue
		}
		remaining[d.Category] -= points
		d.Points = points
		score.Deductions = append(score.Deductions, d)
	}
	for _, left := range remaining {
		score.Points += left
	}
	return score
}
