// Package rating computes the score for one step's final attempt by
// applying the environment's rating rules to the attempt's outcome.
package rating

import (
	"context"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/buildtest"
	"github.com/stellarlinkco/appgen-eval/internal/environment"
	"github.com/stellarlinkco/appgen-eval/internal/llm"
)

// Request carries everything known about an attempt when it is rated.
type Request struct {
	PromptName string
	PromptText string
	Files      []llm.FileSpec
	Build      buildtest.CheckResult
	Test       *buildtest.CheckResult
	Audit      *buildtest.CheckResult
	Repairs    buildtest.RepairCounts
	Journeys   []Journey
	Visuals    []VisualVerdict
}

// VisualVerdict is an executor-produced judgement for one visual rating.
type VisualVerdict struct {
	RatingID string `json:"rating_id"`
	Violated bool   `json:"violated"`
	Notes    string `json:"notes,omitempty"`
}

// Deduction is one applied score reduction.
type Deduction struct {
	RatingID string `json:"rating_id"`
	Category string `json:"category"`
	Points   int    `json:"points"`
	Reason   string `json:"reason"`
}

// Score is the computed result for one attempt.
type Score struct {
	Points     int         `json:"points"`
	MaxPoints  int         `json:"max_points"`
	Deductions []Deduction `json:"deductions,omitempty"`
	Usage      llm.Usage   `json:"usage"`
}

// Journey is one generated user journey exercised against the app.
type Journey struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

// Rater scores one attempt against an environment's rating rules.
type Rater interface {
	Rate(ctx context.Context, env *environment.Environment, req *Request) (*Score, error)
}

// StaticRater applies the environment's non-model ratings deterministically:
// a rating deducts its score reduction when the outcome it is grouped under
// (build, test, audit, repair) went wrong.
type StaticRater struct{}

func (StaticRater) Rate(_ context.Context, env *environment.Environment, req *Request) (*Score, error) {
	score := &Score{MaxPoints: env.MaxPoints()}
	remaining := categoryBudgets(env)

	for _, r := range env.Ratings {
		if r.ModelBased() {
			continue
		}
		points, reason := staticDeduction(r, req)
		if points <= 0 {
			continue
		}
		applyDeduction(score, remaining, r, points, reason)
	}

	for _, left := range remaining {
		score.Points += left
	}
	return score, nil
}

// staticDeduction decides whether a static rating fires for this attempt.
// A rating binds to outcomes through its grouping labels.
func staticDeduction(r environment.Rating, req *Request) (int, string) {
	for _, g := range r.Groups {
		switch strings.ToLower(g) {
		case "build":
			if !req.Build.Passed {
				return r.ScoreReduction, "build check failed"
			}
		case "test":
			if req.Test != nil && !req.Test.Passed {
				return r.ScoreReduction, "test check failed"
			}
		case "audit":
			if req.Audit != nil && !req.Audit.Passed {
				return r.ScoreReduction, "audit check failed"
			}
		case "repair":
			rounds := req.Repairs.Build + req.Repairs.Audit + req.Repairs.Test
			if rounds > 0 {
				return r.ScoreReduction * rounds, "repair rounds used"
			}
		}
	}
	return 0, ""
}

func categoryBudgets(env *environment.Environment) map[string]int {
	budgets := make(map[string]int)
	for name, c := range env.Categories {
		budgets[name] = c.MaxPoints
	}
	return budgets
}

// applyDeduction subtracts from the rating's category budget, flooring at
// zero so a category can never go negative.
func applyDeduction(score *Score, remaining map[string]int, r environment.Rating, points int, reason string) {
	left := remaining[r.Category]
	if points > left {
		points = left
	}
	if points == 0 {
		return
	}
	remaining[r.Category] = left - points
	score.Deductions = append(score.Deductions, Deduction{
		RatingID: r.ID,
		Category: r.Category,
		Points:   points,
		Reason:   reason,
	})
}
