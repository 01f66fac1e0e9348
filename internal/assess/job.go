package assess

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/stellarlinkco/appgen-eval/internal/buildtest"
	"github.com/stellarlinkco/appgen-eval/internal/environment"
	"github.com/stellarlinkco/appgen-eval/internal/executor"
	"github.com/stellarlinkco/appgen-eval/internal/llm"
	"github.com/stellarlinkco/appgen-eval/internal/prompt"
	"github.com/stellarlinkco/appgen-eval/internal/rating"
)

// SystemPrompts holds the per-phase system prompt templates.
type SystemPrompts struct {
	Generation string `yaml:"generation"`
	Editing    string `yaml:"editing"`
}

func (s SystemPrompts) forPhase(p prompt.Phase) string {
	if p == prompt.PhaseEditing {
		return s.Editing
	}
	return s.Generation
}

// Job drives one prompt (or one multi-step prompt's ordered step sequence)
// through generation, file write, the repair loop, and rating. A returned
// error means the whole prompt's job failed; the orchestrator records it
// without failing the run.
type Job struct {
	Env       *environment.Environment
	Prompt    *prompt.Definition
	EvalID    executor.EvalID
	Executor  executor.Executor
	Workspace executor.Workspace
	Generator llm.Generator
	Checker   buildtest.Checker
	Ceilings  buildtest.Ceilings
	Rater     rating.Rater
	Journeys  *rating.JourneyGenerator
	Augmenter prompt.TextAugmenter
	System    SystemPrompts
	Opts      Options
	Logger    *log.Logger
}

// Run executes every leaf step in order against the job's shared workspace
// and returns one AssessmentResult per step.
func (j *Job) Run(ctx context.Context) ([]AssessmentResult, error) {
	if j == nil || j.Prompt == nil {
		return nil, errors.New("assess: nil job")
	}

	root, err := j.Workspace.Root(j.EvalID)
	if err != nil {
		return nil, err
	}

	mcp, hasMCP := j.Executor.(executor.MCPHost)
	if hasMCP {
		if err := mcp.StartMCPServerHost(ctx, j.EvalID); err != nil {
			return nil, fmt.Errorf("assess: start mcp host for %q: %w", j.Prompt.Name, err)
		}
	}

	steps := j.Prompt.Leaves()
	multiStep := j.Prompt.MultiStep()

	var results []AssessmentResult
	var journeys []rating.Journey
	var journeyUsage llm.Usage

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stepNum := i + 1

		system, err := j.systemPrompt(step.Phase, root)
		if err != nil {
			return nil, err
		}

		text := step.Text
		if j.Augmenter != nil {
			text, err = j.Augmenter.AugmentText(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("assess: augment prompt %q: %w", step.Name, err)
			}
		}

		// Context must be re-resolved per step: earlier steps may have
		// changed the file set.
		ctxFiles, err := j.Workspace.ResolveContext(j.EvalID, step.ContextPatterns)
		if err != nil {
			return nil, err
		}

		gen, err := j.Generator.GenerateFiles(ctx, &llm.FilesRequest{
			System:       system,
			Prompt:       text,
			ContextFiles: ctxFiles,
			MaxTokens:    j.Opts.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("assess: generate step %d of %q: %w", stepNum, j.Prompt.Name, err)
		}
		if gen == nil || len(gen.Files) == 0 {
			return nil, fmt.Errorf("assess: generation for step %d of %q produced no files", stepNum, j.Prompt.Name)
		}

		if err := j.Workspace.WriteFiles(j.EvalID, stepNum, gen.Files, multiStep); err != nil {
			return nil, fmt.Errorf("assess: write step %d of %q: %w", stepNum, j.Prompt.Name, err)
		}

		if j.Opts.UserJourneys && i == 0 {
			if j.Journeys == nil {
				return nil, errors.New("assess: user journeys enabled but no journey generator configured")
			}
			journeys, journeyUsage, err = j.Journeys.Generate(ctx, text, gen.Files)
			if err != nil {
				return nil, err
			}
		}

		loop := &buildtest.Loop{
			Generator: j.Generator,
			Workspace: j.Workspace,
			Checker:   j.Checker,
			Ceilings:  j.Ceilings,
			System:    j.System.Editing,
			MaxTokens: j.Opts.MaxTokens,
			Logger:    j.Logger,
		}
		outcome, err := loop.Run(ctx, buildtest.Options{
			EvalID:     j.EvalID,
			Step:       stepNum,
			Snapshot:   multiStep,
			PromptText: text,
			Files:      gen.Files,
			RunAudit:   j.Opts.RunAudit,
			RunTest:    j.Opts.RunTest,
		})
		if err != nil {
			return nil, err
		}

		var toolLogs []buildtest.CheckResult
		if j.Opts.Screenshots && outcome.Build.Passed {
			if shot, ok := j.captureScreenshot(ctx, root); ok {
				toolLogs = append(toolLogs, shot)
			}
		}

		var visuals []rating.VisualVerdict
		var visualUsage llm.Usage
		if outcome.Build.Passed {
			visuals, visualUsage = j.rateVisuals(ctx, step.Text)
		}

		req := &rating.Request{
			PromptName: step.Name,
			PromptText: step.Text,
			Files:      outcome.Files,
			Build:      outcome.Build,
			Test:       outcome.Test,
			Audit:      outcome.Audit,
			Repairs:    outcome.Repairs,
			Journeys:   journeys,
			Visuals:    visuals,
		}
		score, err := j.Rater.Rate(ctx, j.Env, req)
		if err != nil {
			return nil, fmt.Errorf("assess: rate step %d of %q: %w", stepNum, j.Prompt.Name, err)
		}

		result := AssessmentResult{
			PromptName: step.Name,
			PromptText: step.Text,
			Step:       stepNum,
			Files:      outcome.Files,
			Build:      outcome.Build,
			Test:       outcome.Test,
			Audit:      outcome.Audit,
			Repairs:    outcome.Repairs,
			Score:      score,
			ToolLogs:   toolLogs,
			Attempts: []AttemptDetails{{
				Kind:  "generation",
				Step:  stepNum,
				Usage: TokenUsage{InputTokens: gen.Usage.InputTokens, OutputTokens: gen.Usage.OutputTokens},
			}},
		}
		if outcome.Usage != (llm.Usage{}) {
			result.Attempts = append(result.Attempts, AttemptDetails{
				Kind:  "repair",
				Step:  stepNum,
				Usage: TokenUsage{InputTokens: outcome.Usage.InputTokens, OutputTokens: outcome.Usage.OutputTokens},
			})
		}
		result.Usage.add(gen.Usage)
		result.Usage.add(outcome.Usage)
		result.Usage.add(visualUsage)
		if score != nil {
			result.Usage.add(score.Usage)
		}
		if i == 0 {
			result.Journeys = journeys
			result.Usage.add(journeyUsage)
		}
		results = append(results, result)
	}

	if hasMCP && len(results) > 0 {
		// Log collection is diagnostic; a failure never taints the result.
		logs, err := mcp.CollectMCPServerLogs(j.EvalID)
		if err != nil {
			if j.Logger != nil {
				j.Logger.Printf("collect mcp logs for %s: %v", j.Prompt.Name, err)
			}
		} else if logs != "" {
			last := &results[len(results)-1]
			last.ToolLogs = append(last.ToolLogs, buildtest.CheckResult{
				Name:   "mcp",
				Passed: true,
				Output: logs,
			})
		}
	}

	return results, nil
}

// rateVisuals consults the executor's vision channel for each visual
// rating. It is best-effort: an unsupported executor or a failed call only
// skips the verdict.
func (j *Job) rateVisuals(ctx context.Context, promptText string) ([]rating.VisualVerdict, llm.Usage) {
	vr, ok := j.Executor.(executor.VisualRater)
	if !ok {
		return nil, llm.Usage{}
	}

	var verdicts []rating.VisualVerdict
	var usage llm.Usage
	for _, r := range j.Env.Ratings {
		if !r.ModelBased() || !r.Visual() {
			continue
		}
		v, err := vr.AutoRateVisuals(ctx, j.EvalID, executor.VisualRatingRequest{
			PromptText:  promptText,
			RatingID:    r.ID,
			Description: r.Description,
		})
		if err != nil {
			if j.Logger != nil {
				j.Logger.Printf("visual rating %s for %s: %v", r.ID, j.Prompt.Name, err)
			}
			continue
		}
		if v == nil {
			continue
		}
		verdicts = append(verdicts, rating.VisualVerdict{
			RatingID: v.RatingID,
			Violated: v.Violated,
			Notes:    v.Notes,
		})
		usage.InputTokens += v.Usage.InputTokens
		usage.OutputTokens += v.Usage.OutputTokens
	}
	return verdicts, usage
}

func (j *Job) systemPrompt(phase prompt.Phase, root string) (string, error) {
	system := j.System.forPhase(phase)
	if pp, ok := j.Executor.(executor.SystemPromptPostProcessor); ok {
		processed, err := pp.PostProcessSystemPrompt(system, root)
		if err != nil {
			return "", fmt.Errorf("assess: post-process system prompt: %w", err)
		}
		system = processed
	}
	return system, nil
}

// captureScreenshot runs the optional screenshot stage. It is best-effort:
// a failure is logged and the job continues.
func (j *Job) captureScreenshot(ctx context.Context, root string) (buildtest.CheckResult, bool) {
	s, ok := j.Checker.(buildtest.Screenshotter)
	if !ok {
		return buildtest.CheckResult{}, false
	}
	shot, err := s.Screenshot(ctx, root)
	if err != nil {
		if j.Logger != nil {
			j.Logger.Printf("screenshot capture failed for %s: %v", j.Prompt.Name, err)
		}
		return buildtest.CheckResult{}, false
	}
	return shot, true
}
