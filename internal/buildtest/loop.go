package buildtest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/executor"
	"github.com/stellarlinkco/appgen-eval/internal/llm"
)

const maxFailureOutput = 8000

// Ceilings bounds repair attempts per stage. The budgets are independent: a
// build fix never resets the test-repair budget and vice versa.
type Ceilings struct {
	Build int
	Audit int
	Test  int
}

// RepairCounts records repair rounds actually spent, by stage.
type RepairCounts struct {
	Build int `json:"build"`
	Audit int `json:"audit"`
	Test  int `json:"test"`
}

// Options configures one loop execution for one step.
type Options struct {
	EvalID     executor.EvalID
	Step       int
	Snapshot   bool
	PromptText string
	Files      []llm.FileSpec
	RunAudit   bool
	RunTest    bool
}

// Outcome is the loop's terminal state. A failing Outcome is still a valid
// terminal state: exhausted repair budgets are rated, not errored.
type Outcome struct {
	Files   []llm.FileSpec
	Build   CheckResult
	Audit   *CheckResult
	Test    *CheckResult
	Repairs RepairCounts
	Usage   llm.Usage
}

// Passed reports whether every stage that ran ended green.
func (o *Outcome) Passed() bool {
	if o == nil || !o.Build.Passed {
		return false
	}
	if o.Audit != nil && !o.Audit.Passed {
		return false
	}
	if o.Test != nil && !o.Test.Passed {
		return false
	}
	return true
}

// Loop drives the bounded build/audit/test repair state machine for one
// step. Failure output is fed back to the generation backend as a repair
// round; its output replaces the previously written files before the same
// stage is re-attempted.
type Loop struct {
	Generator llm.Generator
	Workspace executor.Workspace
	Checker   Checker
	Ceilings  Ceilings
	System    string
	MaxTokens int
	Logger    *log.Logger
}

// Run executes the state machine. A nil error with a failing Outcome means
// repair budgets ran out; a non-nil error means a hard generation or write
// failure made the job unrecoverable.
func (l *Loop) Run(ctx context.Context, opts Options) (*Outcome, error) {
	if l == nil || l.Generator == nil || l.Workspace == nil || l.Checker == nil {
		return nil, errors.New("buildtest: loop missing collaborators")
	}

	dir, err := l.Workspace.Root(opts.EvalID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Files: opts.Files}

	build, ok, err := l.runStage(ctx, dir, "build", l.Checker.Build, l.Ceilings.Build, &out.Repairs.Build, &opts, out)
	if err != nil {
		return nil, err
	}
	out.Build = build
	if !ok {
		return out, nil
	}

	if opts.RunAudit {
		audit, ok, err := l.runStage(ctx, dir, "audit", l.Checker.Audit, l.Ceilings.Audit, &out.Repairs.Audit, &opts, out)
		if err != nil {
			return nil, err
		}
		out.Audit = &audit
		if !ok {
			return out, nil
		}
	}

	if opts.RunTest {
		test, ok, err := l.runStage(ctx, dir, "test", l.Checker.Test, l.Ceilings.Test, &out.Repairs.Test, &opts, out)
		if err != nil {
			return nil, err
		}
		out.Test = &test
		if !ok {
			return out, nil
		}
	}

	return out, nil
}

// runStage runs one check and up to ceiling repair rounds for it. The bool
// result reports whether the stage ended passing.
func (l *Loop) runStage(
	ctx context.Context,
	dir string,
	name string,
	check func(context.Context, string) (CheckResult, error),
	ceiling int,
	count *int,
	opts *Options,
	out *Outcome,
) (CheckResult, bool, error) {
	res, err := check(ctx, dir)
	if err != nil {
		return CheckResult{}, false, err
	}

	for !res.Passed && *count < ceiling {
		if err := ctx.Err(); err != nil {
			return res, false, err
		}
		*count++
		l.logf("%s failed, repair round %d/%d", name, *count, ceiling)

		files, usage, err := l.repair(ctx, name, res, opts, out.Files)
		if err != nil {
			return res, false, err
		}
		out.Usage.InputTokens += usage.InputTokens
		out.Usage.OutputTokens += usage.OutputTokens

		out.Files = mergeFiles(out.Files, files)
		if err := l.Workspace.WriteFiles(opts.EvalID, opts.Step, files, opts.Snapshot); err != nil {
			return res, false, fmt.Errorf("buildtest: write repaired files: %w", err)
		}

		res, err = check(ctx, dir)
		if err != nil {
			return CheckResult{}, false, err
		}
	}
	return res, res.Passed, nil
}

func (l *Loop) repair(ctx context.Context, stage string, failed CheckResult, opts *Options, current []llm.FileSpec) ([]llm.FileSpec, llm.Usage, error) {
	result, err := l.Generator.GenerateFiles(ctx, &llm.FilesRequest{
		System:       l.System,
		Prompt:       repairPrompt(opts.PromptText, stage, failed),
		ContextFiles: current,
		MaxTokens:    l.MaxTokens,
	})
	if err != nil {
		return nil, llm.Usage{}, fmt.Errorf("buildtest: %s repair generation: %w", stage, err)
	}
	if result == nil || len(result.Files) == 0 {
		return nil, llm.Usage{}, fmt.Errorf("buildtest: %s repair produced no files", stage)
	}
	return result.Files, result.Usage, nil
}

func repairPrompt(original, stage string, failed CheckResult) string {
	output := failed.Output
	if len(output) > maxFailureOutput {
		output = output[:maxFailureOutput] + "\n... (truncated)"
	}
	verdict := fmt.Sprintf("exit code %d", failed.ExitCode)
	if failed.TimedOut {
		verdict = "timed out"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "The project you generated for the task below fails its %s check (%s).\n\n", stage, verdict)
	sb.WriteString("## Original task\n\n")
	sb.WriteString(original)
	sb.WriteString("\n\n## Failure output\n\n")
	sb.WriteString(output)
	sb.WriteString("\n\nFix the problem. Emit only the files that need to change.")
	return sb.String()
}

func mergeFiles(current, updated []llm.FileSpec) []llm.FileSpec {
	merged := make([]llm.FileSpec, len(current))
	copy(merged, current)

	index := make(map[string]int, len(merged))
	for i, f := range merged {
		index[f.Path] = i
	}
	for _, f := range updated {
		if i, ok := index[f.Path]; ok {
			merged[i] = f
			continue
		}
		index[f.Path] = len(merged)
		merged = append(merged, f)
	}
	return merged
}

func (l *Loop) logf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}
