package assess

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/llm"
)

const summarySystemPrompt = "You summarize automated code-generation assessment runs for engineers. Be factual and brief."

// summarize optionally generates the run's AI summary and the answers to any
// configured analysis prompts. Failures here are logged and swallowed: a
// completed run's results must never be masked by a reporting nicety.
func (o *Orchestrator) summarize(ctx context.Context, opts Options, aux llm.Generator, info *RunInfo) {
	if aux == nil {
		return
	}

	digest := runDigest(info)

	if opts.AISummary {
		result, err := aux.GenerateText(ctx, &llm.TextRequest{
			System:    summarySystemPrompt,
			Prompt:    "Summarize this assessment run in at most five sentences.\n\n" + digest,
			MaxTokens: opts.MaxTokens,
		})
		if err != nil {
			o.logf("ai summary generation failed: %v", err)
		} else {
			info.Summary = strings.TrimSpace(result.Text)
			info.TokenUsage.InputTokens += result.Usage.InputTokens
			info.TokenUsage.OutputTokens += result.Usage.OutputTokens
		}
	}

	for i, ap := range opts.AnalysisPrompts {
		if strings.TrimSpace(ap.Text) == "" {
			continue
		}
		name := ap.Name
		if name == "" {
			name = fmt.Sprintf("analysis-%d", i+1)
		}
		result, err := aux.GenerateText(ctx, &llm.TextRequest{
			System:    summarySystemPrompt,
			Prompt:    ap.Text + "\n\n" + digest,
			MaxTokens: opts.MaxTokens,
		})
		if err != nil {
			o.logf("analysis %q failed: %v", name, err)
			continue
		}
		info.Analyses = append(info.Analyses, AnalysisSummary{
			Name: name,
			Text: strings.TrimSpace(result.Text),
		})
		info.TokenUsage.InputTokens += result.Usage.InputTokens
		info.TokenUsage.OutputTokens += result.Usage.OutputTokens
	}
}

// runDigest renders the run outcome as plain text for the summary and
// analysis prompts.
func runDigest(info *RunInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Environment: %s\nResults: %d\nFailed prompts: %d\n\n",
		info.EnvironmentID, len(info.Results), len(info.FailedPrompts))

	for _, r := range info.Results {
		points, max := 0, 0
		if r.Score != nil {
			points, max = r.Score.Points, r.Score.MaxPoints
		}
		fmt.Fprintf(&sb, "- %s: %d/%d points, build passed=%v, repairs build=%d audit=%d test=%d\n",
			r.PromptName, points, max, r.Build.Passed, r.Repairs.Build, r.Repairs.Audit, r.Repairs.Test)
	}
	for _, f := range info.FailedPrompts {
		fmt.Fprintf(&sb, "- %s: FAILED (%s)\n", f.PromptName, f.Error)
	}
	return sb.String()
}
