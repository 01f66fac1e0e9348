// Package ci publishes run results to GitHub Actions when the assessment
// runs inside a workflow.
package ci

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/assess"
)

// DetectCI returns true if running in GitHub Actions.
func DetectCI() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GITHUB_ACTIONS")), "true")
}

// PublishRun writes the run's job summary, output variables, and failure
// annotations. It is a no-op outside GitHub Actions.
func PublishRun(info *assess.RunInfo) error {
	if info == nil || !DetectCI() {
		return nil
	}

	points, maxPoints := totalScore(info)
	SetOutput("run_id", info.ID)
	SetOutput("score", fmt.Sprintf("%d/%d", points, maxPoints))
	SetOutput("failed_prompts", fmt.Sprintf("%d", len(info.FailedPrompts)))

	for _, f := range info.FailedPrompts {
		AddAnnotation("error", fmt.Sprintf("prompt %s: %s", f.PromptName, f.Error))
	}

	return SetJobSummary(runSummaryMarkdown(info, points, maxPoints))
}

func totalScore(info *assess.RunInfo) (points, maxPoints int) {
	for _, r := range info.Results {
		if r.Score == nil {
			continue
		}
		points += r.Score.Points
		maxPoints += r.Score.MaxPoints
	}
	return points, maxPoints
}

func runSummaryMarkdown(info *assess.RunInfo, points, maxPoints int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Assessment run %s\n\n", info.ID)
	fmt.Fprintf(&sb, "Environment `%s`, total score **%d/%d**, %d results, %d failed prompts.\n\n",
		info.EnvironmentID, points, maxPoints, len(info.Results), len(info.FailedPrompts))

	sb.WriteString("| Prompt | Step | Score | Build | Repairs |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, r := range info.Results {
		p, m := 0, 0
		if r.Score != nil {
			p, m = r.Score.Points, r.Score.MaxPoints
		}
		build := ":x:"
		if r.Build.Passed {
			build = ":white_check_mark:"
		}
		repairs := r.Repairs.Build + r.Repairs.Audit + r.Repairs.Test
		fmt.Fprintf(&sb, "| %s | %d | %d/%d | %s | %d |\n", r.PromptName, r.Step, p, m, build, repairs)
	}

	if len(info.FailedPrompts) > 0 {
		sb.WriteString("\n### Failed prompts\n\n")
		for _, f := range info.FailedPrompts {
			kind := "failed"
			if f.Timeout {
				kind = "timed out"
			}
			fmt.Fprintf(&sb, "- `%s` %s: %s\n", f.PromptName, kind, f.Error)
		}
	}
	if info.Summary != "" {
		fmt.Fprintf(&sb, "\n%s\n", info.Summary)
	}
	return sb.String()
}

// SetOutput sets a GitHub Actions output variable.
func SetOutput(name, value string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if path := strings.TrimSpace(os.Getenv("GITHUB_OUTPUT")); path != "" {
		_ = appendGitHubCommandFile(path, fmt.Sprintf("%s<<EOF\n%s\nEOF\n", name, value))
		return
	}
	fmt.Printf("::set-output name=%s::%s\n", name, escapeCommandValue(value))
}

// AddAnnotation adds a GitHub Actions annotation (error, warning, notice).
func AddAnnotation(level, message string) {
	lvl := strings.ToLower(strings.TrimSpace(level))
	switch lvl {
	case "error", "warning", "notice":
	default:
		lvl = "notice"
	}
	fmt.Printf("::%s::%s\n", lvl, escapeCommandValue(message))
}

// SetJobSummary writes markdown to the job summary.
func SetJobSummary(markdown string) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_STEP_SUMMARY"))
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if !strings.HasSuffix(markdown, "\n") {
		markdown += "\n"
	}
	return appendGitHubCommandFile(path, markdown)
}

func appendGitHubCommandFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

func escapeCommandValue(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\r", "%0D")
	s = strings.ReplaceAll(s, "\n", "%0A")
	return s
}
