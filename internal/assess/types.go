// Package assess contains the orchestration core: it turns a prompt catalog
// and a run configuration into scored, repeatable assessment attempts under
// bounded concurrency, timeout, and retry discipline.
package assess

import (
	"time"

	"github.com/stellarlinkco/appgen-eval/internal/buildtest"
	"github.com/stellarlinkco/appgen-eval/internal/llm"
	"github.com/stellarlinkco/appgen-eval/internal/rating"
)

// ProtocolVersion tags RunInfo for downstream report consumers.
const ProtocolVersion = "3"

// TokenUsage accumulates model token accounting.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other llm.Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// AttemptDetails records one generation or repair attempt inside a job. The
// slice is owned exclusively by the job that produced it.
type AttemptDetails struct {
	Kind  string     `json:"kind"` // "generation" or "repair"
	Step  int        `json:"step"`
	Usage TokenUsage `json:"usage"`
}

// AssessmentResult is the terminal, immutable record per prompt step. Only
// the prompt's name and literal text are retained so the record stays safely
// persistable.
type AssessmentResult struct {
	PromptName string                 `json:"prompt_name"`
	PromptText string                 `json:"prompt_text"`
	Step       int                    `json:"step"`
	Files      []llm.FileSpec         `json:"files"`
	Build      buildtest.CheckResult  `json:"build"`
	Test       *buildtest.CheckResult `json:"test,omitempty"`
	Audit      *buildtest.CheckResult `json:"audit,omitempty"`
	Repairs    buildtest.RepairCounts `json:"repairs"`
	Score      *rating.Score          `json:"score,omitempty"`
	Journeys   []rating.Journey       `json:"journeys,omitempty"`
	ToolLogs   []buildtest.CheckResult `json:"tool_logs,omitempty"`
	Attempts   []AttemptDetails       `json:"attempts,omitempty"`
	Usage      TokenUsage             `json:"usage"`
}

// FailedPrompt records one prompt whose job failed unrecoverably. Stack is
// populated only when the job died to a panic.
type FailedPrompt struct {
	PromptName string `json:"prompt_name"`
	Error      string `json:"error"`
	Timeout    bool   `json:"timeout,omitempty"`
	Stack      string `json:"stack,omitempty"`
}

// AnalysisPrompt is one operator-supplied analysis question asked of the
// finished run through the auxiliary backend.
type AnalysisPrompt struct {
	Name string `yaml:"name"`
	Text string `yaml:"text"`
}

// AnalysisSummary is the backend's answer to one analysis prompt.
type AnalysisSummary struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// RunInfo is the aggregate run report. The orchestrator is its only writer.
type RunInfo struct {
	ID              string             `json:"id"`
	GroupID         string             `json:"group_id"`
	ProtocolVersion string             `json:"protocol_version"`
	EnvironmentID   string             `json:"environment_id"`
	RatingHash      string             `json:"rating_hash"`
	ExecutorID      string             `json:"executor_id"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	Results         []AssessmentResult `json:"results"`
	FailedPrompts   []FailedPrompt     `json:"failed_prompts,omitempty"`
	TokenUsage      TokenUsage         `json:"token_usage"`
	Labels          []string           `json:"labels,omitempty"`
	Summary         string             `json:"summary,omitempty"`
	Analyses        []AnalysisSummary  `json:"analyses,omitempty"`
}

// Options are the run-wide knobs.
type Options struct {
	// Concurrency is the outer pool size; 0 means automatic
	// (floor(availableParallelism * 0.8)).
	Concurrency int
	// InnerConcurrency bounds heavy build/test operations; 0 with automatic
	// Concurrency means floor(outer * 0.5), 0 with explicit Concurrency
	// means unbounded.
	InnerConcurrency int

	Limit  int
	Filter string
	// Local restricts candidates to prompts with locally cached generation
	// output.
	Local bool

	PromptTimeout  time.Duration
	TimeoutRetries int

	BuildRepairs int
	AuditRepairs int
	TestRepairs  int

	RunAudit     bool
	RunTest      bool
	Screenshots  bool
	UserJourneys bool
	AISummary    bool
	// AnalysisPrompts each produce one extra summary through the auxiliary
	// backend.
	AnalysisPrompts []AnalysisPrompt

	MaxTokens int
	Labels    []string
}

const defaultPromptTimeout = 10 * time.Minute
