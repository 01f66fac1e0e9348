// Package store persists completed assessment runs and their per-prompt
// results for later inspection and comparison.
package store

import (
	"context"
	"time"

	"github.com/stellarlinkco/appgen-eval/internal/assess"
)

// RunWriter defines persistence for completed runs.
type RunWriter interface {
	SaveRun(ctx context.Context, info *assess.RunInfo) error
}

// RunReader defines read access to run and result data.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	GetResults(ctx context.Context, runID string) ([]*ResultRecord, error)
}

// Analytics defines query helpers for historical comparisons.
type Analytics interface {
	GetPromptHistory(ctx context.Context, promptName string, limit int) ([]*PromptScore, error)
	CachedPromptNames(ctx context.Context) (map[string]struct{}, error)
}

// Store defines persistence for runs and results.
type Store interface {
	RunWriter
	RunReader
	Analytics
	Close() error
}

// RunRecord is a stored run summary.
type RunRecord struct {
	ID              string                   `json:"id"`
	GroupID         string                   `json:"group_id"`
	ProtocolVersion string                   `json:"protocol_version"`
	EnvironmentID   string                   `json:"environment_id"`
	RatingHash      string                   `json:"rating_hash"`
	ExecutorID      string                   `json:"executor_id"`
	StartedAt       time.Time                `json:"started_at"`
	FinishedAt      time.Time                `json:"finished_at"`
	InputTokens     int                      `json:"input_tokens"`
	OutputTokens    int                      `json:"output_tokens"`
	ResultCount     int                      `json:"result_count"`
	Labels          []string                 `json:"labels,omitempty"`
	Summary         string                   `json:"summary,omitempty"`
	FailedPrompts   []assess.FailedPrompt    `json:"failed_prompts,omitempty"`
	Analyses        []assess.AnalysisSummary `json:"analyses,omitempty"`
}

// ResultRecord is one stored per-prompt assessment result. The scoring
// columns are duplicated out of the JSON payload for querying.
type ResultRecord struct {
	RunID       string                  `json:"run_id"`
	PromptName  string                  `json:"prompt_name"`
	Step        int                     `json:"step"`
	Points      int                     `json:"points"`
	MaxPoints   int                     `json:"max_points"`
	BuildPassed bool                    `json:"build_passed"`
	CreatedAt   time.Time               `json:"created_at"`
	Result      assess.AssessmentResult `json:"result"`
}

// PromptScore is one historical scoring data point for a prompt.
type PromptScore struct {
	RunID      string    `json:"run_id"`
	PromptName string    `json:"prompt_name"`
	Step       int       `json:"step"`
	Points     int       `json:"points"`
	MaxPoints  int       `json:"max_points"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunFilter filters run listings.
type RunFilter struct {
	EnvironmentID string
	GroupID       string
	Since         time.Time
	Until         time.Time
	Limit         int
}
