// Package executor provides the execution collaborator that brackets one
// evaluation job's lifecycle and owns its on-disk workspace.
package executor

import (
	"context"

	"github.com/stellarlinkco/appgen-eval/internal/llm"
)

// EvalID is an opaque per-job handle. Its lifetime brackets exactly one
// job's execution, including all repair attempts.
type EvalID string

// Info identifies an executor implementation.
type Info struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Executor manages evaluation lifecycles.
type Executor interface {
	// InitializeEval allocates a handle and workspace for one prompt's job.
	InitializeEval(ctx context.Context, promptName string) (EvalID, error)
	// FinalizeEval releases the handle. It must tolerate being called after
	// a failed or partially-run job, and for an already-finalized id.
	FinalizeEval(ctx context.Context, id EvalID) error
	Info() Info
}

// Workspace exposes the file operations a job performs against its
// evaluation's project tree.
type Workspace interface {
	// Root returns the project root directory for the evaluation.
	Root(id EvalID) (string, error)
	// WriteFiles materializes generated files under the project root. When
	// snapshot is true the files are additionally copied into a
	// step-specific subdirectory for later inspection.
	WriteFiles(id EvalID, step int, files []llm.FileSpec, snapshot bool) error
	// ResolveContext returns current workspace files matching the given
	// patterns. Patterns support "**" for any number of path segments.
	ResolveContext(id EvalID, patterns []string) ([]llm.FileSpec, error)
}

// SystemPromptPostProcessor is an optional capability: executors that need
// to rewrite the system prompt for their environment implement it.
type SystemPromptPostProcessor interface {
	PostProcessSystemPrompt(text string, rootPath string) (string, error)
}

// VisualRatingRequest asks an executor to judge the built app's appearance
// against one rating rule. The executor owns its own capture channel; it
// locates the evaluation's artifacts through the id.
type VisualRatingRequest struct {
	PromptText  string
	RatingID    string
	Description string
}

// VisualRating is the executor's verdict for one visual rating rule.
type VisualRating struct {
	RatingID string
	Violated bool
	Notes    string
	Usage    llm.Usage
}

// VisualRater is an optional capability: executors with a vision channel
// rate the running app's visuals directly.
type VisualRater interface {
	AutoRateVisuals(ctx context.Context, id EvalID, req VisualRatingRequest) (*VisualRating, error)
}

// MCPHost is an optional capability: executors that proxy generation tool
// traffic through an MCP server expose its lifecycle here. Log collection
// is diagnostic and must tolerate a server that never started.
type MCPHost interface {
	StartMCPServerHost(ctx context.Context, id EvalID) error
	CollectMCPServerLogs(id EvalID) (string, error)
}
