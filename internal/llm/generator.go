package llm

import (
	"context"
	"encoding/json"
)

// Generator is the capability interface every generation backend implements.
// Backends are resolved lazily by name so unused ones are never constructed.
type Generator interface {
	Name() string
	GenerateFiles(ctx context.Context, req *FilesRequest) (*FilesResult, error)
	GenerateText(ctx context.Context, req *TextRequest) (*TextResult, error)
	GenerateConstrained(ctx context.Context, req *ConstrainedRequest) (*ConstrainedResult, error)
	SupportedModels() []string
	Close() error
}

// FileSpec is one generated or context file.
type FileSpec struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type FilesRequest struct {
	System       string
	Prompt       string
	ContextFiles []FileSpec
	MaxTokens    int
	Temperature  float64
}

type FilesResult struct {
	Files     []FileSpec
	Reasoning string
	Usage     Usage
}

type TextRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type TextResult struct {
	Text  string
	Usage Usage
}

// ConstrainedRequest asks for output conforming to a JSON schema.
type ConstrainedRequest struct {
	System    string
	Prompt    string
	Schema    map[string]any
	MaxTokens int
}

type ConstrainedResult struct {
	Output json.RawMessage
	Usage  Usage
}
