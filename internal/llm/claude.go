package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/claude"
)

type ClaudeGenerator struct {
	client *claude.Client
}

func NewClaudeGenerator(apiKey string, baseURL string, model string) *ClaudeGenerator {
	opts := make([]claude.Option, 0, 2)
	if v := strings.TrimSpace(baseURL); v != "" {
		opts = append(opts, claude.WithBaseURL(v))
	}
	if v := strings.TrimSpace(model); v != "" {
		opts = append(opts, claude.WithModel(v))
	}
	return &ClaudeGenerator{
		client: claude.NewClient(strings.TrimSpace(apiKey), opts...),
	}
}

func (g *ClaudeGenerator) Name() string {
	return "claude"
}

func (g *ClaudeGenerator) SupportedModels() []string {
	return []string{
		"claude-sonnet-4-5-20250929",
		"claude-opus-4-1-20250805",
		"claude-haiku-4-5-20251001",
	}
}

func (g *ClaudeGenerator) Close() error {
	return nil
}

func (g *ClaudeGenerator) GenerateFiles(ctx context.Context, req *FilesRequest) (*FilesResult, error) {
	if g == nil || g.client == nil {
		return nil, errors.New("llm: claude: nil client")
	}
	if req == nil {
		return nil, errors.New("llm: claude: nil request")
	}

	resp, err := g.client.Complete(ctx, &claude.Request{
		System:      req.System,
		Messages:    []claude.Message{{Role: "user", Content: buildFilesPrompt(req)}},
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}

	raw := claude.Text(resp)
	files, err := ParseFileBlocks(raw)
	if err != nil {
		return nil, err
	}
	return &FilesResult{
		Files:     files,
		Reasoning: reasoningBefore(raw),
		Usage:     usageFromClaude(resp),
	}, nil
}

func (g *ClaudeGenerator) GenerateText(ctx context.Context, req *TextRequest) (*TextResult, error) {
	if g == nil || g.client == nil {
		return nil, errors.New("llm: claude: nil client")
	}
	if req == nil {
		return nil, errors.New("llm: claude: nil request")
	}

	resp, err := g.client.Complete(ctx, &claude.Request{
		System:      req.System,
		Messages:    []claude.Message{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return &TextResult{
		Text:  claude.Text(resp),
		Usage: usageFromClaude(resp),
	}, nil
}

func (g *ClaudeGenerator) GenerateConstrained(ctx context.Context, req *ConstrainedRequest) (*ConstrainedResult, error) {
	if g == nil || g.client == nil {
		return nil, errors.New("llm: claude: nil client")
	}
	if req == nil {
		return nil, errors.New("llm: claude: nil request")
	}

	prompt, err := buildConstrainedPrompt(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Complete(ctx, &claude.Request{
		System:    req.System,
		Messages:  []claude.Message{{Role: "user", Content: prompt}},
		MaxTokens: maxTokensOrDefault(req.MaxTokens),
	})
	if err != nil {
		return nil, err
	}

	out, err := ExtractJSON(claude.Text(resp))
	if err != nil {
		return nil, err
	}
	return &ConstrainedResult{
		Output: out,
		Usage:  usageFromClaude(resp),
	}, nil
}

func usageFromClaude(resp *claude.Response) Usage {
	if resp == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

// reasoningBefore returns free text the model emitted before the first file
// block, which backends treat as the generation rationale.
func reasoningBefore(raw string) string {
	for i, line := range strings.Split(raw, "\n") {
		if _, ok := blockMarker(line); ok {
			return strings.TrimSpace(strings.Join(strings.Split(raw, "\n")[:i], "\n"))
		}
	}
	return ""
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 16384
	}
	return n
}
