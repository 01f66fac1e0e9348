package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(apiKey string, baseURL string, model string) *OpenAIGenerator {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if v := strings.TrimSpace(baseURL); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}

	m := strings.TrimSpace(model)
	if m == "" {
		m = "gpt-4o"
	}

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  m,
	}
}

func (g *OpenAIGenerator) Name() string {
	return "openai"
}

func (g *OpenAIGenerator) SupportedModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1"}
}

func (g *OpenAIGenerator) Close() error {
	return nil
}

func (g *OpenAIGenerator) GenerateFiles(ctx context.Context, req *FilesRequest) (*FilesResult, error) {
	if req == nil {
		return nil, errors.New("llm: openai: nil request")
	}
	raw, usage, err := g.complete(ctx, req.System, buildFilesPrompt(req), req.MaxTokens, req.Temperature)
	if err != nil {
		return nil, err
	}

	files, err := ParseFileBlocks(raw)
	if err != nil {
		return nil, err
	}
	return &FilesResult{
		Files:     files,
		Reasoning: reasoningBefore(raw),
		Usage:     usage,
	}, nil
}

func (g *OpenAIGenerator) GenerateText(ctx context.Context, req *TextRequest) (*TextResult, error) {
	if req == nil {
		return nil, errors.New("llm: openai: nil request")
	}
	raw, usage, err := g.complete(ctx, req.System, req.Prompt, req.MaxTokens, req.Temperature)
	if err != nil {
		return nil, err
	}
	return &TextResult{Text: raw, Usage: usage}, nil
}

func (g *OpenAIGenerator) GenerateConstrained(ctx context.Context, req *ConstrainedRequest) (*ConstrainedResult, error) {
	if req == nil {
		return nil, errors.New("llm: openai: nil request")
	}
	prompt, err := buildConstrainedPrompt(req)
	if err != nil {
		return nil, err
	}
	raw, usage, err := g.complete(ctx, req.System, prompt, req.MaxTokens, 0)
	if err != nil {
		return nil, err
	}

	out, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	return &ConstrainedResult{Output: out, Usage: usage}, nil
}

func (g *OpenAIGenerator) complete(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, Usage, error) {
	if g == nil || g.client == nil {
		return "", Usage{}, errors.New("llm: openai: nil client")
	}
	if ctx == nil {
		return "", Usage{}, errors.New("llm: openai: nil context")
	}

	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if system = strings.TrimSpace(system); system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    msgs,
		MaxTokens:   maxTokensOrDefault(maxTokens),
		Temperature: float32(temperature),
	})
	if err != nil {
		return "", Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, errors.New("llm: openai: empty choices")
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}
