package prompt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/stellarlinkco/appgen-eval/internal/errs"
)

// TextAugmenter enriches a single prompt's text before generation, e.g. with
// retrieved reference material.
type TextAugmenter interface {
	AugmentText(ctx context.Context, text string) (string, error)
}

// RAGFetcher augments prompt text with content retrieved from an external
// endpoint. A missing or unreachable endpoint fails fast with a descriptive
// error instead of silently generating without context.
type RAGFetcher struct {
	Endpoint string
	Client   *http.Client
}

// AugmentText implements TextAugmenter.
func (f *RAGFetcher) AugmentText(ctx context.Context, text string) (string, error) {
	if f == nil {
		return "", fmt.Errorf("prompt: nil rag fetcher")
	}
	endpoint := strings.TrimSpace(f.Endpoint)
	if endpoint == "" {
		return "", errs.Userf("prompt: rag endpoint not configured")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return "", errs.Userf("prompt: invalid rag endpoint %q: %v", endpoint, err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("prompt: build rag request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return "", errs.Userf("prompt: rag endpoint %q unreachable: %v", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errs.Userf("prompt: rag endpoint %q returned %s", endpoint, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("prompt: read rag response: %w", err)
	}
	if len(body) == 0 {
		return text, nil
	}
	return text + "\n\n## Reference material\n\n" + string(body), nil
}
