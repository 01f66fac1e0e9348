package llm

import (
	"strings"
	"sync"

	"github.com/stellarlinkco/appgen-eval/internal/errs"
)

// BackendConfig holds per-backend connection settings.
type BackendConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New constructs a generation backend by name. The set of backends is closed;
// an unknown name is a user-facing configuration error.
func New(name string, cfg BackendConfig) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claude", "anthropic":
		return NewClaudeGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	default:
		return nil, errs.Userf("llm: unknown backend %q", name)
	}
}

// Registry resolves backends lazily: a backend is constructed on first Get
// and cached, so configured-but-unused backends are never built.
type Registry struct {
	mu      sync.Mutex
	configs map[string]BackendConfig
	built   map[string]Generator

	// construct is swappable in tests.
	construct func(name string, cfg BackendConfig) (Generator, error)
}

func NewRegistry(configs map[string]BackendConfig) *Registry {
	normalized := make(map[string]BackendConfig, len(configs))
	for name, cfg := range configs {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		normalized[key] = cfg
	}
	return &Registry{
		configs:   normalized,
		built:     make(map[string]Generator),
		construct: New,
	}
}

// Get returns the backend for name, constructing it on first use.
func (r *Registry) Get(name string) (Generator, error) {
	if r == nil {
		return nil, errs.Userf("llm: no backends configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, errs.Userf("llm: empty backend name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.built[key]; ok {
		return g, nil
	}
	cfg, ok := r.configs[key]
	if !ok {
		return nil, errs.Userf("llm: backend %q not configured", name)
	}
	g, err := r.construct(key, cfg)
	if err != nil {
		return nil, err
	}
	r.built[key] = g
	return g, nil
}

// Close disposes every backend that was actually constructed.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for name, g := range r.built {
		if err := g.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.built, name)
	}
	return first
}
