// Package config loads the YAML run configuration and applies environment
// variable overrides for credentials.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/appgen-eval/internal/assess"
	"github.com/stellarlinkco/appgen-eval/internal/buildtest"
	"github.com/stellarlinkco/appgen-eval/internal/environment"
	"github.com/stellarlinkco/appgen-eval/internal/errs"
	"github.com/stellarlinkco/appgen-eval/internal/prompt"
)

const DefaultPath = "configs/config.yaml"

// Duration decodes yaml scalars like "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return errs.Userf("config: invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	LLM LLMConfig `yaml:"llm"`
	// Environment holds the inline definition; EnvironmentFile, when set,
	// points at a standalone YAML definition and wins over the inline one.
	Environment     environment.Definition `yaml:"environment"`
	EnvironmentFile string                 `yaml:"environment_file,omitempty"`
	Prompts         []prompt.Source        `yaml:"prompts"`
	Run             RunConfig              `yaml:"run"`
	Checks          ChecksConfig           `yaml:"checks"`
	System          assess.SystemPrompts   `yaml:"system_prompts"`
	RAG             RAGConfig              `yaml:"rag"`
	Storage         StorageConfig          `yaml:"storage"`
	Workspace       WorkspaceConfig        `yaml:"workspace"`
	Server          ServerConfig           `yaml:"server"`
}

type LLMConfig struct {
	// DefaultBackend drives code generation; AuxBackend, when set, serves
	// auxiliary model work (auto-rating, journeys, summaries).
	DefaultBackend string                   `yaml:"default_backend,omitempty"`
	AuxBackend     string                   `yaml:"aux_backend,omitempty"`
	Backends       map[string]BackendConfig `yaml:"backends,omitempty"`
}

type BackendConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

type RunConfig struct {
	Concurrency      int      `yaml:"concurrency,omitempty"`
	InnerConcurrency int      `yaml:"inner_concurrency,omitempty"`
	Limit            int      `yaml:"limit,omitempty"`
	Filter           string   `yaml:"filter,omitempty"`
	Local            bool     `yaml:"local,omitempty"`
	PromptTimeout    Duration `yaml:"prompt_timeout,omitempty"`
	TimeoutRetries   int      `yaml:"timeout_retries,omitempty"`
	BuildRepairs     int      `yaml:"build_repairs,omitempty"`
	AuditRepairs     int      `yaml:"audit_repairs,omitempty"`
	TestRepairs      int      `yaml:"test_repairs,omitempty"`
	RunAudit         bool     `yaml:"run_audit,omitempty"`
	RunTest          bool     `yaml:"run_test,omitempty"`
	Screenshots      bool     `yaml:"screenshots,omitempty"`
	UserJourneys     bool     `yaml:"user_journeys,omitempty"`
	AISummary        bool     `yaml:"ai_summary,omitempty"`
	MaxTokens        int      `yaml:"max_tokens,omitempty"`
	Labels           []string `yaml:"labels,omitempty"`

	AnalysisPrompts []assess.AnalysisPrompt `yaml:"analysis_prompts,omitempty"`
}

// Options converts the file-level run settings into assess run options.
func (r RunConfig) Options() assess.Options {
	return assess.Options{
		Concurrency:      r.Concurrency,
		InnerConcurrency: r.InnerConcurrency,
		Limit:            r.Limit,
		Filter:           r.Filter,
		Local:            r.Local,
		PromptTimeout:    time.Duration(r.PromptTimeout),
		TimeoutRetries:   r.TimeoutRetries,
		BuildRepairs:     r.BuildRepairs,
		AuditRepairs:     r.AuditRepairs,
		TestRepairs:      r.TestRepairs,
		RunAudit:         r.RunAudit,
		RunTest:          r.RunTest,
		Screenshots:      r.Screenshots,
		UserJourneys:     r.UserJourneys,
		AISummary:        r.AISummary,
		MaxTokens:        r.MaxTokens,
		Labels:           append([]string(nil), r.Labels...),
		AnalysisPrompts:  append([]assess.AnalysisPrompt(nil), r.AnalysisPrompts...),
	}
}

type ChecksConfig struct {
	Commands buildtest.Commands `yaml:"commands"`
	Timeout  Duration           `yaml:"timeout,omitempty"`
}

type RAGConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

type StorageConfig struct {
	Path string `yaml:"path,omitempty"`
}

type WorkspaceConfig struct {
	BaseDir        string `yaml:"base_dir,omitempty"`
	KeepWorkspaces bool   `yaml:"keep_workspaces,omitempty"`
	StrictSteps    bool   `yaml:"strict_steps,omitempty"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// Env resolves the run's environment, preferring the standalone file over the
// inline definition.
func (c *Config) Env() (*environment.Environment, error) {
	if path := strings.TrimSpace(c.EnvironmentFile); path != "" {
		return environment.LoadFromFile(path)
	}
	return environment.New(c.Environment)
}

// Load reads and validates the configuration at path, falling back to
// DefaultPath when empty. Credentials from the environment override the file:
// ANTHROPIC_API_KEY (then ANTHROPIC_AUTH_TOKEN) for the claude backend,
// OPENAI_API_KEY for the openai backend.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Userf("config: %s not found", path)
		}
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLM.Backends == nil {
		c.LLM.Backends = make(map[string]BackendConfig)
	}
	if strings.TrimSpace(c.LLM.DefaultBackend) == "" {
		c.LLM.DefaultBackend = "claude"
	}
	if strings.TrimSpace(c.LLM.AuxBackend) == "" {
		c.LLM.AuxBackend = c.LLM.DefaultBackend
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8080"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		b := c.LLM.Backends["claude"]
		b.APIKey = v
		c.LLM.Backends["claude"] = b
	} else if v := strings.TrimSpace(os.Getenv("ANTHROPIC_AUTH_TOKEN")); v != "" {
		b := c.LLM.Backends["claude"]
		b.APIKey = v
		c.LLM.Backends["claude"] = b
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")); v != "" {
		b := c.LLM.Backends["claude"]
		b.BaseURL = v
		c.LLM.Backends["claude"] = b
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		b := c.LLM.Backends["openai"]
		b.APIKey = v
		c.LLM.Backends["openai"] = b
	}
	if v := strings.TrimSpace(os.Getenv("APPGEN_EVAL_CORS_ORIGINS")); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.Server.CORSOrigins = origins
	}
}

func (c *Config) validate() error {
	if _, ok := c.LLM.Backends[c.LLM.DefaultBackend]; !ok {
		return errs.Userf("config: default backend %q has no configuration and no credentials in the environment", c.LLM.DefaultBackend)
	}
	if _, ok := c.LLM.Backends[c.LLM.AuxBackend]; !ok {
		return errs.Userf("config: aux backend %q has no configuration", c.LLM.AuxBackend)
	}
	if len(c.Prompts) == 0 {
		return errs.Userf("config: no prompt sources configured")
	}
	if strings.TrimSpace(c.Checks.Commands.Build) == "" {
		return errs.Userf("config: checks.commands.build is required")
	}
	return nil
}
