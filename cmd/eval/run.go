package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/appgen-eval/internal/assess"
	"github.com/stellarlinkco/appgen-eval/internal/buildtest"
	"github.com/stellarlinkco/appgen-eval/internal/ci"
	"github.com/stellarlinkco/appgen-eval/internal/config"
	"github.com/stellarlinkco/appgen-eval/internal/executor"
	"github.com/stellarlinkco/appgen-eval/internal/llm"
	"github.com/stellarlinkco/appgen-eval/internal/parallel"
	"github.com/stellarlinkco/appgen-eval/internal/prompt"
	"github.com/stellarlinkco/appgen-eval/internal/store"
)

var errPromptsFailed = errors.New("appgen-eval: one or more prompts failed")

type runFlags struct {
	filter           string
	limit            int
	concurrency      int
	innerConcurrency int
	promptTimeout    time.Duration
	timeoutRetries   int
	buildRepairs     int
	auditRepairs     int
	testRepairs      int
	audit            bool
	test             bool
	screenshots      bool
	journeys         bool
	summary          bool
	local            bool
	labels           []string
	output           string
	keepWorkspaces   bool
	noSave           bool
	failOnFailures   bool
}

func newRunCmd(st *cliState) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the assessment over the prompt catalog",
		Args:    cobra.NoArgs,
		PreRunE: loadConfigPreRun(st),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssessment(cmd, st, &flags)
		},
	}

	cmd.Flags().StringVar(&flags.filter, "filter", "", "only run prompts whose name contains this substring")
	cmd.Flags().IntVar(&flags.limit, "limit", -1, "cap the number of prompts (overrides config)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", -1, "parallel prompt jobs, 0 for automatic (overrides config)")
	cmd.Flags().IntVar(&flags.innerConcurrency, "inner-concurrency", -1, "parallel build/test operations (overrides config)")
	cmd.Flags().DurationVar(&flags.promptTimeout, "timeout", 0, "per-prompt timeout (overrides config)")
	cmd.Flags().IntVar(&flags.timeoutRetries, "timeout-retries", -1, "full retries for timed-out prompts (overrides config)")
	cmd.Flags().IntVar(&flags.buildRepairs, "build-repairs", -1, "build repair attempts per step (overrides config)")
	cmd.Flags().IntVar(&flags.auditRepairs, "audit-repairs", -1, "audit repair attempts per step (overrides config)")
	cmd.Flags().IntVar(&flags.testRepairs, "test-repairs", -1, "test repair attempts per step (overrides config)")
	cmd.Flags().BoolVar(&flags.audit, "audit", false, "run the audit stage")
	cmd.Flags().BoolVar(&flags.test, "test", false, "run the test stage")
	cmd.Flags().BoolVar(&flags.screenshots, "screenshots", false, "capture screenshots of built apps")
	cmd.Flags().BoolVar(&flags.journeys, "journeys", false, "generate user journeys per prompt")
	cmd.Flags().BoolVar(&flags.summary, "summary", false, "generate an AI run summary")
	cmd.Flags().BoolVar(&flags.local, "local", false, "only run prompts with cached results")
	cmd.Flags().StringArrayVar(&flags.labels, "label", nil, "label to attach to the run (repeatable)")
	cmd.Flags().StringVar(&flags.output, "output", "table", "output format: table|json")
	cmd.Flags().BoolVar(&flags.keepWorkspaces, "keep-workspaces", false, "keep eval workspaces after the run")
	cmd.Flags().BoolVar(&flags.noSave, "no-save", false, "skip persisting the run")
	cmd.Flags().BoolVar(&flags.failOnFailures, "fail-on-failures", false, "exit nonzero when any prompt fails")

	return cmd
}

// mergeRunOptions layers explicitly-set flags over the config file's run
// section.
func mergeRunOptions(cfg *config.Config, cmd *cobra.Command, flags *runFlags) assess.Options {
	opts := cfg.Run.Options()

	set := cmd.Flags().Changed
	if set("filter") {
		opts.Filter = flags.filter
	}
	if flags.limit >= 0 {
		opts.Limit = flags.limit
	}
	if flags.concurrency >= 0 {
		opts.Concurrency = flags.concurrency
	}
	if flags.innerConcurrency >= 0 {
		opts.InnerConcurrency = flags.innerConcurrency
	}
	if flags.promptTimeout > 0 {
		opts.PromptTimeout = flags.promptTimeout
	}
	if flags.timeoutRetries >= 0 {
		opts.TimeoutRetries = flags.timeoutRetries
	}
	if flags.buildRepairs >= 0 {
		opts.BuildRepairs = flags.buildRepairs
	}
	if flags.auditRepairs >= 0 {
		opts.AuditRepairs = flags.auditRepairs
	}
	if flags.testRepairs >= 0 {
		opts.TestRepairs = flags.testRepairs
	}
	if set("audit") {
		opts.RunAudit = flags.audit
	}
	if set("test") {
		opts.RunTest = flags.test
	}
	if set("screenshots") {
		opts.Screenshots = flags.screenshots
	}
	if set("journeys") {
		opts.UserJourneys = flags.journeys
	}
	if set("summary") {
		opts.AISummary = flags.summary
	}
	if set("local") {
		opts.Local = flags.local
	}
	opts.Labels = append(opts.Labels, flags.labels...)
	return opts
}

func backendConfigs(cfg *config.Config) map[string]llm.BackendConfig {
	out := make(map[string]llm.BackendConfig, len(cfg.LLM.Backends))
	for name, b := range cfg.LLM.Backends {
		out[name] = llm.BackendConfig{
			APIKey:  b.APIKey,
			BaseURL: b.BaseURL,
			Model:   b.Model,
		}
	}
	return out
}

func runAssessment(cmd *cobra.Command, st *cliState, flags *runFlags) error {
	if st == nil || st.cfg == nil {
		return fmt.Errorf("run: missing config (internal error)")
	}
	cfg := st.cfg

	if flags.output != "table" && flags.output != "json" {
		return fmt.Errorf("run: unknown output format %q", flags.output)
	}

	env, err := cfg.Env()
	if err != nil {
		return err
	}

	resolver := &prompt.Resolver{StrictSteps: cfg.Workspace.StrictSteps}
	prompts, err := resolver.Resolve(cfg.Prompts)
	if err != nil {
		return err
	}

	registry := llm.NewRegistry(backendConfigs(cfg))
	defer func() { _ = registry.Close() }()

	generator, err := registry.Get(cfg.LLM.DefaultBackend)
	if err != nil {
		return err
	}

	local := executor.NewLocal(cfg.Workspace.BaseDir)
	local.KeepWorkspaces = flags.keepWorkspaces || cfg.Workspace.KeepWorkspaces

	var logger *log.Logger
	if st.debug {
		logger = log.New(cmd.ErrOrStderr(), "appgen-eval ", log.LstdFlags)
	}

	opts := mergeRunOptions(cfg, cmd, flags)

	stor, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = stor.Close() }()

	orch := &assess.Orchestrator{
		Env:          env,
		Prompts:      prompts,
		Executor:     local,
		Workspace:    local,
		Generator:    generator,
		Runner:       &buildtest.ExecRunner{},
		Commands:     cfg.Checks.Commands,
		CheckTimeout: time.Duration(cfg.Checks.Timeout),
		AuxGenerator: func() (llm.Generator, error) {
			return registry.Get(cfg.LLM.AuxBackend)
		},
		CachedPrompts: stor.CachedPromptNames,
		System:        cfg.System,
		Logger:        logger,
		Memo:          parallel.NewMemo(),
	}
	if endpoint := cfg.RAG.Endpoint; endpoint != "" {
		orch.Augmenter = &prompt.RAGFetcher{Endpoint: endpoint}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	info, err := orch.Run(ctx, opts)
	if err != nil {
		return err
	}

	if !flags.noSave {
		if err := stor.SaveRun(context.Background(), info); err != nil {
			return fmt.Errorf("run: save run: %w", err)
		}
	}

	switch flags.output {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(info); err != nil {
			return fmt.Errorf("run: encode run info: %w", err)
		}
	default:
		printRunTable(cmd, info)
	}

	if err := ci.PublishRun(info); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "ci summary: %v\n", err)
	}

	if flags.failOnFailures && len(info.FailedPrompts) > 0 {
		return errPromptsFailed
	}
	return nil
}

func printRunTable(cmd *cobra.Command, info *assess.RunInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (environment %s, group %s)\n\n", info.ID, info.EnvironmentID, info.GroupID)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROMPT\tSTEP\tSCORE\tBUILD\tREPAIRS")
	for _, r := range info.Results {
		points, max := 0, 0
		if r.Score != nil {
			points, max = r.Score.Points, r.Score.MaxPoints
		}
		build := "fail"
		if r.Build.Passed {
			build = "pass"
		}
		repairs := r.Repairs.Build + r.Repairs.Audit + r.Repairs.Test
		fmt.Fprintf(tw, "%s\t%d\t%d/%d\t%s\t%d\n", r.PromptName, r.Step, points, max, build, repairs)
	}
	_ = tw.Flush()

	for _, f := range info.FailedPrompts {
		kind := "failed"
		if f.Timeout {
			kind = "timed out"
		}
		fmt.Fprintf(out, "FAILED %s: %s (%s)\n", f.PromptName, f.Error, kind)
	}

	fmt.Fprintf(out, "\nSummary: results=%d failed=%d input_tokens=%d output_tokens=%d duration=%s\n",
		len(info.Results), len(info.FailedPrompts),
		info.TokenUsage.InputTokens, info.TokenUsage.OutputTokens,
		info.FinishedAt.Sub(info.StartedAt).Round(time.Second))
	if info.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", info.Summary)
	}
	for _, a := range info.Analyses {
		fmt.Fprintf(out, "\n[%s]\n%s\n", a.Name, a.Text)
	}
}
