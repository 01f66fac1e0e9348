package assess

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log"
	mrand "math/rand"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/appgen-eval/internal/buildtest"
	"github.com/stellarlinkco/appgen-eval/internal/environment"
	"github.com/stellarlinkco/appgen-eval/internal/errs"
	"github.com/stellarlinkco/appgen-eval/internal/executor"
	"github.com/stellarlinkco/appgen-eval/internal/llm"
	"github.com/stellarlinkco/appgen-eval/internal/parallel"
	"github.com/stellarlinkco/appgen-eval/internal/prompt"
	"github.com/stellarlinkco/appgen-eval/internal/rating"
)

// Orchestrator is the top-level run driver. It owns the aggregate RunInfo
// and is its only writer; per-job state belongs to the jobs.
type Orchestrator struct {
	Env     *environment.Environment
	Prompts []*prompt.Definition

	Executor  executor.Executor
	Workspace executor.Workspace
	Generator llm.Generator

	// NewChecker builds the heavy-operation checker bound to the run's
	// inner pool. Left nil, a CommandChecker over Runner/Commands is used.
	NewChecker   func(inner *parallel.Pool) buildtest.Checker
	Runner       buildtest.CommandRunner
	Commands     buildtest.Commands
	CheckTimeout time.Duration

	// AuxGenerator lazily builds the backend for model-backed auxiliary
	// runners (auto-rater, journey generator, AI summary). It is only
	// invoked when the run actually needs one.
	AuxGenerator func() (llm.Generator, error)

	// CachedPrompts reports which prompts have locally cached generation
	// output, for local mode. Resolved at most once per process.
	CachedPrompts func(ctx context.Context) (map[string]struct{}, error)

	Augmenter prompt.TextAugmenter
	System    SystemPrompts

	// Abort is an optional run-level abort signal, merged with the caller's
	// context so either source stops the run.
	Abort context.Context

	Logger *log.Logger
	Memo   *parallel.Memo
	// Rand drives candidate shuffling; nil uses a time-seeded source.
	Rand *mrand.Rand

	localSet map[string]struct{}
}

// Run evaluates the selected prompts and returns the aggregated RunInfo.
// It fails only when configuration resolution fails or the run is aborted
// before any job completes; per-prompt failures are recorded, not raised.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunInfo, error) {
	if o == nil || o.Env == nil {
		return nil, errs.Userf("assess: no environment configured")
	}
	if o.Executor == nil || o.Workspace == nil || o.Generator == nil {
		return nil, fmt.Errorf("assess: orchestrator missing collaborators")
	}
	started := time.Now().UTC()

	candidates, err := o.selectCandidates(ctx, opts)
	if err != nil {
		return nil, err
	}

	rater, journeyGen, auxGen, err := o.buildAuxRunners(opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if auxGen != nil {
			if cerr := auxGen.Close(); cerr != nil {
				o.logf("aux backend close failed: %v", cerr)
			}
		}
	}()

	outer := parallel.OuterPoolSize(opts.Concurrency)
	automatic := opts.Concurrency <= 0
	inner := parallel.InnerPoolSize(opts.InnerConcurrency, outer, automatic)
	outerPool := parallel.NewPool(outer)
	innerPool := parallel.NewPool(inner)
	checker := o.checker(innerPool)
	o.logf("starting run: %d prompts, outer pool %d, inner pool %d", len(candidates), outer, inner)

	timeout := opts.PromptTimeout
	if timeout <= 0 {
		timeout = defaultPromptTimeout
	}

	base := ctx
	if o.Abort != nil {
		merged, stop := parallel.Combine(ctx, o.Abort)
		defer stop()
		base = merged
	}

	// jobsCtx is the internal all-tasks signal: cancelling it stops
	// in-flight jobs without touching the caller's context.
	jobsCtx, cancelAll := context.WithCancel(base)
	defer cancelAll()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		resultsBy = make([][]AssessmentResult, len(candidates))
		failedBy  = make([]*FailedPrompt, len(candidates))
		completed int
	)

	for i, p := range candidates {
		wg.Add(1)
		go func(idx int, def *prompt.Definition) {
			defer wg.Done()

			if err := outerPool.Acquire(jobsCtx); err != nil {
				mu.Lock()
				failedBy[idx] = &FailedPrompt{PromptName: def.Name, Error: err.Error()}
				mu.Unlock()
				return
			}
			defer outerPool.Release()

			results, stack, err := o.runWithRetries(jobsCtx, def, opts, timeout, checker, rater, journeyGen)
			mu.Lock()
			if err != nil {
				failedBy[idx] = &FailedPrompt{
					PromptName: def.Name,
					Error:      err.Error(),
					Timeout:    parallel.IsTimeout(err),
					Stack:      stack,
				}
			} else {
				resultsBy[idx] = results
				completed++
			}
			mu.Unlock()
		}(i, p)
	}
	wg.Wait()

	if err := base.Err(); err != nil && completed == 0 {
		return nil, err
	}

	info := o.assemble(opts, candidates, resultsBy, failedBy, started)
	o.summarize(ctx, opts, auxGen, info)
	return info, nil
}

// runWithRetries runs one prompt's job, re-running the whole job from
// scratch on timeout up to the configured retry count. Non-timeout failures
// are never retried.
func (o *Orchestrator) runWithRetries(
	ctx context.Context,
	def *prompt.Definition,
	opts Options,
	timeout time.Duration,
	checker buildtest.Checker,
	rater rating.Rater,
	journeyGen *rating.JourneyGenerator,
) ([]AssessmentResult, string, error) {
	var lastErr error
	var lastStack string
	for attempt := 0; attempt <= opts.TimeoutRetries; attempt++ {
		if attempt > 0 {
			o.logf("prompt %s timed out, retry %d/%d", def.Name, attempt, opts.TimeoutRetries)
		}
		results, stack, err := o.runJobOnce(ctx, def, opts, timeout, checker, rater, journeyGen)
		if err == nil {
			return results, "", nil
		}
		lastErr = err
		lastStack = stack
		if !parallel.IsTimeout(err) {
			break
		}
	}
	return nil, lastStack, lastErr
}

func (o *Orchestrator) runJobOnce(
	ctx context.Context,
	def *prompt.Definition,
	opts Options,
	timeout time.Duration,
	checker buildtest.Checker,
	rater rating.Rater,
	journeyGen *rating.JourneyGenerator,
) (results []AssessmentResult, stack string, err error) {
	// A panicking job must not take down its sibling jobs. The recover is
	// registered before the cleanup defer so finalization still runs while
	// the stack unwinds.
	defer func() {
		if r := recover(); r != nil {
			results = nil
			stack = string(debug.Stack())
			err = fmt.Errorf("assess: prompt %q panicked: %v", def.Name, r)
		}
	}()

	id, err := o.Executor.InitializeEval(ctx, def.Name)
	if err != nil {
		return nil, "", fmt.Errorf("assess: initialize eval for %q: %w", def.Name, err)
	}
	// Finalization runs unconditionally, on a fresh context so a cancelled
	// run never skips cleanup; its failures are logged, never raised.
	defer func() {
		if ferr := o.Executor.FinalizeEval(context.Background(), id); ferr != nil {
			o.logf("finalize eval %s failed: %v", id, ferr)
		}
	}()

	err = parallel.WithTimeout(ctx, "prompt "+def.Name, timeout, func(tctx context.Context) error {
		job := &Job{
			Env:       o.Env,
			Prompt:    def,
			EvalID:    id,
			Executor:  o.Executor,
			Workspace: o.Workspace,
			Generator: o.Generator,
			Checker:   checker,
			Ceilings: buildtest.Ceilings{
				Build: opts.BuildRepairs,
				Audit: opts.AuditRepairs,
				Test:  opts.TestRepairs,
			},
			Rater:     rater,
			Journeys:  journeyGen,
			Augmenter: o.Augmenter,
			System:    o.System,
			Opts:      opts,
			Logger:    o.Logger,
		}
		r, jerr := job.Run(tctx)
		if jerr != nil {
			return jerr
		}
		results = r
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return results, "", nil
}

// selectCandidates applies local-mode filtering, name filtering or shuffling,
// and the limit, in that order.
func (o *Orchestrator) selectCandidates(ctx context.Context, opts Options) ([]*prompt.Definition, error) {
	if len(o.Prompts) == 0 {
		return nil, errs.Userf("assess: no prompts configured")
	}

	candidates := append([]*prompt.Definition(nil), o.Prompts...)

	if opts.Local {
		cached, err := o.localCache(ctx)
		if err != nil {
			return nil, err
		}
		kept := candidates[:0]
		for _, p := range candidates {
			if _, ok := cached[p.Name]; ok {
				kept = append(kept, p)
			}
		}
		candidates = kept
	}

	if filter := strings.TrimSpace(opts.Filter); filter != "" {
		// Filtered runs keep catalog order.
		kept := candidates[:0]
		for _, p := range candidates {
			if strings.Contains(p.Name, filter) {
				kept = append(kept, p)
			}
		}
		candidates = kept
	} else {
		// Unfiltered runs shuffle to avoid ordering bias from earlier
		// partial runs.
		rng := o.Rand
		if rng == nil {
			rng = mrand.New(mrand.NewSource(time.Now().UnixNano()))
		}
		rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	}

	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	if len(candidates) == 0 {
		return nil, errs.Userf("assess: no prompts match the run configuration")
	}
	return candidates, nil
}

func (o *Orchestrator) localCache(ctx context.Context) (map[string]struct{}, error) {
	if o.CachedPrompts == nil {
		return nil, errs.Userf("assess: local mode requires a generation cache")
	}

	fetch := func() error {
		set, err := o.CachedPrompts(ctx)
		if err != nil {
			return err
		}
		o.localSet = set
		return nil
	}
	if o.Memo != nil {
		// Concurrent callers share one cache resolution.
		if err := o.Memo.GetOrCreate("local-report-cache", fetch); err != nil {
			return nil, err
		}
		return o.localSet, nil
	}
	if err := fetch(); err != nil {
		return nil, err
	}
	return o.localSet, nil
}

// buildAuxRunners constructs model-backed auxiliary runners only when some
// configured feature needs them.
func (o *Orchestrator) buildAuxRunners(opts Options) (rating.Rater, *rating.JourneyGenerator, llm.Generator, error) {
	engine := &rating.Engine{}

	needAux := o.Env.HasModelRatings() || opts.UserJourneys || opts.AISummary || len(opts.AnalysisPrompts) > 0
	if !needAux {
		return engine, nil, nil, nil
	}
	if o.AuxGenerator == nil {
		return nil, nil, nil, errs.Userf("assess: run needs a model-backed rater but no auxiliary backend is configured")
	}

	aux, err := o.AuxGenerator()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("assess: construct auxiliary backend: %w", err)
	}

	if o.Env.HasModelRatings() {
		engine.Auto = &rating.AutoRater{Generator: aux, MaxTokens: opts.MaxTokens}
	}
	var journeyGen *rating.JourneyGenerator
	if opts.UserJourneys {
		journeyGen = &rating.JourneyGenerator{Generator: aux, MaxTokens: opts.MaxTokens}
	}
	return engine, journeyGen, aux, nil
}

func (o *Orchestrator) checker(inner *parallel.Pool) buildtest.Checker {
	if o.NewChecker != nil {
		return o.NewChecker(inner)
	}
	runner := o.Runner
	if runner == nil {
		runner = &buildtest.ExecRunner{}
	}
	return &buildtest.CommandChecker{
		Runner:   runner,
		Commands: o.Commands,
		Pool:     inner,
		Memo:     o.Memo,
		Timeout:  o.CheckTimeout,
		Logger:   o.Logger,
	}
}

// assemble flattens per-candidate results in input order, then sorts by
// prompt name so reports are reproducible regardless of scheduling order.
func (o *Orchestrator) assemble(
	opts Options,
	candidates []*prompt.Definition,
	resultsBy [][]AssessmentResult,
	failedBy []*FailedPrompt,
	started time.Time,
) *RunInfo {
	info := &RunInfo{
		ID:              newRunID(),
		GroupID:         groupID(o.Env, started),
		ProtocolVersion: ProtocolVersion,
		EnvironmentID:   o.Env.ID,
		RatingHash:      o.Env.RatingHash,
		ExecutorID:      o.Executor.Info().ID,
		StartedAt:       started,
		FinishedAt:      time.Now().UTC(),
		Labels:          append(append([]string(nil), o.Env.Labels...), opts.Labels...),
	}

	for i := range candidates {
		info.Results = append(info.Results, resultsBy[i]...)
		if failedBy[i] != nil {
			info.FailedPrompts = append(info.FailedPrompts, *failedBy[i])
		}
	}
	sort.SliceStable(info.Results, func(a, b int) bool {
		return info.Results[a].PromptName < info.Results[b].PromptName
	})

	for _, r := range info.Results {
		info.TokenUsage.InputTokens += r.Usage.InputTokens
		info.TokenUsage.OutputTokens += r.Usage.OutputTokens
	}
	return info
}

func newRunID() string {
	var suffix [8]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("run_%s_%s", time.Now().UTC().Format("20060102T150405Z"), hex.EncodeToString(suffix[:]))
}

// groupID clusters related runs: same environment, same scoring rules, same
// wall-clock start.
func groupID(env *environment.Environment, started time.Time) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(env.ID))
	_, _ = h.Write([]byte(env.RatingHash))
	return fmt.Sprintf("grp_%s_%08x", started.Format("20060102T150405Z"), h.Sum32())
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}
