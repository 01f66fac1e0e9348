package buildtest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stellarlinkco/appgen-eval/internal/executor"
	"github.com/stellarlinkco/appgen-eval/internal/llm"
)

type fakeGenerator struct {
	generateFiles func(ctx context.Context, req *llm.FilesRequest) (*llm.FilesResult, error)
}

func (g *fakeGenerator) Name() string { return "fake" }
func (g *fakeGenerator) GenerateFiles(ctx context.Context, req *llm.FilesRequest) (*llm.FilesResult, error) {
	return g.generateFiles(ctx, req)
}
func (g *fakeGenerator) GenerateText(context.Context, *llm.TextRequest) (*llm.TextResult, error) {
	return nil, errors.New("unused")
}
func (g *fakeGenerator) GenerateConstrained(context.Context, *llm.ConstrainedRequest) (*llm.ConstrainedResult, error) {
	return nil, errors.New("unused")
}
func (g *fakeGenerator) SupportedModels() []string { return nil }
func (g *fakeGenerator) Close() error              { return nil }

type fakeWorkspace struct {
	writes    int
	snapshots int
	writeErr  error
}

func (w *fakeWorkspace) Root(executor.EvalID) (string, error) { return "/ws", nil }
func (w *fakeWorkspace) WriteFiles(id executor.EvalID, step int, files []llm.FileSpec, snapshot bool) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.writes++
	if snapshot {
		w.snapshots++
	}
	return nil
}
func (w *fakeWorkspace) ResolveContext(executor.EvalID, []string) ([]llm.FileSpec, error) {
	return nil, nil
}

type fakeChecker struct {
	build func(context.Context, string) (CheckResult, error)
	test  func(context.Context, string) (CheckResult, error)
	audit func(context.Context, string) (CheckResult, error)
}

func (c *fakeChecker) Build(ctx context.Context, dir string) (CheckResult, error) {
	return c.build(ctx, dir)
}
func (c *fakeChecker) Test(ctx context.Context, dir string) (CheckResult, error) {
	return c.test(ctx, dir)
}
func (c *fakeChecker) Audit(ctx context.Context, dir string) (CheckResult, error) {
	return c.audit(ctx, dir)
}

func pass(name string) func(context.Context, string) (CheckResult, error) {
	return func(context.Context, string) (CheckResult, error) {
		return CheckResult{Name: name, Passed: true}, nil
	}
}

func alwaysFail(name, output string) func(context.Context, string) (CheckResult, error) {
	return func(context.Context, string) (CheckResult, error) {
		return CheckResult{Name: name, ExitCode: 1, Output: output}, nil
	}
}

func repairGen(files []llm.FileSpec) *fakeGenerator {
	return &fakeGenerator{
		generateFiles: func(ctx context.Context, req *llm.FilesRequest) (*llm.FilesResult, error) {
			return &llm.FilesResult{Files: files, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
		},
	}
}

func TestLoop_AllPassesFirstTry(t *testing.T) {
	ws := &fakeWorkspace{}
	l := &Loop{
		Generator: repairGen(nil),
		Workspace: ws,
		Checker:   &fakeChecker{build: pass("build"), audit: pass("audit"), test: pass("test")},
		Ceilings:  Ceilings{Build: 2, Audit: 2, Test: 2},
	}

	out, err := l.Run(context.Background(), Options{
		EvalID: "e1", RunAudit: true, RunTest: true,
		Files: []llm.FileSpec{{Path: "a", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Passed() {
		t.Fatalf("Passed: got false")
	}
	if out.Repairs != (RepairCounts{}) {
		t.Fatalf("Repairs: got %+v want zero", out.Repairs)
	}
	if out.Audit == nil || out.Test == nil {
		t.Fatalf("enabled stages missing: audit=%v test=%v", out.Audit, out.Test)
	}
	if ws.writes != 0 {
		t.Fatalf("writes: got %d want 0", ws.writes)
	}
}

func TestLoop_BuildRepairedThenPasses(t *testing.T) {
	builds := 0
	checker := &fakeChecker{
		build: func(context.Context, string) (CheckResult, error) {
			builds++
			if builds == 1 {
				return CheckResult{Name: "build", ExitCode: 2, Output: "TS2304: Cannot find name"}, nil
			}
			return CheckResult{Name: "build", Passed: true}, nil
		},
	}

	var repairReq *llm.FilesRequest
	gen := &fakeGenerator{
		generateFiles: func(ctx context.Context, req *llm.FilesRequest) (*llm.FilesResult, error) {
			repairReq = req
			return &llm.FilesResult{
				Files: []llm.FileSpec{{Path: "src/App.tsx", Content: "fixed"}},
				Usage: llm.Usage{InputTokens: 100, OutputTokens: 50},
			}, nil
		},
	}

	ws := &fakeWorkspace{}
	l := &Loop{Generator: gen, Workspace: ws, Checker: checker, Ceilings: Ceilings{Build: 3}}

	out, err := l.Run(context.Background(), Options{
		EvalID:     "e1",
		Step:       2,
		Snapshot:   true,
		PromptText: "build a shop",
		Files: []llm.FileSpec{
			{Path: "src/App.tsx", Content: "broken"},
			{Path: "index.html", Content: "html"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Build.Passed || out.Repairs.Build != 1 {
		t.Fatalf("build: passed=%v repairs=%d", out.Build.Passed, out.Repairs.Build)
	}
	if out.Usage.InputTokens != 100 || out.Usage.OutputTokens != 50 {
		t.Fatalf("usage: got %+v", out.Usage)
	}
	if ws.writes != 1 || ws.snapshots != 1 {
		t.Fatalf("writes: got %d/%d want 1/1", ws.writes, ws.snapshots)
	}

	// The repaired file replaces the broken one; untouched files survive.
	if len(out.Files) != 2 || out.Files[0].Content != "fixed" || out.Files[1].Path != "index.html" {
		t.Fatalf("files: got %+v", out.Files)
	}

	// The repair round carries the failure output and the original task.
	if !strings.Contains(repairReq.Prompt, "TS2304") || !strings.Contains(repairReq.Prompt, "build a shop") {
		t.Fatalf("repair prompt: got %q", repairReq.Prompt)
	}
	if len(repairReq.ContextFiles) != 2 {
		t.Fatalf("context files: got %d want 2", len(repairReq.ContextFiles))
	}
}

func TestLoop_CeilingExhaustionIsRatedNotErrored(t *testing.T) {
	l := &Loop{
		Generator: repairGen([]llm.FileSpec{{Path: "a", Content: "try"}}),
		Workspace: &fakeWorkspace{},
		Checker:   &fakeChecker{build: alwaysFail("build", "boom"), audit: pass("audit")},
		Ceilings:  Ceilings{Build: 2},
	}

	out, err := l.Run(context.Background(), Options{EvalID: "e1", RunAudit: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Passed() {
		t.Fatalf("Passed: got true")
	}
	if out.Repairs.Build != 2 {
		t.Fatalf("Repairs.Build: got %d want 2", out.Repairs.Build)
	}
	// Later stages never run once a stage fails for good.
	if out.Audit != nil {
		t.Fatalf("Audit: got %+v want nil", out.Audit)
	}
}

func TestLoop_IndependentCeilings(t *testing.T) {
	builds := 0
	checker := &fakeChecker{
		build: func(context.Context, string) (CheckResult, error) {
			builds++
			if builds == 1 {
				return CheckResult{Name: "build", ExitCode: 1, Output: "err"}, nil
			}
			return CheckResult{Name: "build", Passed: true}, nil
		},
		test: alwaysFail("test", "assertion failed"),
	}
	l := &Loop{
		Generator: repairGen([]llm.FileSpec{{Path: "a", Content: "v"}}),
		Workspace: &fakeWorkspace{},
		Checker:   checker,
		Ceilings:  Ceilings{Build: 5, Test: 2},
	}

	out, err := l.Run(context.Background(), Options{EvalID: "e1", RunTest: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The build fix must not eat into the test-repair budget.
	if out.Repairs.Build != 1 || out.Repairs.Test != 2 {
		t.Fatalf("Repairs: got %+v want build=1 test=2", out.Repairs)
	}
	if out.Test == nil || out.Test.Passed {
		t.Fatalf("Test: got %+v want recorded failure", out.Test)
	}
}

func TestLoop_GenerationFailureIsUnrecoverable(t *testing.T) {
	gen := &fakeGenerator{
		generateFiles: func(context.Context, *llm.FilesRequest) (*llm.FilesResult, error) {
			return nil, errors.New("backend down")
		},
	}
	l := &Loop{
		Generator: gen,
		Workspace: &fakeWorkspace{},
		Checker:   &fakeChecker{build: alwaysFail("build", "boom")},
		Ceilings:  Ceilings{Build: 3},
	}

	out, err := l.Run(context.Background(), Options{EvalID: "e1"})
	if err == nil || out != nil {
		t.Fatalf("Run: got out=%v err=%v, want nil outcome with error", out, err)
	}
}

func TestLoop_EmptyRepairIsUnrecoverable(t *testing.T) {
	l := &Loop{
		Generator: repairGen(nil),
		Workspace: &fakeWorkspace{},
		Checker:   &fakeChecker{build: alwaysFail("build", "boom")},
		Ceilings:  Ceilings{Build: 1},
	}
	if _, err := l.Run(context.Background(), Options{EvalID: "e1"}); err == nil {
		t.Fatalf("Run: expected error for empty repair output")
	}
}

func TestLoop_WriteFailureIsUnrecoverable(t *testing.T) {
	l := &Loop{
		Generator: repairGen([]llm.FileSpec{{Path: "a", Content: "v"}}),
		Workspace: &fakeWorkspace{writeErr: errors.New("disk full")},
		Checker:   &fakeChecker{build: alwaysFail("build", "boom")},
		Ceilings:  Ceilings{Build: 1},
	}
	if _, err := l.Run(context.Background(), Options{EvalID: "e1"}); err == nil {
		t.Fatalf("Run: expected error for write failure")
	}
}

func TestMergeFiles(t *testing.T) {
	cur := []llm.FileSpec{{Path: "a", Content: "1"}, {Path: "b", Content: "2"}}
	upd := []llm.FileSpec{{Path: "b", Content: "2'"}, {Path: "c", Content: "3"}}
	got := mergeFiles(cur, upd)
	want := []llm.FileSpec{{Path: "a", Content: "1"}, {Path: "b", Content: "2'"}, {Path: "c", Content: "3"}}
	if len(got) != len(want) {
		t.Fatalf("len: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("file %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}
