package prompt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/appgen-eval/internal/errs"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestResolve_Literal(t *testing.T) {
	r := &Resolver{}
	defs, err := r.Resolve([]Source{{
		Name:    "todo-app",
		Text:    "Build a todo app",
		Ratings: []string{"build-clean"},
		Phase:   "editing",
	}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("defs: got %d want 1", len(defs))
	}
	d := defs[0]
	if d.Name != "todo-app" || d.Text != "Build a todo app" {
		t.Fatalf("def: got name=%q text=%q", d.Name, d.Text)
	}
	if d.Phase != PhaseEditing {
		t.Fatalf("Phase: got %q want %q", d.Phase, PhaseEditing)
	}
	if d.MultiStep() {
		t.Fatalf("MultiStep: got true want false")
	}
}

func TestResolve_Glob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "prompts", "beta.md"), "second")
	writeFile(t, filepath.Join(dir, "prompts", "alpha.md"), "first")

	r := &Resolver{BaseDir: dir}
	defs, err := r.Resolve([]Source{{Glob: "prompts/*.md"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs: got %d want 2", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Fatalf("order: got %q, %q", defs[0].Name, defs[1].Name)
	}
	if defs[0].Text != "first" {
		t.Fatalf("text: got %q want %q", defs[0].Text, "first")
	}
}

func TestResolve_GlobNoMatches(t *testing.T) {
	r := &Resolver{BaseDir: t.TempDir()}
	_, err := r.Resolve([]Source{{Glob: "nope/*.md"}})
	if err == nil || !errs.IsUser(err) {
		t.Fatalf("Resolve: got %v want user-facing error", err)
	}
}

func TestResolve_MultiStepOrderedByNumber(t *testing.T) {
	dir := t.TempDir()
	// Written out of order on purpose; resolution must sort by step number.
	writeFile(t, filepath.Join(dir, "shop", "step-2.md"), "add cart")
	writeFile(t, filepath.Join(dir, "shop", "step-1.md"), "build shop")
	writeFile(t, filepath.Join(dir, "shop", "step-3.md"), "add checkout")

	r := &Resolver{BaseDir: dir}
	defs, err := r.Resolve([]Source{{Dir: "shop"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(defs) != 1 || !defs[0].MultiStep() {
		t.Fatalf("defs: got %d multi=%v", len(defs), defs[0].MultiStep())
	}

	steps := defs[0].Steps
	if len(steps) != 3 {
		t.Fatalf("steps: got %d want 3", len(steps))
	}
	wantTexts := []string{"build shop", "add cart", "add checkout"}
	for i, want := range wantTexts {
		if steps[i].Text != want {
			t.Fatalf("step %d: got %q want %q", i+1, steps[i].Text, want)
		}
	}
	if steps[0].Phase != PhaseGeneration {
		t.Fatalf("step 1 phase: got %q want %q", steps[0].Phase, PhaseGeneration)
	}
	for _, s := range steps[1:] {
		if s.Phase != PhaseEditing {
			t.Fatalf("later step phase: got %q want %q", s.Phase, PhaseEditing)
		}
	}
}

func TestResolve_MultiStepBadFilename(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop", "step-1.md"), "a")
	writeFile(t, filepath.Join(dir, "shop", "notes.md"), "b")

	r := &Resolver{BaseDir: dir}
	_, err := r.Resolve([]Source{{Dir: "shop"}})
	if err == nil {
		t.Fatalf("Resolve: expected error")
	}
	if !errs.IsUser(err) {
		t.Fatalf("Resolve: expected user-facing error, got %v", err)
	}
	if !strings.Contains(err.Error(), "notes.md") {
		t.Fatalf("error must name the offending file: %v", err)
	}
}

func TestResolve_MultiStepEmptyDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	r := &Resolver{BaseDir: dir}
	_, err := r.Resolve([]Source{{Dir: "empty"}})
	if err == nil || !errs.IsUser(err) {
		t.Fatalf("Resolve: got %v want user-facing error", err)
	}
}

func TestResolve_MultiStepMustStartAtOne(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shop", "step-0.md"), "a")
	writeFile(t, filepath.Join(dir, "shop", "step-2.md"), "b")

	r := &Resolver{BaseDir: dir}
	_, err := r.Resolve([]Source{{Dir: "shop"}})
	if err == nil || !errs.IsUser(err) {
		t.Fatalf("Resolve: got %v want user-facing error", err)
	}
}

func TestResolve_MultiStepStrictness(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "gap", "step-1.md"), "a")
	writeFile(t, filepath.Join(dir, "gap", "step-3.md"), "b")

	lax := &Resolver{BaseDir: dir}
	defs, err := lax.Resolve([]Source{{Dir: "gap"}})
	if err != nil {
		t.Fatalf("lax Resolve: %v", err)
	}
	if len(defs[0].Steps) != 2 {
		t.Fatalf("lax steps: got %d want 2", len(defs[0].Steps))
	}

	strict := &Resolver{BaseDir: dir, StrictSteps: true}
	if _, err := strict.Resolve([]Source{{Dir: "gap"}}); err == nil {
		t.Fatalf("strict Resolve: expected gap error")
	}
}

func TestResolve_DuplicateNames(t *testing.T) {
	r := &Resolver{}
	_, err := r.Resolve([]Source{
		{Name: "x", Text: "a"},
		{Name: "x", Text: "b"},
	})
	if err == nil || !errs.IsUser(err) {
		t.Fatalf("Resolve: got %v want user-facing error", err)
	}
}

func TestResolve_AugmenterHook(t *testing.T) {
	r := &Resolver{
		Augmenter: AugmenterFunc(func(defs []*Definition) ([]*Definition, error) {
			for _, d := range defs {
				d.Text += " [augmented]"
			}
			return defs, nil
		}),
	}
	defs, err := r.Resolve([]Source{{Name: "x", Text: "base"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if defs[0].Text != "base [augmented]" {
		t.Fatalf("Text: got %q", defs[0].Text)
	}
}

func TestStepNumber(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		ok   bool
	}{
		{"step-1.md", 1, true},
		{"step-12.txt", 12, true},
		{"step-3", 3, true},
		{"step-x.md", 0, false},
		{"part-1.md", 0, false},
		{"step-.md", 0, false},
	}
	for _, tc := range cases {
		n, ok := stepNumber(tc.in)
		if n != tc.n || ok != tc.ok {
			t.Fatalf("stepNumber(%q): got (%d, %v) want (%d, %v)", tc.in, n, ok, tc.n, tc.ok)
		}
	}
}

func TestRAGFetcher_AppendsRetrievedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("retrieved docs"))
	}))
	defer srv.Close()

	f := &RAGFetcher{Endpoint: srv.URL}
	got, err := f.AugmentText(context.Background(), "prompt text")
	if err != nil {
		t.Fatalf("AugmentText: %v", err)
	}
	if !strings.HasPrefix(got, "prompt text") || !strings.Contains(got, "retrieved docs") {
		t.Fatalf("AugmentText: got %q", got)
	}
}

func TestRAGFetcher_FailsFast(t *testing.T) {
	f := &RAGFetcher{}
	if _, err := f.AugmentText(context.Background(), "x"); err == nil || !errs.IsUser(err) {
		t.Fatalf("empty endpoint: got %v want user-facing error", err)
	}

	f = &RAGFetcher{Endpoint: "http://127.0.0.1:1"}
	if _, err := f.AugmentText(context.Background(), "x"); err == nil || !errs.IsUser(err) {
		t.Fatalf("unreachable endpoint: got %v want user-facing error", err)
	}
}
