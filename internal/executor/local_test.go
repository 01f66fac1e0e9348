package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/appgen-eval/internal/llm"
)

func TestLocal_Lifecycle(t *testing.T) {
	l := NewLocal(t.TempDir())
	ctx := context.Background()

	id, err := l.InitializeEval(ctx, "Todo App!")
	if err != nil {
		t.Fatalf("InitializeEval: %v", err)
	}
	if !strings.HasPrefix(string(id), "eval_todo-app_") {
		t.Fatalf("id: got %q", id)
	}

	root, err := l.Root(id)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("workspace missing: %v", err)
	}

	if err := l.FinalizeEval(ctx, id); err != nil {
		t.Fatalf("FinalizeEval: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed: %v", err)
	}

	// Finalize must tolerate repeat and unknown ids.
	if err := l.FinalizeEval(ctx, id); err != nil {
		t.Fatalf("repeat FinalizeEval: %v", err)
	}
	if err := l.FinalizeEval(ctx, "eval_never_seen"); err != nil {
		t.Fatalf("unknown FinalizeEval: %v", err)
	}
}

func TestLocal_KeepWorkspaces(t *testing.T) {
	l := NewLocal(t.TempDir())
	l.KeepWorkspaces = true
	ctx := context.Background()

	id, err := l.InitializeEval(ctx, "x")
	if err != nil {
		t.Fatalf("InitializeEval: %v", err)
	}
	root, _ := l.Root(id)
	if err := l.FinalizeEval(ctx, id); err != nil {
		t.Fatalf("FinalizeEval: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("workspace should survive finalize: %v", err)
	}
}

func TestLocal_WriteFilesAndSnapshot(t *testing.T) {
	l := NewLocal(t.TempDir())
	id, err := l.InitializeEval(context.Background(), "x")
	if err != nil {
		t.Fatalf("InitializeEval: %v", err)
	}

	files := []llm.FileSpec{
		{Path: "src/App.tsx", Content: "app"},
		{Path: "index.html", Content: "html"},
	}
	if err := l.WriteFiles(id, 2, files, true); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}

	root, _ := l.Root(id)
	got, err := os.ReadFile(filepath.Join(root, "src", "App.tsx"))
	if err != nil || string(got) != "app" {
		t.Fatalf("project file: content=%q err=%v", got, err)
	}
	snap, err := os.ReadFile(filepath.Join(root, snapshotDir, "step-2", "src", "App.tsx"))
	if err != nil || string(snap) != "app" {
		t.Fatalf("snapshot: content=%q err=%v", snap, err)
	}
}

func TestLocal_WriteFilesRejectsEscapes(t *testing.T) {
	l := NewLocal(t.TempDir())
	id, err := l.InitializeEval(context.Background(), "x")
	if err != nil {
		t.Fatalf("InitializeEval: %v", err)
	}

	bad := []string{
		"../outside.txt",
		"/etc/passwd",
		"a/../../b.txt",
		"",
		strings.Repeat("x", maxPathLen+1),
	}
	for _, p := range bad {
		err := l.WriteFiles(id, 1, []llm.FileSpec{{Path: p, Content: "x"}}, false)
		if err == nil {
			t.Fatalf("WriteFiles(%q): expected error", p)
		}
	}
}

func TestLocal_ResolveContext(t *testing.T) {
	l := NewLocal(t.TempDir())
	id, err := l.InitializeEval(context.Background(), "x")
	if err != nil {
		t.Fatalf("InitializeEval: %v", err)
	}

	files := []llm.FileSpec{
		{Path: "src/App.tsx", Content: "a"},
		{Path: "src/components/Button.tsx", Content: "b"},
		{Path: "src/styles.css", Content: "c"},
		{Path: "README.md", Content: "d"},
	}
	if err := l.WriteFiles(id, 1, files, true); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}

	got, err := l.ResolveContext(id, []string{"src/**/*.tsx"})
	if err != nil {
		t.Fatalf("ResolveContext: %v", err)
	}
	want := []string{"src/App.tsx", "src/components/Button.tsx"}
	if len(got) != len(want) {
		t.Fatalf("files: got %d want %d (%+v)", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Path != w {
			t.Fatalf("file %d: got %q want %q", i, got[i].Path, w)
		}
	}

	// Snapshots are never part of generation context.
	all, err := l.ResolveContext(id, []string{"**/*"})
	if err != nil {
		t.Fatalf("ResolveContext: %v", err)
	}
	for _, f := range all {
		if strings.HasPrefix(f.Path, snapshotDir) {
			t.Fatalf("snapshot leaked into context: %q", f.Path)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		rel     string
		want    bool
	}{
		{"src/*.tsx", "src/App.tsx", true},
		{"src/*.tsx", "src/deep/App.tsx", false},
		{"src/**/*.tsx", "src/deep/App.tsx", true},
		{"src/**/*.tsx", "src/App.tsx", true},
		{"**/*.css", "a/b/c/x.css", true},
		{"**", "anything/at/all", true},
		{"*.md", "docs/x.md", false},
		{"", "x", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.rel); got != tc.want {
			t.Fatalf("matchPattern(%q, %q): got %v want %v", tc.pattern, tc.rel, got, tc.want)
		}
	}
}

func TestPostProcessSystemPrompt(t *testing.T) {
	l := NewLocal(t.TempDir())
	got, err := l.PostProcessSystemPrompt("work in {{PROJECT_ROOT}} only", "/tmp/ws")
	if err != nil {
		t.Fatalf("PostProcessSystemPrompt: %v", err)
	}
	if got != "work in /tmp/ws only" {
		t.Fatalf("got %q", got)
	}
}
