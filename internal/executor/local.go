package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/stellarlinkco/appgen-eval/internal/llm"
)

const (
	snapshotDir = ".steps"
	maxPathLen  = 512
)

// Local runs evaluations against per-job directories on the local disk.
type Local struct {
	// BaseDir is the parent directory for all evaluation workspaces.
	BaseDir string
	// KeepWorkspaces disables workspace removal on finalize, for debugging
	// generated output after a run.
	KeepWorkspaces bool

	mu    sync.Mutex
	roots map[EvalID]string
}

// NewLocal returns a Local executor rooted at baseDir.
func NewLocal(baseDir string) *Local {
	return &Local{
		BaseDir: baseDir,
		roots:   make(map[EvalID]string),
	}
}

func (l *Local) Info() Info {
	return Info{ID: "local", DisplayName: "Local filesystem executor"}
}

func (l *Local) InitializeEval(ctx context.Context, promptName string) (EvalID, error) {
	if l == nil {
		return "", fmt.Errorf("executor: nil executor")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("executor: eval id entropy: %w", err)
	}
	id := EvalID(fmt.Sprintf("eval_%s_%s", sanitizeName(promptName), hex.EncodeToString(suffix[:])))

	root := filepath.Join(l.BaseDir, string(id))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("executor: create workspace for %q: %w", promptName, err)
	}

	l.mu.Lock()
	if l.roots == nil {
		l.roots = make(map[EvalID]string)
	}
	l.roots[id] = root
	l.mu.Unlock()
	return id, nil
}

func (l *Local) FinalizeEval(ctx context.Context, id EvalID) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	root, ok := l.roots[id]
	delete(l.roots, id)
	l.mu.Unlock()

	// Unknown or already-finalized ids are fine; finalize must be callable
	// unconditionally from a finally-style guard.
	if !ok || l.KeepWorkspaces {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("executor: remove workspace %q: %w", root, err)
	}
	return nil
}

func (l *Local) Root(id EvalID) (string, error) {
	l.mu.Lock()
	root, ok := l.roots[id]
	l.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("executor: unknown eval id %q", id)
	}
	return root, nil
}

func (l *Local) WriteFiles(id EvalID, step int, files []llm.FileSpec, snapshot bool) error {
	root, err := l.Root(id)
	if err != nil {
		return err
	}

	for _, f := range files {
		rel, err := validateRelPath(f.Path)
		if err != nil {
			return err
		}
		if err := writeOne(filepath.Join(root, rel), f.Content); err != nil {
			return err
		}
		if snapshot {
			snap := filepath.Join(root, snapshotDir, fmt.Sprintf("step-%d", step), rel)
			if err := writeOne(snap, f.Content); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Local) ResolveContext(id EvalID, patterns []string) ([]llm.FileSpec, error) {
	root, err := l.Root(id)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	var out []llm.FileSpec
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == snapshotDir || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchesAny(patterns, rel) {
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("executor: read context file %q: %w", rel, err)
		}
		out = append(out, llm.FileSpec{Path: rel, Content: string(content)})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("executor: resolve context: %w", walkErr)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// PostProcessSystemPrompt substitutes the workspace root into system prompt
// templates that reference it.
func (l *Local) PostProcessSystemPrompt(text string, rootPath string) (string, error) {
	return strings.ReplaceAll(text, "{{PROJECT_ROOT}}", rootPath), nil
}

func writeOne(dst string, content string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("executor: create dir for %q: %w", dst, err)
	}
	if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
		return fmt.Errorf("executor: write %q: %w", dst, err)
	}
	return nil
}

func validateRelPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("executor: empty generated path")
	}
	if len(p) > maxPathLen {
		return "", fmt.Errorf("executor: generated path too long (%d chars): %q", len(p), p[:64]+"...")
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if filepath.IsAbs(p) || strings.HasPrefix(clean, "../") || clean == ".." || strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("executor: generated path escapes workspace: %q", p)
	}
	return filepath.FromSlash(clean), nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if matchPattern(filepath.ToSlash(strings.TrimSpace(pat)), rel) {
			return true
		}
	}
	return false
}

// matchPattern matches a slash-separated path against a pattern where "**"
// spans any number of segments and other segments use path.Match syntax.
func matchPattern(pattern, rel string) bool {
	if pattern == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}
	if pat[0] == "**" {
		for skip := 0; skip <= len(segs); skip++ {
			if matchSegments(pat[1:], segs[skip:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pat[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], segs[1:])
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	s := strings.Trim(sb.String(), "-")
	if s == "" {
		s = "prompt"
	}
	if len(s) > 48 {
		s = s[:48]
	}
	return s
}
