package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stellarlinkco/appgen-eval/internal/errs"
)

func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := stderrWriter
	stderrWriter = &buf
	t.Cleanup(func() { stderrWriter = orig })
	return &buf
}

func TestExitCode_NilError(t *testing.T) {
	stderr := captureStderr(t)
	if code := exitCode(&cliState{}, nil); code != 0 {
		t.Fatalf("exit code: got %d want 0", code)
	}
	if stderr.Len() != 0 {
		t.Fatalf("unexpected output: %s", stderr.String())
	}
}

func TestExitCode_UserErrorPrintsVerbatim(t *testing.T) {
	stderr := captureStderr(t)
	err := errs.Userf("config: configs/config.yaml not found")

	if code := exitCode(&cliState{}, err); code != 1 {
		t.Fatalf("exit code: got %d want 1", code)
	}
	if got := strings.TrimSpace(stderr.String()); got != err.Error() {
		t.Fatalf("stderr: got %q want %q", got, err.Error())
	}
}

func TestExitCode_UnexpectedErrorStaysGeneric(t *testing.T) {
	stderr := captureStderr(t)

	if code := exitCode(&cliState{}, errors.New("sqlite disk I/O error")); code != 1 {
		t.Fatalf("exit code: got %d want 1", code)
	}
	out := stderr.String()
	if strings.Contains(out, "sqlite") {
		t.Fatalf("raw error leaked without --debug:\n%s", out)
	}
	if !strings.Contains(out, "--debug") {
		t.Fatalf("output should point at --debug:\n%s", out)
	}
}

func TestExitCode_DebugShowsErrorAndStack(t *testing.T) {
	stderr := captureStderr(t)

	if code := exitCode(&cliState{debug: true}, errors.New("sqlite disk I/O error")); code != 1 {
		t.Fatalf("exit code: got %d want 1", code)
	}
	out := stderr.String()
	if !strings.Contains(out, "sqlite disk I/O error") {
		t.Fatalf("debug output missing error detail:\n%s", out)
	}
	if !strings.Contains(out, "goroutine") {
		t.Fatalf("debug output missing stack:\n%s", out)
	}
}

func TestExitCode_PromptsFailedIsSilent(t *testing.T) {
	stderr := captureStderr(t)

	if code := exitCode(&cliState{}, errPromptsFailed); code != 1 {
		t.Fatalf("exit code: got %d want 1", code)
	}
	if stderr.Len() != 0 {
		t.Fatalf("unexpected output: %s", stderr.String())
	}
}
