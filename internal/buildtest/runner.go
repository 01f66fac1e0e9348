// Package buildtest runs build, test, and audit checks for a generated
// project and drives the bounded repair loop around them.
package buildtest

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CheckResult holds the outcome of one check invocation.
type CheckResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output"`
	TimedOut   bool   `json:"timed_out"`
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("buildtest: exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

func runCheck(ctx context.Context, runner CommandRunner, name, dir, command string, timeout time.Duration) (CheckResult, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := runner.Run(cctx, dir, command)
	durationMs := time.Since(start).Milliseconds()

	if err != nil {
		if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return CheckResult{
				Name:       name,
				ExitCode:   -1,
				DurationMs: durationMs,
				Output:     combineOutput(stdout, stderr),
				TimedOut:   true,
			}, nil
		}
		return CheckResult{}, fmt.Errorf("buildtest: run %s check: %w", name, err)
	}

	return CheckResult{
		Name:       name,
		Passed:     exitCode == 0,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Output:     combineOutput(stdout, stderr),
	}, nil
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
