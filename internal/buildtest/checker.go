package buildtest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/stellarlinkco/appgen-eval/internal/parallel"
)

// Checker runs the heavy per-project checks. Every invocation counts as one
// heavy operation against the inner pool.
type Checker interface {
	Build(ctx context.Context, dir string) (CheckResult, error)
	Test(ctx context.Context, dir string) (CheckResult, error)
	Audit(ctx context.Context, dir string) (CheckResult, error)
}

// Screenshotter is an optional capability for checkers that can capture
// screenshots of the running app for later inspection.
type Screenshotter interface {
	Screenshot(ctx context.Context, dir string) (CheckResult, error)
}

// Commands configures the shell commands behind each check.
type Commands struct {
	Build          string `yaml:"build"`
	Test           string `yaml:"test"`
	Audit          string `yaml:"audit"`
	Screenshot     string `yaml:"screenshot"`
	InstallBrowser string `yaml:"install_browser"`
}

// CommandChecker implements Checker over a CommandRunner. All checks acquire
// a slot on the inner pool before running so total subprocess CPU pressure
// stays bounded regardless of how many jobs are in flight.
type CommandChecker struct {
	Runner   CommandRunner
	Commands Commands
	Pool     *parallel.Pool
	Memo     *parallel.Memo
	Timeout  time.Duration
	Logger   *log.Logger
}

func (c *CommandChecker) Build(ctx context.Context, dir string) (CheckResult, error) {
	return c.run(ctx, "build", dir, c.Commands.Build)
}

func (c *CommandChecker) Test(ctx context.Context, dir string) (CheckResult, error) {
	if err := c.ensureBrowser(ctx); err != nil {
		return CheckResult{}, err
	}
	return c.run(ctx, "test", dir, c.Commands.Test)
}

func (c *CommandChecker) Audit(ctx context.Context, dir string) (CheckResult, error) {
	return c.run(ctx, "audit", dir, c.Commands.Audit)
}

func (c *CommandChecker) Screenshot(ctx context.Context, dir string) (CheckResult, error) {
	if err := c.ensureBrowser(ctx); err != nil {
		return CheckResult{}, err
	}
	return c.run(ctx, "screenshot", dir, c.Commands.Screenshot)
}

func (c *CommandChecker) run(ctx context.Context, name, dir, command string) (CheckResult, error) {
	if c == nil || c.Runner == nil {
		return CheckResult{}, errors.New("buildtest: nil checker")
	}
	if command == "" {
		return CheckResult{}, errors.New("buildtest: no " + name + " command configured")
	}

	if c.Pool != nil {
		if err := c.Pool.Acquire(ctx); err != nil {
			return CheckResult{}, err
		}
		defer c.Pool.Release()
	}
	return runCheck(ctx, c.Runner, name, dir, command, c.Timeout)
}

// ensureBrowser installs the browser used for runtime tests at most once per
// process. Concurrent jobs share the single pending install; install errors
// are ignored since the browser is commonly present already.
func (c *CommandChecker) ensureBrowser(ctx context.Context) error {
	if c.Memo == nil || c.Commands.InstallBrowser == "" {
		return nil
	}
	return c.Memo.GetOrCreate("install-browser", func() error {
		_, _, _, err := c.Runner.Run(ctx, "", c.Commands.InstallBrowser)
		if err != nil && c.Logger != nil {
			c.Logger.Printf("browser install failed, assuming present: %v", err)
		}
		return nil
	})
}
