package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/appgen-eval/internal/config"
	"github.com/stellarlinkco/appgen-eval/internal/errs"
)

type cliState struct {
	configPath string
	debug      bool
	cfg        *config.Config
}

var (
	osExit                 = os.Exit
	stderrWriter io.Writer = os.Stderr
)

func main() {
	cmd, st := newRootCmd()
	osExit(exitCode(st, cmd.Execute()))
}

// exitCode maps a command error to the process exit code. User errors print
// as-is; anything else prints a generic line unless --debug was set, in which
// case the full error and stack are written.
func exitCode(st *cliState, err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errPromptsFailed) {
		return 1
	}
	if errs.IsUser(err) {
		fmt.Fprintln(stderrWriter, err)
		return 1
	}
	if st.debug {
		fmt.Fprintf(stderrWriter, "unexpected error: %v\n%s", err, debug.Stack())
	} else {
		fmt.Fprintln(stderrWriter, "unexpected error (re-run with --debug for details)")
	}
	return 1
}

func newRootCmd() (*cobra.Command, *cliState) {
	st := &cliState{configPath: config.DefaultPath}

	root := &cobra.Command{
		Use:           "appgen-eval",
		Short:         "Assess code-generation backends against an app prompt catalog",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&st.configPath, "config", st.configPath, "path to config file")
	root.PersistentFlags().BoolVar(&st.debug, "debug", false, "verbose progress logging")

	root.AddCommand(newRunCmd(st))
	root.AddCommand(newListCmd(st))
	root.AddCommand(newHistoryCmd(st))
	return root, st
}

func loadConfigPreRun(st *cliState) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(st.configPath)
		if err != nil {
			return err
		}
		st.cfg = cfg
		return nil
	}
}
