package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/appgen-eval/internal/prompt"
	"github.com/stellarlinkco/appgen-eval/internal/store"
)

func newListCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List prompts or stored runs",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newListPromptsCmd(st))
	cmd.AddCommand(newListRunsCmd(st))
	return cmd
}

func newListPromptsCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:     "prompts",
		Short:   "List the resolved prompt catalog",
		Args:    cobra.NoArgs,
		PreRunE: loadConfigPreRun(st),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := &prompt.Resolver{StrictSteps: st.cfg.Workspace.StrictSteps}
			prompts, err := resolver.Resolve(st.cfg.Prompts)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTEPS\tPHASE")
			for _, p := range prompts {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", p.Name, len(p.Leaves()), p.Phase)
			}
			return tw.Flush()
		},
	}
}

func newListRunsCmd(st *cliState) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "runs",
		Short:   "List stored assessment runs",
		Args:    cobra.NoArgs,
		PreRunE: loadConfigPreRun(st),
		RunE: func(cmd *cobra.Command, args []string) error {
			stor, err := store.Open(st.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = stor.Close() }()

			runs, err := stor.ListRuns(cmd.Context(), store.RunFilter{Limit: limit})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENVIRONMENT\tSTARTED\tRESULTS\tFAILED\tTOKENS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
					r.ID, r.EnvironmentID, r.StartedAt.Format("2006-01-02 15:04:05"),
					r.ResultCount, len(r.FailedPrompts), r.InputTokens+r.OutputTokens)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum runs to list")
	return cmd
}
