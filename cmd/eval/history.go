package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/appgen-eval/internal/store"
)

func newHistoryCmd(st *cliState) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "history <prompt>",
		Short:   "Show scoring history for a prompt",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfigPreRun(st),
		RunE: func(cmd *cobra.Command, args []string) error {
			stor, err := store.Open(st.cfg)
			if err != nil {
				return err
			}
			defer func() { _ = stor.Close() }()

			history, err := stor.GetPromptHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no stored results for prompt %q\n", args[0])
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTEP\tSCORE\tWHEN")
			for _, h := range history {
				fmt.Fprintf(tw, "%s\t%d\t%d/%d\t%s\n",
					h.RunID, h.Step, h.Points, h.MaxPoints, h.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum history entries")
	return cmd
}
