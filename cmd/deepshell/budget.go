package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newBudgetCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show token budget usage vs limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.configPath, opts.verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			statuses, err := a.eng.BudgetStatus(cmd.Context())
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Fprintf(out, "No budget policies apply to %s.\n", a.cfg.Provider)
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tPERIOD\tMAX TOKENS\tUSED\tREMAINING")
			for _, s := range statuses {
				model := s.Policy.Model
				if model == "" {
					model = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Policy.Provider, model, s.Policy.Period,
					humanize.Comma(s.Policy.MaxTokens), humanize.Comma(s.Used), humanize.Comma(s.Remaining))
			}
			return w.Flush()
		},
	}
	return cmd
}
