package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deepshell/deepshell/pkg/models"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.configPath, opts.verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.eng.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POOL\tENTRIES\tCAPACITY")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\n", s.Pool, s.Entries, s.Capacity)
			}
			return w.Flush()
		},
	}

	var pool string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.configPath, opts.verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.eng.ClearCache(cmd.Context(), models.Pool(pool)); err != nil {
				return err
			}
			if pool == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "All cache entries cleared.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Cache pool %s cleared.\n", pool)
			}
			return nil
		},
	}
	clearCmd.Flags().StringVar(&pool, "pool", "", "only clear this pool (stateless or chat)")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
