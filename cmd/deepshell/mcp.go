package main

import (
	"github.com/spf13/cobra"

	"github.com/deepshell/deepshell/pkg/mcp"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve deepshell as an MCP server on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.configPath, opts.verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcp.New(a.eng, version, a.logger).Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
