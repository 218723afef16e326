package cmd

import (
	"github.com/spf13/cobra"

	"github.com/balaji-balu/margo-testhost/internal/orchestrator"
)

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Remove the deployment recorded in the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.close(ctx)

		o, err := orchestrator.Restore(ctx, rt.opener, cfg.Journal.Path, rt.opts)
		if err != nil {
			return err
		}
		return o.Dispose(ctx)
	},
}
