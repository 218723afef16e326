package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/internal/orchestrator"
	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy an application and record it in the journal",
	Long: `Publishes the application described by the parameters file, registers it
with the web server and writes a journal so that "testhost teardown" can
remove it later. A failed deployment is torn down before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		params, err := deployment.ParseParametersFile(file)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		o := orchestrator.New(rt.opener, *params, rt.opts)
		res, err := o.Deploy(ctx)
		if err != nil {
			if derr := o.Dispose(context.Background()); derr != nil {
				log.Error("teardown after failed deployment", zap.Error(derr))
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.BaseURL)
		return nil
	},
}

func init() {
	deployCmd.Flags().StringP("file", "f", "", "Path to deployment parameters YAML")
}
