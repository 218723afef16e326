package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/balaji-balu/margo-testhost/internal/orchestrator"
	"github.com/balaji-balu/margo-testhost/internal/webconfig"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the deployment recorded in the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := orchestrator.LoadJournal(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("no deployment recorded: %w", err)
		}
		out := struct {
			*orchestrator.Journal
			Environment map[string]string `json:"environment,omitempty"`
		}{Journal: j}
		if env, err := webconfig.ReadEnvironmentSettings(j.PublishedPath); err == nil {
			out.Environment = env
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}
