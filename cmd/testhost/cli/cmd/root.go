package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/internal/config"
	"github.com/balaji-balu/margo-testhost/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
	rootCmd = &cobra.Command{
		Use:   "testhost",
		Short: "Deploy and tear down web applications for end-to-end tests",
		Long: `testhost publishes an application, registers it under a dedicated
application pool on the test web server and removes it again afterwards.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(); err != nil {
				return err
			}
			return initLogger()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().String("store", "", "management subsystem: memory, bolt or appcmd")
	rootCmd.PersistentFlags().String("site", "", "name of the site applications are registered under")
	rootCmd.PersistentFlags().String("journal", "", "path of the deployment journal")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("site.name", rootCmd.PersistentFlags().Lookup("site"))
	viper.BindPFlag("journal.path", rootCmd.PersistentFlags().Lookup("journal"))

	viper.SetEnvPrefix("TESTHOST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(teardownCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// initConfig loads the config file and lets flags and TESTHOST_* variables
// override it.
func initConfig() error {
	var err error
	cfg, err = config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if v := viper.GetString("store.driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("site.name"); v != "" {
		cfg.Site.Name = v
	}
	if v := viper.GetString("journal.path"); v != "" {
		cfg.Journal.Path = v
	}
	if v := viper.GetString("broker.url"); v != "" {
		cfg.Broker.URL = v
	}
	if v := viper.GetString("publish.oci_token"); v != "" {
		cfg.Publish.OCIToken = v
	}
	if viper.GetBool("verbose") {
		cfg.Env = "development"
	}
	return cfg.Validate()
}

func initLogger() error {
	var err error
	log, err = logger.New(cfg.Env, cfg.Service, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}
