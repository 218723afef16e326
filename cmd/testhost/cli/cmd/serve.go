package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/balaji-balu/margo-testhost/internal/api"
	"github.com/balaji-balu/margo-testhost/internal/orchestrator"
	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Deploy, serve status until interrupted, then tear down",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		params, err := deployment.ParseParametersFile(file)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		o := orchestrator.New(rt.opener, *params, rt.opts)
		if _, err := o.Deploy(ctx); err != nil {
			return multierr.Append(err, o.Dispose(context.Background()))
		}

		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{Addr: cfg.API.Addr, Handler: api.NewRouter(o, rt.registry)}
		go func() {
			log.Info("status API listening", zap.String("addr", cfg.API.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status API failed", zap.Error(err))
				stop()
			}
		}()

		select {
		case <-ctx.Done():
		case <-o.HostShutdown().Done():
		}
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		return multierr.Append(o.Dispose(context.Background()), err)
	},
}

func init() {
	serveCmd.Flags().StringP("file", "f", "", "Path to deployment parameters YAML")
}
