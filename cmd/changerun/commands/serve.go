package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/changerun"
	"github.com/loykin/changerun/cmd/changerun/config"
	"github.com/loykin/changerun/internal/api"
	"github.com/loykin/changerun/internal/common"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// initializeHandles warms the registry. Unreachable profiles are logged and
// left to lazy creation unless strict is set.
func initializeHandles(ctx context.Context, svc *changerun.Service, strict bool) error {
	logger := common.GetLogger().WithComponent("serve")
	n, err := svc.InitializeAll(ctx)
	if err != nil {
		if strict {
			return fmt.Errorf("initialize connection handles: %w", err)
		}
		logger.Warn("some connection handles could not be created; they are retried on first use", "error", err)
	}
	logger.Info("connection handles initialized", "count", n)
	return nil
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := common.GetLogger().WithComponent("serve")

		return withService(ctx, doc, func(svc *changerun.Service) error {
			strict, _ := cmd.Flags().GetBool("strict")
			if err := initializeHandles(ctx, svc, strict); err != nil {
				return err
			}

			if path := configPath(); path != "" {
				w := config.NewWatcher(path, svc)
				if err := w.Start(ctx); err != nil {
					logger.Warn("config watch disabled", "path", path, "error", err)
				}
			}

			srv := &http.Server{
				Addr:              doc.ServerAddr(),
				Handler:           api.NewRouter(svc, api.Options{CORSOrigins: doc.Server.CORSOrigins, Mode: doc.Server.Mode}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", srv.Addr, "scripts_root", svc.ScriptsRoot())
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	},
}

func init() {
	ServeCmd.Flags().Bool("strict", false, "refuse to start when an active profile cannot be reached")
}
