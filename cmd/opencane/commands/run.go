package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iflabx/opencane/pkg/opencane/appctx"
	"github.com/iflabx/opencane/pkg/opencane/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the opencane runtime: control HTTP surface plus every configured device transport",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return &configError{err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rc, err := appctx.Build(ctx, cfg)
	if err != nil {
		if cfg.StrictStartup {
			return &startupError{err}
		}
		return err
	}

	errCh := make(chan error, 1)
	if err := rc.Start(ctx, errCh); err != nil {
		if cfg.StrictStartup {
			return &startupError{err}
		}
		return err
	}

	rc.Logger.Info("opencane runtime started", "listen_addr", cfg.HTTP.ListenAddr, "transports", len(rc.Transports))

	select {
	case err := <-errCh:
		cancel()
		rc.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		rc.Logger.Info("shutting down")
		rc.Shutdown(context.Background())
		return nil
	}
}
