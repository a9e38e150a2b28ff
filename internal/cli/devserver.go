package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trustlog/internal/devserver"
	"trustlog/internal/platform/config"
)

// NewDevServerCommand creates the devserver command: an in-memory wire
// protocol server for local development and integration testing.
func NewDevServerCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the in-memory certificate dev server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := rootOpts.newLogger()
			if addr == "" {
				addr = config.FromEnv().DevServerAddr
			}

			server := devserver.New(devserver.WithLogger(log))
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errs := make(chan error, 1)
			go func() {
				log.Info("dev server listening", "addr", addr)
				errs <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errs:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to TRUSTLOG_DEVSERVER_ADDR)")
	return cmd
}
