// Package cli implements the trustlog command line: inspecting the local
// certificate store, polling the server, and running the dev server.
package cli

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"trustlog/internal/engine"
	"trustlog/internal/platform/config"
	"trustlog/internal/platform/logger"
	"trustlog/internal/store"
	"trustlog/internal/transport"
	"trustlog/pkg/domain"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the trustlog root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "trustlog",
		Short:         "Client-side certificate trust engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewDevServerCommand(opts))

	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (o *RootOptions) newLogger() *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return logger.New(level)
}

// openStore opens the configured SQLite store, falling back to an in-memory
// store when no encryption key is configured.
func openStore(cfg config.Engine, log *slog.Logger) (store.Store, error) {
	if len(cfg.StoreKey) != store.KeySize {
		log.Warn("no store encryption key configured, using in-memory store")
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(cfg.StorePath, cfg.StoreKey)
}

// identityFromEnv assembles the local device identity. The enrolled secrets
// are expected in the environment, base64-encoded.
func identityFromEnv() (engine.Identity, ed25519.PublicKey, error) {
	user, err := domain.ParseUserID(os.Getenv("TRUSTLOG_USER_ID"))
	if err != nil {
		return engine.Identity{}, nil, fmt.Errorf("TRUSTLOG_USER_ID: %w", err)
	}
	device, err := domain.ParseDeviceID(os.Getenv("TRUSTLOG_DEVICE_ID"))
	if err != nil {
		return engine.Identity{}, nil, fmt.Errorf("TRUSTLOG_DEVICE_ID: %w", err)
	}
	signingKey, err := base64.StdEncoding.DecodeString(os.Getenv("TRUSTLOG_SIGNING_KEY"))
	if err != nil || len(signingKey) != ed25519.PrivateKeySize {
		return engine.Identity{}, nil, fmt.Errorf("TRUSTLOG_SIGNING_KEY must be a base64 ed25519 private key")
	}
	rootKey, err := base64.StdEncoding.DecodeString(os.Getenv("TRUSTLOG_ROOT_VERIFY_KEY"))
	if err != nil || len(rootKey) != ed25519.PublicKeySize {
		return engine.Identity{}, nil, fmt.Errorf("TRUSTLOG_ROOT_VERIFY_KEY must be a base64 ed25519 public key")
	}

	identity := engine.Identity{
		User:       user,
		Device:     device,
		SigningKey: signingKey,
	}
	if raw := os.Getenv("TRUSTLOG_ORGANIZATION_ID"); raw != "" {
		org, err := domain.ParseOrganizationID(raw)
		if err != nil {
			return engine.Identity{}, nil, fmt.Errorf("TRUSTLOG_ORGANIZATION_ID: %w", err)
		}
		identity.Organization = org
	}
	return identity, rootKey, nil
}

// newEngine wires a full engine from environment configuration.
func newEngine(cfg config.Engine, log *slog.Logger) (*engine.Engine, error) {
	identity, rootKey, err := identityFromEnv()
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	client := transport.NewHTTPClient(cfg.ServerURL)
	eng, err := engine.New(st, client, rootKey, identity, engine.WithLogger(log))
	if err != nil {
		st.Close()
		return nil, err
	}
	return eng, nil
}
