package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trustlog/internal/platform/config"
)

// NewPollCommand creates the poll command: a one-shot catch-up with the
// server.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Fetch and validate new certificates from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := rootOpts.newLogger()
			cfg := config.FromEnv()

			eng, err := newEngine(cfg, log)
			if err != nil {
				return err
			}
			defer eng.Stop()

			outcome, err := eng.Poll(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "accepted %d certificate(s)\n", outcome.Accepted)
			if outcome.OwnProfile != nil {
				fmt.Fprintf(out, "own profile changed to %s\n", *outcome.OwnProfile)
			}
			if outcome.SelfRevoked {
				fmt.Fprintln(out, "warning: this user has been revoked")
			}
			return nil
		},
	}
}
