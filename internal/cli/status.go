package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trustlog/internal/platform/config"
	"trustlog/pkg/domain"
)

// NewStatusCommand creates the status command: a read-only summary of the
// local certificate store.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local store watermarks and indices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := rootOpts.newLogger()
			cfg := config.FromEnv()

			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			watermarks, err := st.Watermarks(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "common:    %s\n", formatWatermark(watermarks.Common))
			fmt.Fprintf(out, "sequester: %s\n", formatWatermark(watermarks.Sequester))
			fmt.Fprintf(out, "shamir:    %s\n", formatWatermark(watermarks.Shamir))
			for realm, ts := range watermarks.Realms {
				fmt.Fprintf(out, "realm %s: %s\n", realm, formatWatermark(ts))
			}

			for _, topic := range []domain.Topic{
				domain.CommonTopic(), domain.SequesterTopic(), domain.ShamirTopic(),
			} {
				last, err := st.LastIndex(ctx, topic)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "last index %s: %d\n", topic, last)
			}
			return nil
		},
	}
}

func formatWatermark(ts time.Time) string {
	if ts.IsZero() {
		return "(genesis)"
	}
	return ts.UTC().Format(time.RFC3339Nano)
}
