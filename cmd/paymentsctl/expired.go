package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func cancelExpiredCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "cancel-expired",
		Short: "Cancel pending payments past their expiry",
		Long: `Cancel pending payments whose expiry has passed.

Each payment is cancelled locally and, best effort, at its gateway. Payments
that resolve while the sweep runs are skipped. Run it from a scheduler.

Examples:
  paymentsctl cancel-expired
  paymentsctl cancel-expired --limit 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("limit") {
				limit = a.Config.ExpiredSweepLimit
			}
			summary, err := a.Payments.CancelExpired(cmd.Context(), limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "maximum payments to cancel (defaults to PAYMENTS_EXPIRED_SWEEP_LIMIT)")
	return cmd
}
