package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"givepay/internal/common/events"
	"givepay/internal/common/nats"
)

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect integrity alerts",
	}
	cmd.AddCommand(alertsTailCmd())
	return cmd
}

func alertsTailCmd() *cobra.Command {
	var (
		fromDB   bool
		since    time.Duration
		limit    int
		consumer string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print integrity alerts as JSON lines",
		Long: `Print integrity alerts as JSON lines.

By default alerts are followed live from the payments stream through a
durable consumer until interrupted. With --from-db the error-level entries of
the payment log are printed once instead.

Examples:
  paymentsctl alerts tail
  paymentsctl alerts tail --from-db --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := connect(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())

			if fromDB {
				entries, err := a.Store.ListAlerts(ctx, time.Now().Add(-since), limit)
				if err != nil {
					return err
				}
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}

			if a.NATS == nil {
				return fmt.Errorf("NATS_URL is not set, use --from-db")
			}
			c, err := a.NATS.EnsureConsumer(ctx, consumer, events.EventIntegrityAlert)
			if err != nil {
				return err
			}
			err = nats.Consume(ctx, c, a.Logger, func(ctx context.Context, event *events.Event) error {
				var alert events.IntegrityAlertData
				if err := event.DecodeData(&alert); err != nil {
					return err
				}
				return enc.Encode(struct {
					ID         string    `json:"id"`
					OccurredAt time.Time `json:"occurred_at"`
					events.IntegrityAlertData
				}{event.ID, event.OccurredAt, alert})
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&fromDB, "from-db", false, "read alerts from the payment log instead of the stream")
	cmd.Flags().DurationVar(&since, "since", time.Hour, "with --from-db, how far back to read")
	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "with --from-db, maximum alerts to print")
	cmd.Flags().StringVar(&consumer, "consumer", "paymentsctl-alerts", "durable consumer name")
	return cmd
}
