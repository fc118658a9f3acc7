package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbanhq/orban-agent/internal/ledger"
)

func newEarningsCmd(flags *globalFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "earnings",
		Short: "List earnings and payout notifications received from the platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			l, err := ledger.NewSQLiteLedger(cfg.LedgerPath())
			if err != nil {
				return fmt.Errorf("earnings: %w", err)
			}
			defer l.Close()

			events, err := l.List(context.Background(), limit)
			if err != nil {
				return fmt.Errorf("earnings: %w", err)
			}
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				for _, ev := range events {
					if err := enc.Encode(struct {
						MessageID  string          `json:"message_id"`
						Kind       string          `json:"kind"`
						ReceivedAt time.Time       `json:"received_at"`
						Payload    json.RawMessage `json:"payload"`
					}{ev.MessageID, string(ev.Kind), ev.ReceivedAt, ev.Payload}); err != nil {
						return err
					}
				}
				return nil
			}

			if len(events) == 0 {
				fmt.Fprintln(out, "No earnings recorded yet")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tKIND\tMESSAGE\tPAYLOAD")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.ReceivedAt.Local().Format(time.DateTime), ev.Kind, ev.MessageID, ev.Payload)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per line")
	return cmd
}
