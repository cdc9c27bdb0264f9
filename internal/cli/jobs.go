package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCmd(getApp func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <job-id>",
		Short: "Poll the provider for one job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}

			state, err := a.services.Reconciler.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", args[0], err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], state)
			return nil
		},
	}
}

func newSweepCmd(getApp func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Poll every job that is due",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}

			if !a.services.Mode.UsesPolling() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "polling disabled in %s mode\n", a.services.Mode)
				return nil
			}

			stats, err := a.services.Reconciler.Sweep(cmd.Context())
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "selected=%d finished=%d failed=%d unchanged=%d\n",
				stats.Selected, stats.Finished, stats.Failed, stats.Unchanged)
			return err
		},
	}
}

func newExpireCmd(getApp func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire in-flight jobs older than the expiry window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}

			n, err := a.services.Reconciler.ExpireStale(cmd.Context())
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "expired=%d\n", n)
			return err
		},
	}
}

func newBackfillCmd(getApp func() (*app, error)) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Record commissions for completed jobs that have none",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}

			n, err := a.services.Calculator.Backfill(cmd.Context(), limit)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "settled=%d\n", n)
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum jobs to settle")
	return cmd
}
