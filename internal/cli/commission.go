package cli

import (
	"fmt"

	"github.com/cuongbtq/avatar-render/internal/domain"
	"github.com/spf13/cobra"
)

func newCommissionCmd(getApp func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commission",
		Short: "Inspect and correct commission records",
	}

	cmd.AddCommand(
		newCommissionShowCmd(getApp),
		newCommissionSetStatusCmd(getApp),
	)

	return cmd
}

func newCommissionShowCmd(getApp func() (*app, error)) *cobra.Command {
	var byJob bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a commission by id, or by job id with --job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}

			var event *domain.CommissionEvent
			if byJob {
				event, err = a.services.Store.GetCommissionByJob(cmd.Context(), args[0])
			} else {
				event, err = a.services.Store.GetCommission(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			writeCommission(cmd, event)
			return nil
		},
	}

	cmd.Flags().BoolVar(&byJob, "job", false, "Treat the argument as a job id")
	return cmd
}

func newCommissionSetStatusCmd(getApp func() (*app, error)) *cobra.Command {
	var reference string

	cmd := &cobra.Command{
		Use:   "set-status <commission-id> <status>",
		Short: "Move a commission to a new payment status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseCommissionStatus(args[1])
			if err != nil {
				return err
			}

			a, err := getApp()
			if err != nil {
				return err
			}

			event, err := a.services.Calculator.ApplyStatus(cmd.Context(), args[0], status, reference)
			if err != nil {
				return fmt.Errorf("set status on %s: %w", args[0], err)
			}

			writeCommission(cmd, event)
			return nil
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "Payment network reference")
	return cmd
}

func writeCommission(cmd *cobra.Command, event *domain.CommissionEvent) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tjob=%s\tgross=%d\tfee=%d\tnet=%d\t%s\t%s\n",
		event.ID, event.JobID, event.GrossCents, event.FeeCents, event.NetCents(), event.Currency, event.Status)
}
