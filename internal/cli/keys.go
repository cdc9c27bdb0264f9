package cli

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/avatar-render/internal/provider"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age identity for sealing producer API keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keyring, err := provider.GenerateKeyring()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "# recipient: %s\n", keyring.Recipient())
			_, _ = fmt.Fprintln(out, keyring.Identity())
			return nil
		},
	}
}

func newSealCmd(getApp func() (*app, error)) *cobra.Command {
	var (
		producerID string
		apiKey     string
		recipient  string
	)

	cmd := &cobra.Command{
		Use:   "seal-credential",
		Short: "Seal a producer's provider API key",
		Long: "With --recipient the sealed value is printed and nothing is stored. " +
			"Otherwise the key is sealed to the configured identity and saved on the producer.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if recipient != "" {
				sealed, err := provider.Seal(apiKey, recipient)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), sealed)
				return nil
			}

			if producerID == "" {
				return errors.New("--producer is required unless --recipient is set")
			}

			a, err := getApp()
			if err != nil {
				return err
			}
			if a.cfg.Provider.Identity == "" {
				return errors.New("provider identity is not configured")
			}
			keyring, err := provider.NewKeyring(a.cfg.Provider.Identity)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			sealed, err := keyring.Seal(apiKey)
			if err != nil {
				return err
			}
			if err := a.services.Store.SetProducerCredential(cmd.Context(), producerID, sealed); err != nil {
				return fmt.Errorf("store credential for producer %s: %w", producerID, err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sealed credential stored for producer %s\n", producerID)
			return nil
		},
	}

	cmd.Flags().StringVar(&producerID, "producer", "", "Producer id")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Provider API key to seal")
	cmd.Flags().StringVar(&recipient, "recipient", "", "age recipient to seal to instead of the configured identity")
	_ = cmd.MarkFlagRequired("api-key")

	return cmd
}
