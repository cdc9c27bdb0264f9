// Package cli implements renderctl, the operator tool for the render engine.
package cli

import (
	"fmt"
	"os"

	"github.com/cuongbtq/avatar-render/internal/bootstrap"
	"github.com/cuongbtq/avatar-render/internal/config"
	"github.com/cuongbtq/avatar-render/shared/clock"
	"github.com/cuongbtq/avatar-render/shared/logger"
	"github.com/spf13/cobra"
)

const envConfigPath = "RENDERCTL_CONFIG_PATH"

type app struct {
	cfg      *config.Config
	logger   *logger.Logger
	services *bootstrap.Services
}

func (a *app) close() {
	_ = a.services.Store.Close()
	_ = a.logger.Close()
}

type appLoader func(configPath string) (*app, error)

// Execute runs renderctl with os.Args
func Execute() error {
	return newRootCmd(loadApp).Execute()
}

func newRootCmd(load appLoader) *cobra.Command {
	var (
		configPath string
		loaded     *app
	)

	rootCmd := &cobra.Command{
		Use:           "renderctl",
		Short:         "Operate the render engine: credentials, reconciliation and commissions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRun: func(*cobra.Command, []string) {
			if loaded != nil {
				loaded.close()
			}
		},
	}

	defaultPath := os.Getenv(envConfigPath)
	if defaultPath == "" {
		defaultPath = "configs/worker-service/config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultPath, "Path to configuration file")

	getApp := func() (*app, error) {
		if loaded != nil {
			return loaded, nil
		}
		a, err := load(configPath)
		if err != nil {
			return nil, err
		}
		loaded = a
		return a, nil
	}

	rootCmd.AddCommand(
		newKeygenCmd(),
		newSealCmd(getApp),
		newReconcileCmd(getApp),
		newSweepCmd(getApp),
		newExpireCmd(getApp),
		newBackfillCmd(getApp),
		newCommissionCmd(getApp),
	)

	return rootCmd
}

// loadApp wires the services without a broker. Settlements triggered by a
// command are recorded inline.
func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// stdout carries command output
	cfg.Logging.Output = "stderr"
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, _, err := bootstrap.OpenStore(&cfg.Database, appLogger.Logger)
	if err != nil {
		_ = appLogger.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	services, err := bootstrap.NewServices(cfg, store, nil, clock.Real(), appLogger)
	if err != nil {
		_ = store.Close()
		_ = appLogger.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: appLogger, services: services}, nil
}
