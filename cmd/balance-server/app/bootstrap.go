package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stacklok/balance-server/internal/bootstrap"
	"github.com/stacklok/balance-server/internal/db"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Migrate and seed the database once",
	Long: `Run the bootstrap gate out-of-band: apply migrations and seed the accounts
table, unless a previous run already completed. Workers starting afterwards
skip the bootstrap. Safe to run while workers are starting; exactly one of
them runs the steps.`,
	RunE: runBootstrap,
}

func init() {
	bootstrapCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := bootstrapCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runBootstrap(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	bootstrapCfg := cfg.GetBootstrap()
	gate, err := bootstrap.NewGate(pool,
		bootstrap.WithSteps(
			bootstrap.MigrateStep(pool.Config().ConnString()),
			bootstrap.SeedStep(pool, bootstrapCfg.GetSeedAccounts(), bootstrapCfg.GetInitialBalance()),
		),
		bootstrap.WithWaitTimeout(bootstrapCfg.GetWaitTimeout()),
		bootstrap.WithStaleAfter(bootstrapCfg.GetStaleAfter()),
	)
	if err != nil {
		return err
	}

	outcome, err := gate.EnsureBootstrapped(ctx)
	if err != nil {
		return err
	}

	slog.Info("Bootstrap finished", "outcome", outcome)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), outcome)
	return err
}
