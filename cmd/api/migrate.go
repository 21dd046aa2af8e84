package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowsync/internal/store"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert SQL schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, dialect, err := openSQL(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, dialect); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("dialect", dialect.Name))
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert applied migrations, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, dialect, err := openSQL(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			reverted, err := store.RevertMigrations(cmd.Context(), db, dialect, steps)
			if err != nil {
				return err
			}
			for _, name := range reverted {
				fmt.Fprintln(cmd.OutOrStdout(), "reverted", name)
			}
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert (0 reverts all)")
	cmd.AddCommand(down)
	return cmd
}
