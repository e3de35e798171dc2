package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Open applies embedded migrations on the way in.
			st, err := store.Open(cfg.DatabasePath())
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close()

			slog.Info("migrations applied", "path", cfg.DatabasePath())
			return nil
		},
	}
}
