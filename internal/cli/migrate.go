package cli

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := ConfigFromContext(ctx)
			logger := LoggerFromContext(ctx)

			db, applied, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			logger.Info("migrations complete", "applied", applied, "dir", cfg.MigrationsDir)
			return nil
		},
	}
}
