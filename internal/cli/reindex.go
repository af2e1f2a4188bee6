package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"beacon/api/internal/search"
)

func newReindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every dashboard, chart and space to Meilisearch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := ConfigFromContext(ctx)
			logger := LoggerFromContext(ctx)

			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return errors.New("MEILI_URL is not set")
			}

			db, _, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
			defer meili.Close()

			count, err := search.NewService(meili, search.NewPgFTS(db), logger).ReindexAll(ctx)
			if err != nil {
				return err
			}
			logger.Info("reindex complete", "records", count)
			return nil
		},
	}
}
