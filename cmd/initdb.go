package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/datalab-tools/tiktok-research-crawler/internal/storage/postgres"
)

func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the crawl tables in a fresh database",
		Long: `Creates the crawl, video, hashtag, effect, query tag, user info and
comment tables along with their association tables. Intended for bootstrapping
a fresh database; schema changes to an existing one belong in migrations.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if cfg.DB.DSN == "" {
				return errors.New("db.dsn is required")
			}
			store, err := postgres.New(cmd.Context(), postgres.Config{
				DSN:             cfg.DB.DSN,
				MaxConns:        cfg.DB.MaxConns,
				MinConns:        cfg.DB.MinConns,
				MaxConnLifetime: cfg.DB.MaxConnLifetime,
			})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema ready")
			return nil
		},
	}
}
