package main

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	"github.com/spf13/cobra"

	"github.com/deedstack/registrar/internal/config"
)

func newMigrateCommand(cfgFile *string) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			db, err := sql.Open("pgx", cfg.Postgres.DSN)
			if err != nil {
				return errors.Wrap(err, "open database")
			}
			defer db.Close()

			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			return errors.Wrap(goose.Up(db, dir), "apply migrations")
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "directory with migration files")
	return cmd
}
