package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/eustall/internal/migrate"
)

func migrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse schema for stall rows",
	}

	cmd.PersistentFlags().StringVar(
		&dsn, "dsn", "",
		"ClickHouse DSN, e.g. clickhouse://localhost:9000?database=default (required)",
	)

	markRequired(cmd.MarkPersistentFlagRequired, "dsn")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator(dsn)
				if err != nil {
					return err
				}

				return m.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator(dsn)
				if err != nil {
					return err
				}

				return m.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator(dsn)
				if err != nil {
					return err
				}

				v, dirty, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "version: %d dirty: %t\n", v, dirty)

				return nil
			},
		},
	)

	return cmd
}

func newMigrator(dsn string) (migrate.Migrator, error) {
	log, err := newLogger("")
	if err != nil {
		return nil, err
	}

	return migrate.New(log, dsn), nil
}
