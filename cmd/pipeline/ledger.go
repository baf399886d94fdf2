package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-event-pipeline/internal/ledger"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Idempotency ledger maintenance",
	}
	l.AddCommand(&cobra.Command{
		Use:   "gc",
		Short: "Purge expired idempotency records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(opts.cfg)
			if err != nil {
				return err
			}
			n, err := ledger.NewSQL(db).Purge(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			log.Info().Int64("purged", n).Msg("ledger gc")
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", n)
			return nil
		},
	})
	return l
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the pipeline tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := openDB(opts.cfg); err != nil {
				return err
			}
			log.Info().Str("db", opts.cfg.DBDriver).Int("tables", len(repo.Models())).Msg("migrated")
			return nil
		},
	}
}
