// Command pipeline runs the asynchronous write pipeline and its operator
// tooling.
//
//	pipeline serve                         HTTP intake, processors, dispatchers
//	pipeline migrate                       create or update the tables
//	pipeline dlq list [--queue q]          inspect dead letters
//	pipeline dlq redrive <id>...           put dead letters back in their queue
//	pipeline dlq purge --older-than 720h   drop old dead letters
//	pipeline ledger gc                     purge expired idempotency records
//
// Configuration comes from the environment (and an optional .env file).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-event-pipeline/internal/config"
	"github.com/tbourn/go-event-pipeline/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	envFile string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Asynchronous write pipeline with idempotent processing and event fan-out",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("load %s: %w", opts.envFile, err)
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty, strings.TrimPrefix(cmd.CommandPath(), "pipeline "))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment (missing file is ignored)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newDLQCmd(opts),
		newLedgerCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("pipeline")
		stop()
		os.Exit(1)
	}
}
