package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-event-pipeline/internal/observability"
	"github.com/tbourn/go-event-pipeline/internal/sinks"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake, the queue processors and the event dispatchers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if port != "" {
				cfg.Port = port
			}
			ctx := cmd.Context()

			shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, "serve")
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := shutdownOTel(sctx); err != nil {
					log.Warn().Err(err).Msg("otel shutdown")
				}
			}()

			gin.SetMode(cfg.GinMode)
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			routes, err := loadRoutes(cfg.Bus.RoutesFile)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, db, routes, sinks.Deps{
				HTTPClient:   &http.Client{Timeout: cfg.Bus.DeliveryTimeout + time.Second},
				KafkaBrokers: cfg.Bus.KafkaBrokers,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().
				Str("version", version).
				Str("db", cfg.DBDriver).
				Int("processors", len(a.processors)).
				Int("subscribers", len(routes.Subscribers)).
				Msg("pipeline starting")
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}
