package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/alarm"
	"github.com/tbourn/go-event-pipeline/internal/bus"
	"github.com/tbourn/go-event-pipeline/internal/config"
	"github.com/tbourn/go-event-pipeline/internal/domain"
	httpapi "github.com/tbourn/go-event-pipeline/internal/http"
	"github.com/tbourn/go-event-pipeline/internal/ledger"
	"github.com/tbourn/go-event-pipeline/internal/pipeline"
	"github.com/tbourn/go-event-pipeline/internal/queue"
	"github.com/tbourn/go-event-pipeline/internal/repo"
	"github.com/tbourn/go-event-pipeline/internal/services"
	"github.com/tbourn/go-event-pipeline/internal/sinks"
)

// openDB connects to the configured store and migrates it.
func openDB(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBDriver, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func queueOptions(cfg config.Config) queue.Options {
	return queue.Options{PollTimeout: cfg.Queue.PollTimeout, PollInterval: cfg.Queue.PollInterval}
}

func retryPolicy(r config.RetryConfig) pipeline.Policy {
	return pipeline.Policy{
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		MaxAttempts: r.MaxAttempts,
		Jitter:      r.Jitter,
		Rand:        pipeline.LockedRand(time.Now().UnixNano()),
	}
}

// buildLedger stacks the in-process cache and the optional Redis front on
// top of the SQL ledger.
func buildLedger(db *gorm.DB, lc config.LedgerConfig) (ledger.Ledger, io.Closer) {
	var l ledger.Ledger = ledger.NewSQL(db)
	if lc.CacheTTL > 0 {
		l = ledger.NewCached(l, lc.CacheTTL)
	}
	if lc.RedisAddr == "" {
		return l, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     lc.RedisAddr,
		Password: lc.RedisPassword,
		DB:       lc.RedisDB,
	})
	log.Info().Str("addr", lc.RedisAddr).Msg("ledger redis front enabled")
	return ledger.NewRedis(l, rdb, lc.RedisPrefix), rdb
}

// app is a fully wired pipeline: intake, processors, the event bus and its
// dispatchers, housekeeping loops and the HTTP server.
type app struct {
	cfg        config.Config
	db         *gorm.DB
	set        *queue.Set
	dlq        *queue.DeadLetters
	bus        *bus.Bus
	processors []*pipeline.Processor
	sup        pipeline.Supervisor
	handler    http.Handler
	closers    []io.Closer
}

// newApp wires every component on db. routes is the subscriber table.
func newApp(cfg config.Config, db *gorm.DB, routes bus.Routes, sinkDeps sinks.Deps) (*app, error) {
	a := &app{cfg: cfg, db: db}
	qopts := queueOptions(cfg)
	a.set = queue.NewSet(db, qopts)
	a.dlq = queue.NewDeadLetters(db, qopts)

	led, lc := buildLedger(db, cfg.Ledger)
	a.closers = append(a.closers, lc)

	hooks := alarm.Multi{alarm.LogHook{}}
	if smtp := cfg.Alarm.SMTP; smtp.Host != "" && len(smtp.To) > 0 {
		mh := alarm.NewSMTPHook(smtp.Host, smtp.Port, smtp.Username, smtp.Password, alarm.MailConfig{
			From: smtp.From,
			To:   smtp.To,
		})
		hooks = append(hooks, mh)
		a.sup.Add("alarm-mail", mh)
	}

	a.bus = bus.New(db, nil)
	closer, err := sinks.Wire(a.bus, routes, sinkDeps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closer)

	policy := retryPolicy(cfg.Retry)
	registry := services.NewRegistry()
	monitor := &alarm.Monitor{
		Rates: make(map[string]alarm.RateSource),
		Thresholds: alarm.Thresholds{
			QueueDepth: cfg.Alarm.QueueDepth,
			DLQDepth:   cfg.Alarm.DLQDepth,
			ErrorRate:  cfg.Alarm.ErrorRate,
			MinSamples: cfg.Alarm.MinSamples,
		},
		Hook:     hooks,
		Interval: cfg.Alarm.Interval,
		Observe: func(q string, depth, dlq int64) {
			pipeline.QueueDepth.WithLabelValues(q).Set(float64(depth))
			pipeline.DLQDepth.WithLabelValues(q).Set(float64(dlq))
		},
	}

	for _, name := range a.set.Names() {
		e, op, err := domain.ParseQueueName(name)
		if err != nil {
			a.Close()
			return nil, err
		}
		q, err := a.set.Get(e, op)
		if err != nil {
			a.Close()
			return nil, err
		}
		p := pipeline.NewProcessor(pipeline.Deps{
			DB:        db,
			Queue:     q,
			Ledger:    led,
			Mutator:   registry,
			Publisher: a.bus,
			Hook:      hooks,
		}, pipeline.Config{
			Workers:    cfg.Queue.Workers(e),
			BatchSize:  cfg.Queue.BatchSize,
			Visibility: cfg.Queue.Visibility,
			Grace:      cfg.Queue.ShutdownGrace,
			Policy:     policy,
			LedgerTTL:  policy.LedgerTTL(cfg.Ledger.TTLMargin),
			IdlePause:  cfg.Queue.PollInterval,
		})
		a.processors = append(a.processors, p)
		a.sup.Add("processor:"+name, p)
		monitor.Queues = append(monitor.Queues, q)
		monitor.Rates[name] = p
	}

	base := bus.DispatcherOptions{
		Policy:       policy,
		Timeout:      cfg.Bus.DeliveryTimeout,
		PollInterval: cfg.Bus.DispatchInterval,
		BatchSize:    cfg.Bus.DispatchBatch,
		Hook:         hooks,
	}
	for _, d := range bus.Dispatchers(db, a.bus, base, routes.Tune) {
		a.sup.Add("dispatcher:"+d.Subscriber(), d)
	}

	a.sup.Add("alarm-monitor", monitor)
	a.sup.Add("ledger-janitor", &ledger.Janitor{Ledger: led, Interval: cfg.Ledger.JanitorInterval})

	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{Intake: a.set, DLQ: a.dlq, Ready: a.ready}, cfg)
	a.handler = engine
	return a, nil
}

func (a *app) ready(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// serveHTTP runs srv until ctx ends, then drains it within grace.
func serveHTTP(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}

// Run starts the HTTP server and every background runner and blocks until
// ctx is cancelled or one of them fails.
func (a *app) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.handler,
		ReadTimeout:       a.cfg.ReadTimeout,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}
	a.sup.Add("http", pipeline.RunFunc(func(ctx context.Context) error {
		return serveHTTP(ctx, srv, a.cfg.Queue.ShutdownGrace)
	}))
	return a.sup.Run(ctx)
}

// Close releases sink writers and the Redis client.
func (a *app) Close() {
	for _, c := range a.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}

// loadRoutes reads the routing table, or logs every event when none is set.
func loadRoutes(path string) (bus.Routes, error) {
	if path == "" {
		return bus.Routes{Subscribers: []bus.Route{{
			Name:     "event-log",
			Kind:     bus.KindLog,
			Patterns: []bus.Pattern{{}},
		}}}, nil
	}
	return bus.LoadRoutes(path)
}
