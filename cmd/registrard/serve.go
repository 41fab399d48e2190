package main

import (
	"context"
	"net/http"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/run"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/dig"

	"github.com/deedstack/registrar/internal/config"
	"github.com/deedstack/registrar/internal/dashboard"
	"github.com/deedstack/registrar/internal/property"
	"github.com/deedstack/registrar/internal/queue"
	"github.com/deedstack/registrar/internal/registration"
	"github.com/deedstack/registrar/internal/server"
)

func newServeCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the publish API, worker pool and dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*cfgFile)
		},
	}
}

func serve(cfgFile string) error {
	c := dig.New()

	constructors := []interface{}{
		func() (config.Config, error) { return config.Load(cfgFile) },
		func(cfg config.Config) log.Logger { return newLogger(cfg.Log.Level) },
		provideRedis,
		providePool,
		providePropertyStore,
		provideRegistrar,
		provideDriver,
		provideGauge,
		func() *queue.EventBus { return &queue.EventBus{} },
		provideHandler,
		provideQueue,
		provideServer,
		provideDashboard,
	}
	for _, ctor := range constructors {
		if err := c.Provide(ctor); err != nil {
			return err
		}
	}
	return c.Invoke(runGroup)
}

func provideRedis(cfg config.Config) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func providePool(cfg config.Config) (*pgxpool.Pool, error) {
	return pgxpool.New(context.Background(), cfg.Postgres.DSN)
}

func providePropertyStore(pool *pgxpool.Pool) property.Store {
	return property.NewPGStore(pool)
}

func provideRegistrar(cfg config.Config) registration.Registrar {
	return registration.NewHTTPRegistrar(cfg.Chain.GatewayURL, cfg.Chain.Timeout())
}

func provideDriver(cfg config.Config, client redis.UniversalClient, logger log.Logger) *queue.RedisDriver {
	return &queue.RedisDriver{
		Logger:            log.With(logger, "component", "queue"),
		RedisClient:       client,
		ChannelConfig:     queue.Channels(cfg.Queue.ChannelPrefix),
		VisibilityTimeout: cfg.Queue.VisibilityTimeout(),
		PopTimeout:        cfg.Queue.PopTimeout(),
	}
}

func provideGauge() metrics.Gauge {
	return kitprometheus.NewGaugeFrom(
		stdprometheus.GaugeOpts{
			Namespace: "registrar",
			Name:      "queue_length",
			Help:      "The number of registration jobs per queue channel",
		}, []string{"channel"},
	)
}

func provideHandler(reg registration.Registrar, store property.Store, logger log.Logger) *registration.Handler {
	return registration.NewHandler(reg, store, log.With(logger, "component", "registration"))
}

func provideQueue(cfg config.Config, driver *queue.RedisDriver, handler *registration.Handler, bus *queue.EventBus, gauge metrics.Gauge, logger log.Logger) *queue.Queue {
	return queue.NewQueue(driver, handler,
		queue.UseLogger(log.With(logger, "component", "worker")),
		queue.UseParallelism(cfg.Queue.Parallelism),
		queue.UseMaxAttempts(cfg.Queue.MaxAttempts),
		queue.UseBackoff(queue.Backoff{Base: cfg.Queue.BackoffBase(), Cap: cfg.Queue.BackoffCap()}),
		queue.UseHandleTimeout(cfg.Queue.HandleTimeout()),
		queue.UseGauge(gauge, cfg.Queue.CheckQueueLengthInterval()),
		queue.UseEventBus(bus),
	)
}

func provideServer(q *queue.Queue, store property.Store, logger log.Logger) *server.Server {
	return server.New(q, store, log.With(logger, "component", "api"))
}

func provideDashboard(driver *queue.RedisDriver, q *queue.Queue, store property.Store, logger log.Logger) *dashboard.Dashboard {
	return dashboard.New(driver, q, store, log.With(logger, "component", "dashboard"))
}

type runIn struct {
	dig.In

	Config    config.Config
	Logger    log.Logger
	Driver    *queue.RedisDriver
	Queue     *queue.Queue
	Bus       *queue.EventBus
	Store     property.Store
	Server    *server.Server
	Dashboard *dashboard.Dashboard
}

func runGroup(in runIn) error {
	registration.SubscribeStatusEvents(in.Bus, in.Store, in.Logger)

	var g run.Group

	apiSrv := &http.Server{Addr: in.Config.Server.Addr, Handler: in.Server.Routes()}
	g.Add(func() error {
		_ = level.Info(in.Logger).Log("msg", "publish API listening", "addr", in.Config.Server.Addr)
		return apiSrv.ListenAndServe()
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiSrv.Shutdown(ctx)
	})

	dashSrv := &http.Server{Addr: in.Config.Dashboard.Addr, Handler: in.Dashboard.Routes()}
	g.Add(func() error {
		_ = level.Info(in.Logger).Log("msg", "dashboard listening", "addr", in.Config.Dashboard.Addr)
		return dashSrv.ListenAndServe()
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dashSrv.Shutdown(ctx)
	})

	consumeCtx, cancelConsume := context.WithCancel(context.Background())
	g.Add(func() error {
		_ = level.Info(in.Logger).Log("msg", "worker pool starting", "parallelism", in.Config.Queue.Parallelism)
		return in.Queue.Consume(consumeCtx)
	}, func(err error) {
		cancelConsume()
	})

	// The sweeper also runs inside Pop; the scheduled run covers the case
	// where every consumer is busy or gone while leases expire.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(in.Config.Queue.SweepSpec, func() {
		if err := in.Driver.Sweep(context.Background()); err != nil {
			_ = level.Warn(in.Logger).Log("msg", "scheduled sweep failed", "err", err)
		}
	}); err != nil {
		return err
	}
	g.Add(func() error {
		sweeper.Run()
		return nil
	}, func(err error) {
		<-sweeper.Stop().Done()
	})

	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	err := g.Run()
	if _, ok := err.(run.SignalError); ok {
		_ = level.Info(in.Logger).Log("msg", "shutting down", "reason", err)
		return nil
	}
	return err
}
