package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billsync/handler"
	"github.com/dmitrymomot/billsync/migrations"
	"github.com/dmitrymomot/billsync/modules/api"
	"github.com/dmitrymomot/billsync/pkg/billing"
	"github.com/dmitrymomot/billsync/pkg/clientip"
	"github.com/dmitrymomot/billsync/pkg/email"
	"github.com/dmitrymomot/billsync/pkg/events"
	"github.com/dmitrymomot/billsync/pkg/httpserver"
	"github.com/dmitrymomot/billsync/pkg/logger"
	"github.com/dmitrymomot/billsync/pkg/metrics"
	"github.com/dmitrymomot/billsync/pkg/pg"
	"github.com/dmitrymomot/billsync/pkg/queue"
	"github.com/dmitrymomot/billsync/pkg/ratelimiter"
	"github.com/dmitrymomot/billsync/pkg/redis"
	"github.com/dmitrymomot/billsync/pkg/requestid"
	"github.com/dmitrymomot/billsync/svc/checkout"
	"github.com/dmitrymomot/billsync/svc/entitlement"
	"github.com/dmitrymomot/billsync/svc/identity"
	"github.com/dmitrymomot/billsync/svc/ledger"
	"github.com/dmitrymomot/billsync/svc/plans"
	"github.com/dmitrymomot/billsync/svc/subscription"
	"github.com/dmitrymomot/billsync/svc/users"
	"github.com/dmitrymomot/billsync/svc/webhooks"
)

func main() {
	cfg, err := loadConfigs()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(
		logger.WithEnvironment(cfg.app.Env, cfg.app.ServiceName),
		logger.WithConfig(cfg.log),
		logger.WithContextExtractors(requestid.LoggerExtractor(), clientip.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("billsync stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg configs, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg.pg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrate(ctx, pool, cfg.pg, log); err != nil {
		return err
	}

	checks := []httpserver.Check{{Name: "postgres", Fn: pg.Healthcheck(pool)}}

	planOpts := []plans.ResolverOption{plans.WithLogger(log)}
	var limitStore ratelimiter.Store
	if cfg.redis.Enabled() {
		client, err := redis.Connect(ctx, cfg.redis)
		if err != nil {
			return err
		}
		defer client.Close()
		planOpts = append(planOpts, plans.WithCache(
			plans.NewRedisCache(redis.NewCache(client, cfg.redis.KeyPrefix), cfg.app.PlanCacheTTL),
		))
		limitStore = ratelimiter.NewRedisStore(client, cfg.redis.KeyPrefix)
		checks = append(checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(client)})
	} else {
		mem := ratelimiter.NewMemoryStore()
		defer mem.Close()
		limitStore = mem
	}

	m := metrics.New()

	publisher, err := events.New(cfg.events, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("failed to close event publisher", slog.String("error", err.Error()))
		}
	}()

	registry, err := billing.NewRegistryFromConfig(cfg.billing)
	if err != nil {
		return err
	}

	sender, err := email.New(cfg.email)
	if err != nil {
		return err
	}

	// Queue
	storage := queue.NewPGStorage(pool)
	enqueuer, err := queue.NewEnqueuer(storage)
	if err != nil {
		return err
	}

	// Services
	usersStore := users.NewPGStore(pool)
	subsStore := subscription.NewPGStore(pool)

	planStore := plans.NewPGStore(pool)
	planResolver := plans.NewResolver(planStore, planOpts...)
	if cfg.app.PlansCatalog != "" {
		catalog, err := plans.LoadCatalog(cfg.app.PlansCatalog)
		if err != nil {
			return err
		}
		if err := plans.Seed(ctx, planStore, planResolver, catalog); err != nil {
			return err
		}
		log.Info("plans catalog seeded", slog.Int("plans", len(catalog)))
	}

	identityResolver := identity.NewResolver(usersStore, enqueuer,
		identity.WithLogger(log),
		identity.WithBcryptCost(cfg.app.BcryptCost),
	)
	reconciler := subscription.NewReconciler(subsStore, usersStore, subscription.WithLogger(log))

	grantStore := entitlement.NewPGStore(pool)
	counters := entitlement.NewCounters(usersStore)
	grants := entitlement.NewGrants(grantStore, counters, identityResolver,
		entitlement.WithLogger(log),
		entitlement.WithPublisher(publisher),
		entitlement.WithMetrics(m),
	)
	sweeper := entitlement.NewSweeper(grantStore,
		entitlement.WithLogger(log),
		entitlement.WithPublisher(publisher),
		entitlement.WithMetrics(m),
	)

	webhookLedger := ledger.New(ledger.NewPGStore(pool),
		ledger.WithReclaimAfter(cfg.app.LedgerReclaim),
		ledger.WithLogger(log),
	)
	processor := webhooks.NewProcessor(registry, webhookLedger, identityResolver, planResolver, reconciler, grants,
		webhooks.WithLogger(log),
		webhooks.WithPublisher(publisher),
		webhooks.WithMetrics(m),
	)

	// Background jobs
	worker, err := queue.NewWorker(storage,
		queue.WithWorkerConfig(cfg.queue),
		queue.WithWorkerLogger(log),
	)
	if err != nil {
		return err
	}
	if err := worker.RegisterHandler(
		identity.NewWelcomeHandler(sender, cfg.identity),
		sweeper.Handler(),
		webhookLedger.MonitorHandler(),
	); err != nil {
		return err
	}

	scheduler, err := queue.NewScheduler(storage,
		queue.WithCheckInterval(cfg.queue.SchedulerInterval),
		queue.WithSchedulerLogger(log),
	)
	if err != nil {
		return err
	}
	if err := errors.Join(
		scheduler.AddTask(entitlement.SweepTaskName, queue.Every(cfg.app.SweepInterval), queue.DefaultQueueName, 0),
		scheduler.AddTask(ledger.MonitorTaskName, queue.Every(cfg.app.MonitorInterval), queue.DefaultQueueName, 0),
	); err != nil {
		return err
	}

	// HTTP
	errHandler := handler.NewErrorHandler(log, handler.WithClassifier(api.Classify))
	ips := clientip.New(cfg.app.ClientIPHeaders...)

	routes := api.RouterOptions{
		Webhooks:    api.NewWebhookService(processor, errHandler),
		Grants:      api.NewGrantService(cfg.app.ServiceSecret, grants, sweeper, errHandler),
		Middlewares: []func(http.Handler) http.Handler{ips.Middleware},
		Live:        httpserver.LivenessHandler(),
		Ready:       httpserver.ReadinessHandler(log, cfg.app.ReadinessTimeout, checks...),
		Metrics:     m.Handler(),
	}

	if cfg.limit.Enabled() {
		limiter, err := ratelimiter.NewBucket(limitStore, cfg.limit)
		if err != nil {
			return err
		}
		routes.RateLimit = ratelimiter.Middleware(limiter, ips.KeyFunc,
			ratelimiter.WithErrorResponder(api.RateLimitResponder),
			ratelimiter.WithFailOpen(),
			ratelimiter.WithLogger(log),
		)
	}

	gateway, err := checkout.NewGateway(cfg.checkout)
	if err != nil {
		log.Warn("checkout disabled", slog.String("gateway", cfg.checkout.Gateway), slog.String("error", err.Error()))
	} else {
		builder := checkout.NewBuilder(gateway, planResolver, subsStore,
			checkout.WithTimeout(cfg.checkout.GatewayTimeout),
			checkout.WithLogger(log),
			checkout.WithMetrics(m),
		)
		routes.Checkout = api.NewCheckoutService(builder, errHandler)
	}

	if cfg.app.ServiceSecret == "" {
		log.Warn("SERVICE_SECRET is not set, internal grant endpoints will reject every call")
	}

	server := httpserver.NewFromConfig(cfg.http, httpserver.WithLogger(log))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return server.Run(ctx, api.Router(routes)) })
	eg.Go(worker.Run(ctx))
	eg.Go(scheduler.Run(ctx))

	return eg.Wait()
}

func migrate(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	if cfg.MigrationsPath != "" {
		return pg.Migrate(ctx, pool, cfg, log)
	}
	return pg.MigrateFS(ctx, pool, cfg, migrations.FS, log)
}
