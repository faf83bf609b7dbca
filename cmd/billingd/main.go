package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	billingapi "github.com/dmitrymomot/streamkit/modules/billing"
	"github.com/dmitrymomot/streamkit/pkg/billing"
	"github.com/dmitrymomot/streamkit/pkg/config"
	"github.com/dmitrymomot/streamkit/pkg/email"
	"github.com/dmitrymomot/streamkit/pkg/entitlement"
	"github.com/dmitrymomot/streamkit/pkg/httpserver"
	"github.com/dmitrymomot/streamkit/pkg/logger"
	"github.com/dmitrymomot/streamkit/pkg/notifier"
	"github.com/dmitrymomot/streamkit/pkg/pg"
	"github.com/dmitrymomot/streamkit/pkg/queue"
	"github.com/dmitrymomot/streamkit/pkg/reconcile"
	"github.com/dmitrymomot/streamkit/pkg/redis"
	"github.com/dmitrymomot/streamkit/pkg/requestid"
)

type appConfig struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingd"`

	// Provider selects the active payment provider ("stripe" or "paddle").
	// Webhooks for the other provider are rejected with 404.
	Provider string `env:"BILLING_PROVIDER" envDefault:"stripe"`

	PlanCatalogPath string `env:"BILLING_PLAN_CATALOG" envDefault:"configs/plans.yaml"`

	// EmailDelivery switches notification delivery: "log" writes intents to
	// the application log, "postmark" renders provider-side templates.
	EmailDelivery string `env:"EMAIL_DELIVERY" envDefault:"log"`

	// UserIDHeader names the trusted header the API gateway sets after
	// authenticating the request.
	UserIDHeader string `env:"USER_ID_HEADER" envDefault:"X-User-ID"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithEnvironment(cfg.AppEnv, cfg.ServiceName),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var redisCfg redis.Config
	config.MustLoad(&redisCfg)
	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	catalog, err := billing.NewCatalog(ctx, billing.YAMLPlanSource{Path: cfg.PlanCatalogPath})
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg.Provider)
	if err != nil {
		return err
	}

	store := billing.NewPGStore(pool)

	taskStore, err := queue.NewPGStorage(pool)
	if err != nil {
		return fmt.Errorf("queue storage: %w", err)
	}
	enqueuer, err := queue.NewEnqueuer(taskStore)
	if err != nil {
		return fmt.Errorf("enqueuer: %w", err)
	}

	dispatcher := notifier.NewDispatcher(enqueuer, notifier.WithDispatcherLogger(log))
	deliverer, err := buildDeliverer(cfg.EmailDelivery, pool, log)
	if err != nil {
		return err
	}

	processor := billing.NewProcessor(store, provider, catalog, dispatcher,
		billing.WithLogger(log))
	service := billing.NewService(store, provider, catalog,
		billing.WithServiceLogger(log))
	access := entitlement.NewResolver(service, catalog,
		entitlement.WithResolverLogger(log))

	sweeper := reconcile.NewSweeper(store, dispatcher,
		reconcile.NewRedisWatermarkStore(rdb),
		reconcile.WithSweeperLogger(log))

	worker, err := queue.NewWorker(taskStore, queue.WithWorkerLogger(log))
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	worker.RegisterHandlers(notifier.NewDeliveryHandler(deliverer))
	worker.RegisterHandlers(sweeper.Handlers()...)

	scheduler, err := queue.NewScheduler(taskStore, queue.WithSchedulerLogger(log))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := sweeper.RegisterSchedules(scheduler); err != nil {
		return fmt.Errorf("schedules: %w", err)
	}

	router := chi.NewRouter()
	router.Use(requestid.Middleware)
	router.Get("/health", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool),
		redis.Healthcheck(rdb),
	))
	router.Mount("/v1", billingapi.Router(billingapi.RouterOptions{
		Providers: []billing.Provider{provider},
		Processor: processor,
		Service:   service,
		Access:    access,
		User:      headerUserResolver(cfg.UserIDHeader),
		Log:       log,
	}))

	var srvCfg httpserver.Config
	config.MustLoad(&srvCfg)
	srv := httpserver.NewFromConfig(srvCfg, httpserver.WithLogger(log))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(worker.Run(ctx))
	g.Go(scheduler.Run(ctx))
	g.Go(func() error { return srv.Run(ctx, router) })

	return g.Wait()
}

func buildProvider(name string) (billing.Provider, error) {
	switch name {
	case "stripe":
		var cfg billing.StripeConfig
		config.MustLoad(&cfg)
		return billing.NewStripeProvider(cfg)
	case "paddle":
		var cfg billing.PaddleConfig
		config.MustLoad(&cfg)
		return billing.NewPaddleProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown billing provider %q", name)
	}
}

func buildDeliverer(mode string, pool *pgxpool.Pool, log *slog.Logger) (notifier.Deliverer, error) {
	switch mode {
	case "log":
		return notifier.NewLogDeliverer(log), nil
	case "postmark":
		var cfg email.Config
		config.MustLoad(&cfg)
		sender, err := email.NewPostmarkClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("postmark: %w", err)
		}
		return notifier.NewEmailDeliverer(sender, pgAddressResolver{pool: pool},
			notifier.WithEmailLogger(log)), nil
	default:
		return nil, fmt.Errorf("unknown email delivery mode %q", mode)
	}
}

// headerUserResolver trusts the user ID header set by the authenticating
// gateway in front of this service.
func headerUserResolver(header string) billingapi.UserResolver {
	return func(r *http.Request) (uuid.UUID, error) {
		raw := r.Header.Get(header)
		if raw == "" {
			return uuid.Nil, fmt.Errorf("missing %s header", header)
		}
		return uuid.Parse(raw)
	}
}

// pgAddressResolver looks up recipient addresses in the host application's
// users table.
type pgAddressResolver struct {
	pool *pgxpool.Pool
}

func (r pgAddressResolver) EmailByUserID(ctx context.Context, userID uuid.UUID) (string, error) {
	var addr string
	err := r.pool.QueryRow(ctx, "SELECT email FROM users WHERE id = $1", userID).Scan(&addr)
	if pg.IsNotFoundError(err) {
		return "", notifier.ErrRecipientNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve recipient address: %w", err)
	}
	return addr, nil
}
