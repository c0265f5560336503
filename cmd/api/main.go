package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ticketbooth/api/internal/handlers"
	"github.com/ticketbooth/api/internal/invoice"
	"github.com/ticketbooth/api/internal/payments"
	"github.com/ticketbooth/api/internal/platform/auth"
	"github.com/ticketbooth/api/internal/platform/config"
	pfirestore "github.com/ticketbooth/api/internal/platform/firestore"
	"github.com/ticketbooth/api/internal/platform/idempotency"
	"github.com/ticketbooth/api/internal/platform/jobs"
	"github.com/ticketbooth/api/internal/platform/mail"
	"github.com/ticketbooth/api/internal/platform/metrics"
	"github.com/ticketbooth/api/internal/platform/observability"
	"github.com/ticketbooth/api/internal/platform/secrets"
	platformstorage "github.com/ticketbooth/api/internal/platform/storage"
	"github.com/ticketbooth/api/internal/repositories"
	firestoreRepo "github.com/ticketbooth/api/internal/repositories/firestore"
	"github.com/ticketbooth/api/internal/services"
)

func main() {
	ctx := context.Background()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(firstNonEmpty(envValues["API_LOG_LEVEL"], envValues["LOG_LEVEL"]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Payment.SignatureKey", "Mail.Password"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	location, err := time.LoadLocation(cfg.Orders.TimeZone)
	if err != nil {
		logger.Fatal("invalid time zone", zap.String("timeZone", cfg.Orders.TimeZone), zap.Error(err))
	}

	recorder := metrics.New()
	eventLogger := observability.EventLogger(logger.Named("orders"))

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	repos, err := newRepositories(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()
	archive, err := newInvoiceArchive(storageClient, cfg.Storage)
	if err != nil {
		logger.Fatal("failed to initialise invoice archive", zap.Error(err))
	}

	gateway, err := payments.NewClient(cfg.Payment,
		payments.WithObserver(recorder.ObserveGateway),
		payments.WithLogger(observability.EventLogger(logger.Named("payments"))),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	mailer, err := mail.NewSMTPSender(cfg.Mail)
	if err != nil {
		logger.Fatal("failed to initialise mail sender", zap.Error(err))
	}

	renderer, err := invoice.NewRenderer(invoice.Options{
		SellerName: cfg.Invoice.SellerName,
		Currency:   cfg.Payment.Currency,
		VAT:        cfg.Invoice.VAT,
		Location:   location,
		Watermark:  cfg.Invoice.Watermark,
	})
	if err != nil {
		logger.Fatal("failed to initialise invoice renderer", zap.Error(err))
	}

	var events services.OrderEventPublisher
	var pubsubTopic *pubsub.Topic
	if topicName := strings.TrimSpace(cfg.PubSub.Topic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, pubsubProjectID(cfg))
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		pubsubTopic = pubsubClient.Topic(topicName)
		publisher, err := jobs.NewPubSubOrderEventPublisher(pubsubTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		events = publisher
	}

	ledger, err := services.NewInventoryLedger(services.InventoryLedgerDeps{
		Tickets:   repos.tickets,
		Coupons:   repos.coupons,
		Workshops: repos.workshops,
		Holds:     repos.orders,
		Logger:    eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise inventory ledger", zap.Error(err))
	}
	coupons, err := services.NewCouponValidator(repos.coupons)
	if err != nil {
		logger.Fatal("failed to initialise coupon validator", zap.Error(err))
	}
	assembler, err := services.NewOrderAssembler(services.OrderAssemblerDeps{
		Orders:    repos.orders,
		Workshops: repos.workshops,
		Ledger:    ledger,
		Coupons:   coupons,
		Events:    events,
		Metrics:   recorder,
		Logger:    eventLogger,
		Hold:      cfg.Orders.Hold,
	})
	if err != nil {
		logger.Fatal("failed to initialise order assembler", zap.Error(err))
	}
	pipeline, err := services.NewInvoicePipeline(services.InvoicePipelineDeps{
		Renderer:   renderer,
		Mailer:     mailer,
		Archive:    archive,
		Orders:     repos.orders,
		WorkDir:    cfg.Invoice.WorkDir,
		SellerName: cfg.Invoice.SellerName,
		Location:   location,
		Metrics:    recorder,
		Logger:     eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise invoice pipeline", zap.Error(err))
	}
	settlement, err := services.NewSettlementReconciler(services.SettlementReconcilerDeps{
		Orders:   repos.orders,
		Ledger:   ledger,
		Gateway:  gateway,
		Invoices: pipeline,
		Events:   events,
		Metrics:  recorder,
		Logger:   eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise settlement reconciler", zap.Error(err))
	}
	queries, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{
		Orders:  repos.orders,
		Archive: archive,
	})
	if err != nil {
		logger.Fatal("failed to initialise order queries", zap.Error(err))
	}
	reports, err := services.NewReportService(services.ReportServiceDeps{
		Orders:    repos.orders,
		Workshops: repos.workshops,
		Raffle:    repos.raffle,
		Logger:    eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise report service", zap.Error(err))
	}

	idempotencyStore, redisClient, err := newIdempotencyStore(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	probe, err := repositories.NewDependencyProbe(readinessChecks(cfg, firestoreProvider, storageClient, redisClient, pubsubTopic))
	if err != nil {
		logger.Fatal("failed to initialise readiness probe", zap.Error(err))
	}

	orderHandlers := handlers.NewOrderHandlers(assembler, settlement,
		handlers.WithCreateOrderMiddlewares(idempotencyMiddleware),
		handlers.WithCheckoutRateLimit(cfg.Orders.CheckoutRateLimit, nil),
	)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, queries, reports, settlement)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithReadinessProbe(probe),
		handlers.WithHealthBuildInfo(handlers.BuildInfo{
			Version:     firstNonEmpty(envValues["API_BUILD_VERSION"], "dev"),
			CommitSHA:   envValues["API_BUILD_COMMIT_SHA"],
			Environment: cfg.Environment,
		}),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RequestLoggerMiddleware(logger.Named("http"), recorder.ObserveHTTP),
			observability.RecoveryMiddleware(logger.Named("http")),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMetricsHandler(recorder.Handler()),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	if cfg.Sweeper.Enabled {
		sweeper, err := services.NewExpirySweeper(services.ExpirySweeperDeps{
			Orders:    repos.orders,
			Interval:  cfg.Sweeper.Interval,
			BatchSize: cfg.Sweeper.BatchSize,
			Metrics:   recorder,
			Logger:    observability.EventLogger(logger.Named("sweeper")),
		})
		if err != nil {
			logger.Fatal("failed to initialise expiry sweeper", zap.Error(err))
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			sweeper.Run(workerCtx)
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("ticketing api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	workerCancel()
	workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if pubsubTopic != nil {
		pubsubTopic.Stop()
	}
}

type repositorySet struct {
	tickets   *firestoreRepo.TicketRepository
	coupons   *firestoreRepo.CouponRepository
	workshops *firestoreRepo.WorkshopRepository
	raffle    *firestoreRepo.RaffleRepository
	orders    *firestoreRepo.OrderRepository
}

func newRepositories(provider *pfirestore.Provider) (repositorySet, error) {
	var (
		set repositorySet
		err error
	)
	if set.tickets, err = firestoreRepo.NewTicketRepository(provider); err != nil {
		return set, err
	}
	if set.coupons, err = firestoreRepo.NewCouponRepository(provider); err != nil {
		return set, err
	}
	if set.workshops, err = firestoreRepo.NewWorkshopRepository(provider); err != nil {
		return set, err
	}
	if set.raffle, err = firestoreRepo.NewRaffleRepository(provider); err != nil {
		return set, err
	}
	if set.orders, err = firestoreRepo.NewOrderRepository(provider); err != nil {
		return set, err
	}
	return set, nil
}

func newInvoiceArchive(client *cloudstorage.Client, cfg config.StorageConfig) (*platformstorage.Archive, error) {
	opts := []platformstorage.ArchiveOption{platformstorage.WithSignedURLTTL(cfg.SignedURLExpiry)}
	if path := strings.TrimSpace(cfg.SignerCredentialsFile); path != "" {
		signer, err := platformstorage.NewServiceAccountSignerFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load storage signer: %w", err)
		}
		opts = append(opts, platformstorage.WithSigner(signer))
	}
	return platformstorage.NewArchive(client, cfg.InvoiceBucket, opts...)
}

// newIdempotencyStore prefers Redis so replays survive restarts and span instances.
func newIdempotencyStore(cfg config.RedisConfig) (idempotency.Store, *redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return idempotency.NewMemoryStore(), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	store, err := idempotency.NewRedisStore(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client, nil
}

func readinessChecks(cfg config.Config, provider *pfirestore.Provider, storageClient *cloudstorage.Client, redisClient *redis.Client, topic *pubsub.Topic) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{
		{Name: "firestore", Check: provider.Ping},
		{Name: "storage", Check: func(ctx context.Context) error {
			_, err := storageClient.Bucket(cfg.Storage.InvoiceBucket).Attrs(ctx)
			return err
		}},
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "pubsub", Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s does not exist", topic.ID())
			}
			return nil
		}})
	}
	return checks
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project := firstNonEmpty(lookup("API_SECRET_DEFAULT_PROJECT_ID"), lookup("API_FIREBASE_PROJECT_ID")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func pubsubProjectID(cfg config.Config) string {
	return firstNonEmpty(cfg.PubSub.ProjectID, cfg.Firestore.ProjectID, cfg.Firebase.ProjectID)
}

func traceProjectID(cfg config.Config) string {
	return firstNonEmpty(cfg.Firebase.ProjectID, cfg.Firestore.ProjectID)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
