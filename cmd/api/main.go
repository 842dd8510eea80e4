package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/iago/docflow/internal/ai"
	"github.com/iago/docflow/internal/cache"
	"github.com/iago/docflow/internal/config"
	"github.com/iago/docflow/internal/docstore"
	"github.com/iago/docflow/internal/extract"
	httpserver "github.com/iago/docflow/internal/http"
	"github.com/iago/docflow/internal/http/handlers"
	"github.com/iago/docflow/internal/http/middleware"
	"github.com/iago/docflow/internal/notify"
	"github.com/iago/docflow/internal/queue"
	"github.com/iago/docflow/internal/repository"
	"github.com/iago/docflow/internal/scheduler"
	"github.com/iago/docflow/internal/service"
	"github.com/iago/docflow/internal/worker"
)

func main() {
	loaded, envErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()
	if envErr != nil {
		logger.Warnw("failed loading .env files", "error", envErr)
	}
	if len(loaded) > 0 {
		logger.Infow("environment files loaded", "files", loaded)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalw("configuration rejected", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := setupRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	store, storeCloser := setupRepository(ctx, cfg, logger)
	defer storeCloser()

	analyses, analysesCloser := setupDocstore(ctx, cfg, logger)
	defer analysesCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, redisClient, logger)
	defer queueCloser()

	hub := notify.NewHub(logger.Named("notify"))
	if cfg.NotifyRelayEnabled && redisClient != nil {
		relay := notify.NewRedisRelay(redisClient, cfg.NotifyRelayChannel, hub, logger.Named("relay"))
		hub.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("notification relay stopped", "error", err)
			}
		}()
		logger.Infow("notification relay enabled", "channel", cfg.NotifyRelayChannel)
	}

	analyzer, err := setupAnalyzer(cfg, redisClient, logger)
	if err != nil {
		logger.Fatalw("failed to build analyzer", "error", err)
	}
	if !analyzer.Available() {
		logger.Warnw("no AI provider credential configured, analysis returns placeholders", "provider", cfg.AIProvider)
	}

	extractor := extract.NewFileExtractor(extract.Config{
		PDFToTextBin: cfg.PDFToTextBin,
		TesseractBin: cfg.TesseractBin,
		OCRLanguage:  cfg.OCRLanguage,
	}, logger.Named("extract"))

	documents := worker.NewDocumentProcessor(store, extractor, analyzer, analyses, hub, logger.Named("documents"))
	workflowRunner := worker.NewWorkflowRunner(store, documents, hub, logger.Named("workflows"))
	jobRunner := worker.NewJobRunner(worker.JobRunnerDependencies{
		Jobs:      store,
		Producer:  producer,
		Documents: documents,
		Workflows: workflowRunner,
		Notifier:  hub,
		Logger:    logger.Named("jobs"),
	})

	documentsService := service.NewDocumentsService(store, analyses, jobRunner, service.DocumentsConfig{
		UploadDir:        cfg.UploadDir,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		AllowedMimeTypes: append(append([]string(nil), service.DefaultAllowedMimeTypes...), cfg.ExtraMimeTypes...),
		OrganizationID:   cfg.DefaultOrgID,
		UserID:           cfg.DefaultUserID,
	}, logger.Named("documents"))
	workflowsService := service.NewWorkflowsService(store, producer, cfg.DefaultOrgID, logger.Named("workflows"))

	if cfg.WorkflowsFile != "" {
		seeded, err := workflowsService.SeedFromFile(ctx, cfg.WorkflowsFile)
		if err != nil {
			logger.Errorw("failed to seed workflows", "file", cfg.WorkflowsFile, "error", err)
		} else {
			logger.Infow("workflows seeded", "file", cfg.WorkflowsFile, "created", seeded)
		}
	}

	if cfg.SchedulerEnable {
		cronScheduler := scheduler.New(store, producer, jobRunner, scheduler.Config{
			RefreshInterval: cfg.ScheduleRefresh,
			MaintenanceSpec: cfg.MaintenanceCron,
			JobRetention:    cfg.JobRetention,
		}, logger.Named("scheduler"))
		if err := cronScheduler.Start(ctx); err != nil {
			logger.Errorw("scheduler failed to start", "error", err)
		} else {
			logger.Infow("scheduler started", "workflows", len(cronScheduler.Registered()))
		}
	}

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RPS:         cfg.RateLimitRPS,
		Burst:       cfg.RateLimitBurst,
		ExemptPaths: []string{"/health"},
	})
	go rateLimiter.Run(ctx)

	api := handlers.NewAPI(handlers.APIDependencies{
		Documents: documentsService,
		Workflows: workflowsService,
		Jobs:      jobRunner,
		Hub:       hub,
		WebSocket: notify.NewWebSocketHandler(hub, notify.WebSocketConfig{
			SendBuffer:     cfg.WebSocketSendBuffer,
			AllowedOrigins: cfg.CORSAllowedOrigins,
		}, logger.Named("websocket")),
		Logger:         logger.Named("api"),
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:         api,
		Logger:      logger.Named("http"),
		AuthToken:   cfg.AuthToken,
		CORSOrigins: cfg.CORSAllowedOrigins,
		RateLimiter: rateLimiter,
	})

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, jobRunner, workflowRunner, cfg.WorkerPoolSize, logger.Named("processor"))
		go processor.Start(ctx)
		logger.Infow("worker enabled and started", "concurrency", cfg.WorkerPoolSize)
	} else {
		logger.Infow("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Infow("api listening", "port", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("graceful shutdown failed", "error", err)
	}
}

func newLogger(cfg config.Config) *zap.SugaredLogger {
	zapCfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		logger = zap.NewExample()
	}
	return logger.Sugar().Named("docflow")
}

func setupRedis(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warnw("redis unreachable, falling back to in-process backends", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return nil
	}
	logger.Infow("redis connected", "addr", cfg.RedisAddr)
	return client
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger *zap.SugaredLogger,
) (repository.Store, func()) {
	switch {
	case cfg.DatabaseURL != "":
		pgStore, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Errorw("failed to initialize postgres repository, fallback to memory", "error", err)
			return repository.NewMemoryStore(), func() {}
		}
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Fatalw("postgres schema migration failed", "error", err)
		}
		logger.Infow("postgres repository initialized")
		return pgStore, func() { _ = pgStore.Close() }
	case cfg.SQLitePath != "":
		sqliteStore, err := repository.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Errorw("failed to open sqlite repository, fallback to memory", "path", cfg.SQLitePath, "error", err)
			return repository.NewMemoryStore(), func() {}
		}
		logger.Infow("sqlite repository initialized", "path", cfg.SQLitePath)
		return sqliteStore, func() { _ = sqliteStore.Close() }
	default:
		logger.Infow("no database configured, using in-memory repository")
		return repository.NewMemoryStore(), func() {}
	}
}

func setupDocstore(
	ctx context.Context,
	cfg config.Config,
	logger *zap.SugaredLogger,
) (docstore.AnalysisStore, func()) {
	if cfg.MongoURL == "" {
		logger.Infow("MONGODB_URL not configured, keeping analyses in memory")
		return docstore.NewMemoryStore(), func() {}
	}
	mongoStore, err := docstore.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		logger.Errorw("failed to initialize mongo document store, fallback to memory", "error", err)
		return docstore.NewMemoryStore(), func() {}
	}
	logger.Infow("mongo document store initialized", "database", cfg.MongoDatabase)
	return mongoStore, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoStore.Close(closeCtx)
	}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	redisClient *redis.Client,
	logger *zap.SugaredLogger,
) (queue.Producer, queue.Consumer, func()) {
	policy := queue.RetryPolicy{MaxRetries: cfg.QueueMaxRetries, Backoff: cfg.QueueRetryBackoff}
	if cfg.QueueMaxRetries == 0 {
		policy.MaxRetries = -1
	}

	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
	)
	if redisClient == nil {
		logger.Infow("redis not available, using local queue")
		local := queue.NewLocalQueue(512, policy, logger.Named("queue"))
		baseProducer = local
		consumer = local
	} else {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Client:    redisClient,
			Stream:    cfg.RedisStream,
			DLQStream: cfg.RedisDLQ,
			Group:     cfg.RedisGroup,
			Consumer:  cfg.RedisConsumer,
			Retry:     policy,
			Logger:    logger.Named("queue"),
		})
		if err != nil {
			logger.Errorw("failed to initialize redis streams queue, fallback to local", "error", err)
			local := queue.NewLocalQueue(512, policy, logger.Named("queue"))
			baseProducer = local
			consumer = local
		} else {
			logger.Infow("redis streams queue initialized", "stream", cfg.RedisStream)
			baseProducer = streams
			consumer = streams
		}
	}

	if !cfg.QueueBatchingEnabled {
		return baseProducer, consumer, func() {}
	}
	batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
		MaxBatchSize:       cfg.QueueBatchSize,
		FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
		FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
		QueueCapacity:      cfg.QueueBatchQueueCapacity,
		MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		Logger:             logger,
	})
	logger.Infow("queue batching enabled",
		"size", cfg.QueueBatchSize,
		"flush_ms", cfg.QueueBatchFlushMS,
		"queue_capacity", cfg.QueueBatchQueueCapacity,
		"max_in_flight", cfg.QueueBatchMaxInFlight,
	)
	return batching, consumer, batching.Close
}

func setupAnalyzer(cfg config.Config, redisClient *redis.Client, logger *zap.SugaredLogger) (*ai.Analyzer, error) {
	timeout := time.Duration(cfg.OpenAITimeoutMS) * time.Millisecond

	var client ai.TextGenerator
	switch cfg.AIProvider {
	case "openrouter":
		if cfg.OpenRouterAPIKey != "" {
			client = ai.NewOpenRouterClient(ai.OpenRouterClientConfig{
				APIKey:     cfg.OpenRouterAPIKey,
				BaseURL:    cfg.OpenRouterBaseURL,
				Timeout:    timeout,
				MaxRetries: cfg.OpenAIMaxRetries,
				SiteURL:    cfg.OpenRouterSiteURL,
				AppName:    cfg.OpenRouterAppName,
			})
		}
	default:
		if cfg.OpenAIAPIKey != "" {
			client = ai.NewOpenAIClient(ai.OpenAIClientConfig{
				APIKey:       cfg.OpenAIAPIKey,
				BaseURL:      cfg.OpenAIBaseURL,
				Timeout:      timeout,
				MaxRetries:   cfg.OpenAIMaxRetries,
				Organization: cfg.OpenAIOrganization,
			})
		}
	}

	ttl := time.Duration(cfg.AICacheTTLSeconds) * time.Second
	var resultCache cache.ResultCache
	if cfg.AICacheBackend == "redis" && redisClient != nil {
		resultCache = cache.NewRedisCache(redisClient, "docflow:ai:", ttl, logger.Named("cache"))
	} else {
		resultCache = cache.NewMemoryCache(cache.Config{TTL: ttl, MaxEntries: cfg.AICacheMaxEntries})
	}

	return ai.NewAnalyzer(ai.AnalyzerDependencies{
		Client: client,
		Router: ai.NewModelRouter(ai.ModelRouterConfig{
			Primary:             cfg.AIModelPrimary,
			Fallback:            cfg.AIModelFallback,
			SummaryModel:        cfg.AIModelSummary,
			CategorizationModel: cfg.AIModelCategorize,
			InsightsModel:       cfg.AIModelInsights,
			TagsModel:           cfg.AIModelTags,
		}),
		Cache:   resultCache,
		Limiter: rate.NewLimiter(rate.Limit(cfg.AIRateLimitRPS), cfg.AIRateLimitBurst),
		Logger:  logger.Named("ai"),
	})
}
