package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kora/internal/app/sessions"
	"kora/internal/chain"
	"kora/internal/config"
	"kora/internal/currency"
	"kora/internal/expiry"
	sessions_http "kora/internal/handler/http/sessions"
	kafka_handler "kora/internal/handler/kafka"
	"kora/internal/infrastructure/database"
	kafka_infra "kora/internal/infrastructure/kafka"
	"kora/internal/metrics"
	"kora/internal/repository/session_repo"
	"kora/internal/repository/session_repo/memory"
	"kora/internal/repository/session_repo/postgres"
	"kora/internal/util"
	"kora/internal/validation"
	"kora/internal/webhook"
)

func ensureKafkaTopics(ctx context.Context, brokerURLs []string, topics []string, logger *zap.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", brokerURLs[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker for admin operations: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfigs := make([]kafka.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}
	}

	if err := controllerConn.CreateTopics(topicConfigs...); err != nil {
		if errors.Is(err, kafka.TopicAlreadyExists) {
			logger.Info("One or more Kafka topics already exist, skipping creation.")
			return nil
		}
		return fmt.Errorf("failed to create Kafka topics: %w", err)
	}
	logger.Info("Kafka topics ensured successfully.", zap.Strings("topics", topics))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	return zapConfig.Build()
}

// openPostgres waits for the database, then applies pending migrations.
func openPostgres(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	dbConfig := database.DBConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.Name,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	var (
		db  *sql.DB
		err error
	)
	maxRetries := 10
	retryDelay := 5 * time.Second

	logger.Info("Waiting for database to be available...")
	for i := 0; i < maxRetries; i++ {
		db, err = database.NewPostgresDB(dbConfig)
		if err == nil {
			logger.Info("Successfully connected to PostgreSQL database!")
			break
		}
		logger.Warn("Failed to connect to database, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_in", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	if db == nil {
		return nil, fmt.Errorf("could not connect to database after %d attempts: %w", maxRetries, err)
	}

	logger.Info("Running database migrations...", zap.String("source", cfg.MigrationsPath))
	m, err := migrate.New(cfg.MigrationsPath, cfg.GetDBMigrationConnectionString())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations completed successfully (or no new migrations).")
	return db, nil
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Kora payment session service starting...", zap.String("store", cfg.StoreDriver))

	tokens, err := cfg.LoadTokens()
	if err != nil {
		appLogger.Fatal("Failed to load settlement tokens", zap.Error(err))
	}
	whitelist, err := currency.NewWhitelist(tokens)
	if err != nil {
		appLogger.Fatal("Invalid settlement token table", zap.Error(err))
	}
	appLogger.Info("Currency whitelist loaded", zap.Strings("currencies", whitelist.Symbols()))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheusRecorder(registry)
	if err != nil {
		appLogger.Fatal("Failed to register metrics", zap.Error(err))
	}

	var repo session_repo.SessionRepository
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := openPostgres(cfg, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to initialise postgres store", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				appLogger.Error("Error closing database connection", zap.Error(err))
			} else {
				appLogger.Info("Database connection closed.")
			}
		}()
		repo = postgres.NewSessionRepository(db)
	default:
		repo = memory.NewSessionRepository()
	}

	var verifier chain.Verifier = chain.NoopVerifier{}
	if cfg.ChainRPCURL != "" {
		dialCtx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
		evm, err := chain.NewEVMVerifier(dialCtx, cfg.ChainRPCURL, cfg.ChainID, appLogger.With(zap.String("component", "EVMVerifier")))
		cancelDial()
		if err != nil {
			appLogger.Fatal("Failed to initialise chain verifier", zap.Error(err))
		}
		defer evm.Close()
		verifier = evm
		appLogger.Info("On-chain verification enabled", zap.Int64("chain_id", cfg.ChainID))
	} else {
		appLogger.Warn("CHAIN_RPC_URL not set, transaction hashes are accepted without on-chain verification")
	}

	notifiers := webhook.Fanout{
		webhook.NewHTTPNotifier(cfg.WebhookTimeout, cfg.WebhookMaxAttempts, cfg.WebhookBackoff, appLogger.With(zap.String("component", "HTTPNotifier"))),
	}

	var kafkaProducer kafka_infra.Producer
	if cfg.KafkaEnabled {
		topicsCtx, cancelTopics := context.WithTimeout(context.Background(), 10*time.Second)
		err := ensureKafkaTopics(topicsCtx, cfg.GetKafkaBrokers(), []string{cfg.KafkaPaymentStatusTopic, cfg.KafkaTxEventsTopic}, appLogger)
		cancelTopics()
		if err != nil {
			appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
		}

		kafkaProducer = kafka_infra.NewProducer(cfg.GetKafkaBrokers(), appLogger.With(zap.String("component", "KafkaProducer")))
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				appLogger.Error("Error closing Kafka producer", zap.Error(err))
			} else {
				appLogger.Info("Kafka producer closed.")
			}
		}()
		notifiers = append(notifiers, webhook.NewKafkaPublisher(kafkaProducer, cfg.KafkaPaymentStatusTopic, appLogger.With(zap.String("component", "KafkaPublisher"))))
	}

	dispatcher := webhook.NewDispatcher(
		notifiers,
		cfg.WebhookWorkers,
		cfg.WebhookQueueSize,
		cfg.WebhookTimeout*time.Duration(max(cfg.WebhookMaxAttempts, 1)),
		recorder,
		appLogger.With(zap.String("component", "WebhookDispatcher")),
	)

	clock := util.SystemClock{}
	sessionService := sessions.NewSessionService(
		repo,
		validation.New(whitelist),
		sessions.Settings{
			TTL:            cfg.SessionTTL,
			PaymentBaseURL: cfg.FrontendURL,
			MaxIDAttempts:  cfg.MaxIDAttempts,
			MaxCASRetries:  cfg.MaxCASRetries,
		},
		appLogger.With(zap.String("component", "SessionService")),
		sessions.WithClock(clock),
		sessions.WithVerifier(verifier),
		sessions.WithDispatcher(dispatcher),
		sessions.WithMetrics(recorder),
	)
	appLogger.Info("Session Service initialized.")

	sweeper := expiry.NewSweeper(
		repo,
		sessionService,
		clock,
		cfg.SweepInterval,
		cfg.SweepTimeout,
		cfg.SweepBatchSize,
		recorder,
		appLogger.With(zap.String("component", "ExpirySweeper")),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           sessions_http.NewRouter(sessionService, registry, 30*time.Second, appLogger.With(zap.String("component", "HTTPHandler"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var txEventsConsumer *kafka_infra.Consumer
	if cfg.KafkaEnabled {
		txEventsConsumer = kafka_infra.NewConsumer(
			cfg.GetKafkaBrokers(),
			cfg.KafkaTxEventsTopic,
			cfg.KafkaConsumerGroup,
			kafka_handler.TransactionEventMessageHandler(sessionService, appLogger.With(zap.String("component", "TransactionEventHandler"))),
			appLogger.With(zap.String("component", "TransactionEventsConsumer")),
		)
		appLogger.Info("Transaction events Kafka consumer initialized.")
	}

	ctxMain, cancelMain := context.WithCancel(context.Background())
	defer cancelMain()

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()

	dispatcher.Start(dispatchCtx)
	sweeper.Start(ctxMain)

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	consumerDone := make(chan struct{})
	if txEventsConsumer != nil {
		go func() {
			defer close(consumerDone)
			appLogger.Info("Starting transaction events Kafka consumer...")
			if err := txEventsConsumer.Consume(ctxMain); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("Transaction events Kafka consumer failed", zap.Error(err))
			}
			appLogger.Info("Transaction events Kafka consumer stopped.")
		}()
	} else {
		close(consumerDone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	appLogger.Info("Shutting down application...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	sweeper.Stop()
	cancelMain()

	if txEventsConsumer != nil {
		if err := txEventsConsumer.Close(); err != nil {
			appLogger.Error("Error closing transaction events Kafka consumer", zap.Error(err))
		}
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("Transaction events Kafka consumer did not stop before shutdown deadline.")
	}

	dispatcher.Stop(shutdownCtx)
	cancelDispatch()
	appLogger.Info("Application gracefully shut down.")
}
