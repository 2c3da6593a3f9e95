package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/neptis/internal/api/handler"
	"github.com/cuongbtq/neptis/internal/api/router"
	"github.com/cuongbtq/neptis/internal/config"
	"github.com/cuongbtq/neptis/internal/engine"
	"github.com/cuongbtq/neptis/internal/events"
	"github.com/cuongbtq/neptis/internal/files"
	"github.com/cuongbtq/neptis/internal/host"
	"github.com/cuongbtq/neptis/internal/jobs"
	"github.com/cuongbtq/neptis/internal/metrics"
	"github.com/cuongbtq/neptis/internal/storage"
	"github.com/cuongbtq/neptis/internal/users"
	"github.com/cuongbtq/neptis/internal/volume"
	"github.com/cuongbtq/neptis/shared/logger"
	"github.com/cuongbtq/neptis/shared/postgresql"
	"github.com/cuongbtq/neptis/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job progress relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	loadDotEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting neptis",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	for _, dir := range []string{cfg.Storage.DataPath, cfg.Storage.RepoPath, cfg.Storage.ScratchPath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	publisher, rabbitClient, err := initPublisher(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	if rabbitClient != nil {
		defer rabbitClient.Close()
	}

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	var recorder *metrics.Metrics
	if cfg.Metrics.Enabled {
		recorder = metrics.New()
	}

	runner := host.NewExecRunner(appLogger.With(slog.String("component", "host")).Logger, cfg.Storage.Sudo)
	var mounts host.MountTable = host.NewCommandMountTable(runner)
	if cfg.Storage.ProcMounts {
		mounts = host.NewMountInfoTable()
	}
	restic := engine.NewRestic(runner, cfg.Engine.Binary, appLogger.With(slog.String("component", "engine")).Logger)

	volumeDeps := volume.Deps{
		Store:  store,
		Runner: runner,
		Mounts: mounts,
		Engine: restic,
		Logger: appLogger.With(slog.String("component", "volume")).Logger,
	}
	if recorder != nil {
		volumeDeps.Metrics = recorder
	}
	manager := volume.NewManager(volume.Config{
		DataDir:         cfg.Storage.DataPath,
		RepoDir:         cfg.Storage.RepoPath,
		ScratchDir:      cfg.Storage.ScratchPath,
		MinAllocation:   cfg.Storage.MinAllocation,
		ViewGracePeriod: cfg.Storage.ViewGracePeriod,
	}, volumeDeps)

	relayBuffer := cfg.Jobs.RelayBuffer
	if relayBuffer == 0 {
		relayBuffer = jobs.DefaultRelayBuffer
	}
	relay := jobs.NewRelay(store, appLogger.With(slog.String("component", "relay")).Logger, relayBuffer)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	relay.Start(relayCtx)
	defer relay.Stop()

	orchestratorCfg := &jobs.Config{
		Store:     store,
		Volumes:   manager,
		Engine:    restic,
		Relay:     relay,
		Publisher: publisher,
		Logger:    appLogger.With(slog.String("component", "jobs")).Logger,
	}
	if recorder != nil {
		orchestratorCfg.Metrics = recorder
	}
	orchestrator := jobs.NewOrchestrator(orchestratorCfg)

	fileService := files.NewService(manager, appLogger.With(slog.String("component", "files")).Logger)

	r := initRouter(cfg, appLogger.Logger, &router.Config{
		Handlers: &handler.Dependencies{
			Logger:  appLogger.Logger,
			Volumes: manager,
			Jobs:    orchestrator,
			Files:   fileService,
			Users:   users.NewService(store, appLogger.With(slog.String("component", "users")).Logger),
		},
		Users:      store,
		UserHeader: cfg.Server.UserHeader,
		Health:     dbClient,
	}, recorder)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok && err != nil {
			appLogger.Error("Server failed to start", slog.Any("error", err))
			return err
		}
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := srv.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", shutdownErr),
		)
	}

	// Running jobs still need the relay and the database for their final write.
	if err := orchestrator.Wait(shutdownCtx); err != nil {
		appLogger.Warn("Jobs still running at shutdown, their records stay Running",
			slog.Any("error", err),
		)
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		RetryAttempts:   cfg.RetryAttempts,
		RetryInterval:   cfg.RetryInterval,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initPublisher connects the job event publisher. Without RabbitMQ, events
// are dropped.
func initPublisher(cfg *config.RabbitMQConfig, logger *slog.Logger) (jobs.Publisher, *rabbitmq.Client, error) {
	if !cfg.Enabled {
		logger.Info("RabbitMQ disabled, job events will not be published")
		return events.Nop{}, nil, nil
	}

	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return events.NewPublisher(client, cfg.RoutingPrefix, logger), client, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, routerCfg *router.Config, recorder *metrics.Metrics) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	if recorder != nil {
		routerCfg.Metrics = recorder
		routerCfg.MetricsHandler = recorder.Handler()
		routerCfg.MetricsPath = cfg.Metrics.Path
		logger.Info("Metrics enabled", slog.String("path", cfg.Metrics.Path))
	}

	return router.SetupRouter(routerCfg)
}
