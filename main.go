// Package main provides the entry point for the Kusanagi payment reconciliation service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/Kusanagi/app/handlers"
	"github.com/amirphl/Kusanagi/app/middleware"
	"github.com/amirphl/Kusanagi/app/router"
	"github.com/amirphl/Kusanagi/app/scheduler"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/logger"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router    router.Router
	config    *config.ProductionConfig
	logger    *zap.Logger
	stopFuncs []func()
	closers   []func() error
}

func main() {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Logging, cfg.Deployment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	zl.Info("Starting Kusanagi",
		zap.String("environment", cfg.Deployment.Environment),
		zap.String("version", cfg.Deployment.Version),
	)

	app, err := initializeApplication(cfg, zl)
	if err != nil {
		zl.Fatal("Failed to initialize application", zap.Error(err))
	}

	app.router.SetupRoutes()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErr <- app.router.Start(address)
	}()

	select {
	case sig := <-sigChan:
		zl.Info("Shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-serverErr:
		zl.Error("Server stopped unexpectedly", zap.Error(err))
	}

	app.shutdown()
	zl.Info("Server stopped")
}

// shutdown stops intake first, then background workers, then shared clients
func (a *Application) shutdown() {
	if err := a.router.Shutdown(a.config.Server.ShutdownTimeout); err != nil {
		a.logger.Error("Error during HTTP shutdown", zap.Error(err))
	}
	for _, fn := range a.stopFuncs {
		fn()
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("Error while closing resource", zap.Error(err))
		}
	}
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, zl *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	level := gormlogger.Error
	slow := time.Duration(0)
	if cfg.SlowQueryLog {
		level = gormlogger.Warn
		slow = cfg.SlowQueryTime
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLogger(level, slow),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(models.AllModels()...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	zl.Info("Database connection established",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Bool("auto_migrate", cfg.AutoMigrate),
	)
	return db, nil
}

// initializeCache returns nil when the cache is disabled
func initializeCache(cfg config.CacheConfig, zl *zap.Logger) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	zl.Info("Redis connection established", zap.Int("db", cfg.RedisDB))
	return rc, nil
}

// startCacheHealthMonitor periodically pings Redis and logs connectivity loss
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, zl *zap.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					zl.Warn("Redis healthcheck failed", zap.Error(err))
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeNotifier sends through the Telegram Bot API unless mocking is requested
func initializeNotifier(cfg *config.ProductionConfig, tg *services.TelegramClient, zl *zap.Logger) services.Notifier {
	if cfg.Telegram.UseMock || cfg.Telegram.BotToken == "" {
		zl.Warn("Telegram notifier is mocked; messages are only logged")
		return services.NewMockNotifier(zl)
	}
	return services.NewTelegramNotifier(tg, cfg.Telegram.AdminChatIDs, zl)
}

// initializeChannels builds the registry of provider channels
func initializeChannels(cfg *config.ProductionConfig, tg *services.TelegramClient, rates services.ExchangeRateService, zl *zap.Logger) (*services.ChannelRegistry, error) {
	return services.NewChannelRegistry(
		services.NewOxapayClient(cfg.Oxapay, rates, zl),
		services.NewAtipayClient(cfg.Atipay, zl),
		services.NewStarsClient(tg, cfg.Stars, zl),
		services.NewBankLinkClient(cfg.BankLink, zl),
	)
}

func initializeApplication(cfg *config.ProductionConfig, zl *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: zl}

	db, err := initializeDatabase(cfg.Database, zl)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	rc, err := initializeCache(cfg.Cache, zl)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		app.stopFuncs = append(app.stopFuncs, startCacheHealthMonitor(context.Background(), rc, 30*time.Second, zl))
		app.closers = append(app.closers, rc.Close)
	}

	// Repositories
	userRepo := repository.NewUserRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	recordRepo := repository.NewPaymentRecordRepository(db)
	earningRepo := repository.NewReferralEarningRepository(db)
	cartRepo := repository.NewSavedCartRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	adminRepo := repository.NewAdminRepository(db)
	botRepo := repository.NewBotRepository(db)

	// External collaborators
	tg := services.NewTelegramClient(cfg.Telegram)
	notifier := initializeNotifier(cfg, tg, zl)

	var live services.RateSource
	if cfg.ExchangeRate.WallexBaseURL != "" {
		live = services.NewWallexRateSource(cfg.ExchangeRate.WallexBaseURL, cfg.ExchangeRate.Timeout)
	}
	rates := services.NewExchangeRateService(cfg.ExchangeRate, live, rc, cfg.Cache.RedisPrefix, zl)

	var publisher services.EventPublisher
	if cfg.Kafka.Enabled {
		kp := services.NewKafkaPublisher(cfg.Kafka, zl)
		publisher = kp
		app.closers = append(app.closers, kp.Close)
	}

	channels, err := initializeChannels(cfg, tg, rates, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to register payment channels: %w", err)
	}

	var revocations services.RevocationStore = services.NewMemoryRevocationStore()
	if rc != nil {
		revocations = services.NewRedisRevocationStore(rc, cfg.Cache.RedisPrefix)
	}
	tokens, err := services.NewTokenService(cfg.JWT, revocations)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	// Business flows
	ledger := businessflow.NewPaymentLedger(recordRepo)
	crediting := businessflow.NewCreditingFlow(recordRepo, userRepo, txRepo, db, zl)
	referral := businessflow.NewReferralFlow(cfg.Reconciliation, userRepo, txRepo, earningRepo, auditRepo, db, zl)
	autoPurchase := businessflow.NewAutoPurchaseFlow(cartRepo, userRepo, txRepo, auditRepo, db, zl)
	effects := businessflow.NewEffectsDispatcher(notifier, autoPurchase, publisher, cfg.Kafka.CreditedTopic, cfg.Reconciliation.EffectTimeout, auditRepo, zl)
	reconciliation := businessflow.NewReconciliationFlow(
		cfg.Reconciliation,
		channels,
		ledger,
		crediting,
		referral,
		effects,
		userRepo,
		recordRepo,
		txRepo,
		auditRepo,
		zl,
	)
	operatorAuth := businessflow.NewOperatorAuthFlow(adminRepo, botRepo, tokens, cfg.JWT.AccessTokenTTL, auditRepo, zl)

	// HTTP
	app.router = router.NewFiberRouter(cfg, router.Handlers{
		Payment:   handlers.NewPaymentHandler(reconciliation, zl),
		AdminAuth: handlers.NewAdminAuthHandler(operatorAuth, zl),
		BotAuth:   handlers.NewBotAuthHandler(operatorAuth, zl),
	}, middleware.NewAuthMiddleware(tokens), zl)

	// Background sweep
	sweeps := scheduler.NewPaymentSweepScheduler(reconciliation, cfg.Reconciliation.SweepInterval, zl)
	app.stopFuncs = append(app.stopFuncs, sweeps.Start(context.Background()))

	zl.Info("Application initialized",
		zap.Strings("enabled_providers", cfg.Reconciliation.EnabledProviders),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("redis", rc != nil),
	)
	return app, nil
}
