package app

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"settlement-service/internal/config"
	"settlement-service/internal/database"
	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/internal/services"
	"settlement-service/internal/split"
	"settlement-service/internal/worker"
)

// App holds the service graph shared by the API server and the worker.
type App struct {
	Config *config.Config
	Log    *logrus.Logger

	DB    *gorm.DB
	Store ledger.Store

	Settlement *services.SettlementService
	Reporting  *services.ReportingService
	Paystack   *services.PaystackService

	Redis    *redis.Client
	RedisOpt *asynq.RedisClientOpt
	Queue    *asynq.Client

	closers []func() error
}

type partyStore interface {
	ledger.Store
	ledger.PartyDirectory
}

// New connects to the ledger and builds the services. With DB_DRIVER=memory
// and no REDIS_URL it needs no external systems.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: logger}

	var store partyStore
	if cfg.DB.Driver == "memory" {
		logger.Warn("using in-memory ledger; data is lost on restart")
		store = ledger.NewMemoryStore()
	} else {
		db, err := database.Connect(cfg.DB, logger)
		if err != nil {
			return nil, err
		}
		a.DB = db
		store = ledger.NewGormStore(db)
	}
	a.Store = store

	if cfg.RedisURL != "" {
		opt := RedisOptions(cfg.RedisURL)
		a.Redis = redis.NewClient(opt)
		a.RedisOpt = &asynq.RedisClientOpt{Addr: opt.Addr, Password: opt.Password, DB: opt.DB}
		a.Queue = asynq.NewClient(*a.RedisOpt)
		a.closers = append(a.closers, a.Queue.Close, a.Redis.Close)
	}

	a.Reporting = services.NewReportingService(store, a.Redis, cfg.StatusCacheTTL, logger)
	a.Settlement = services.NewSettlementService(store, store, split.NewCalculator(cfg.CurrencyPlaces),
		services.SettlementConfigFrom(cfg), logger)
	a.Settlement.UseStatusCache(a.Reporting)

	if cfg.Mpesa.ConsumerKey != "" {
		mpesa := services.NewMpesaService(cfg.Mpesa, cfg.GatewayTimeout, logger)
		a.Settlement.RegisterChannel(models.ChannelMpesa, mpesa, mpesa)
	} else {
		logger.Warn("MPESA_CONSUMER_KEY not set; mpesa channel disabled")
	}
	if cfg.Paystack.SecretKey != "" {
		a.Paystack = services.NewPaystackService(cfg.Paystack, cfg.GatewayTimeout, logger)
		a.Settlement.RegisterChannel(models.ChannelPaystack, a.Paystack, a.Paystack)
	} else {
		logger.Warn("PAYSTACK_SECRET_KEY not set; paystack channel disabled")
	}

	if a.Queue != nil {
		a.Settlement.UseRetryScheduler(worker.NewAsynqRetryScheduler(a.Queue, cfg.RetryBaseDelay, cfg.RetryMaxDelay))
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := services.NewKafkaPayoutPublisher(cfg.KafkaBrokers, cfg.PayoutTopic)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		a.Settlement.UsePublisher(pub)
		a.closers = append(a.closers, pub.Close)
	}
	if cfg.SMS.GatewayURL != "" {
		a.Settlement.UseNotifier(services.NewSMSNotifier(cfg.SMS, cfg.GatewayTimeout))
	}
	if cfg.Mail.Host != "" {
		a.Settlement.UseMailer(services.NewEmailNotifier(cfg.Mail, cfg.GatewayTimeout))
	}
	return a, nil
}

// RedisOptions accepts either a redis:// URL or a bare host:port.
func RedisOptions(url string) *redis.Options {
	if opt, err := redis.ParseURL(url); err == nil {
		return opt
	}
	return &redis.Options{Addr: url}
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
