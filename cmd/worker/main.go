package main

import (
	"github.com/sirupsen/logrus"

	"settlement-service/internal/app"
	"settlement-service/internal/config"
	"settlement-service/internal/consumers"
	"settlement-service/internal/worker"
)

func main() {
	config.LoadEnvFiles("../../.env", ".env")
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	logger := config.NewLogger(cfg)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialise services")
	}
	defer a.Close()

	if a.RedisOpt == nil {
		logger.Fatal("REDIS_URL is required to run the worker")
	}

	processor := consumers.NewSettlementProcessor(a.Settlement, logger)

	logger.Info("starting asynq worker")
	if err := worker.StartWorker(*a.RedisOpt, processor, logger); err != nil {
		logger.WithError(err).Fatal("worker stopped")
	}
}
