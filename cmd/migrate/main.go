package main

import (
	"github.com/sirupsen/logrus"

	"settlement-service/internal/config"
	"settlement-service/internal/database"
)

func main() {
	config.LoadEnvFiles()
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	logger := config.NewLogger(cfg)

	db, err := database.Connect(cfg.DB, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}

	logger.Info("running database migrations")
	if err := database.Migrate(db); err != nil {
		logger.WithError(err).Fatal("failed to migrate database")
	}
	logger.Info("migrations completed")
}
