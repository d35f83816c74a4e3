package main

import (
	"github.com/veridrive/mileage-trust-worker/internal/config"
	"github.com/veridrive/mileage-trust-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
