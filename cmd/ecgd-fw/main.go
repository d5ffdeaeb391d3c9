//go:build tinygo

// Command ecgd-fw is the firmware entry point: the same node as ecgd, built
// with TinyGo against the on-chip radio and ADC.
package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/node"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/pkg/config"
)

func main() {
	cfg := config.DefaultConfig()
	cfg.Stack = config.StackTinyGo
	cfg.ADC.Driver = config.ADCMachine

	logger := cfg.NewLogger()
	logger.SetLevel(logrus.InfoLevel)

	n, err := node.New(cfg, logger, node.Deps{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	if err := n.Run(context.Background()); err != nil {
		logger.WithError(err).Fatal("Node stopped")
	}
}
