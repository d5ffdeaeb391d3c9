//go:build !tinygo

package node

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral/goble"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral/sim"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/pkg/config"
)

// NewStack creates the BLE stack selected by cfg.Stack.
func NewStack(cfg *config.Config, logger *logrus.Logger) (peripheral.Stack, error) {
	switch cfg.Stack {
	case config.StackSim:
		return sim.New(logger, cfg.BondedPeers...), nil
	case config.StackGoBLE:
		return goble.New(peripheral.NewBondStore(cfg.BondedPeers, cfg.BondDir), logger), nil
	default:
		return nil, fmt.Errorf("%w: stack %q is not available in this build", peripheral.ErrUnsupported, cfg.Stack)
	}
}
