package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/node"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ECG peripheral",
	Long: `Enables the BLE stack, registers the ECG service and advertises it.
Sampling starts when a bonded central subscribes to the sample
characteristic and stops when it unsubscribes or disconnects.

Flags override values from --config.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runStack      string
	runADC        string
	runDeviceName string
	runConsole    bool
	runBonded     []string
)

func init() {
	runCmd.Flags().StringVar(&runStack, "stack", "", "BLE stack: goble or sim")
	runCmd.Flags().StringVar(&runADC, "adc", "", "ADC driver: iio, machine or sim")
	runCmd.Flags().StringVar(&runDeviceName, "name", "", "Advertised device name")
	runCmd.Flags().BoolVar(&runConsole, "console", false, "Mirror logs to a virtual serial console (pty)")
	runCmd.Flags().StringSliceVar(&runBonded, "bonded", nil, "Addresses to treat as bonded, in addition to the config")
}

// applyRunFlags layers explicitly set flags over cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("stack") {
		cfg.Stack = runStack
	}
	if flags.Changed("adc") {
		cfg.ADC.Driver = runADC
	}
	if flags.Changed("name") {
		cfg.DeviceName = runDeviceName
	}
	if flags.Changed("console") {
		cfg.Console = runConsole
	}
	cfg.BondedPeers = append(cfg.BondedPeers, runBonded...)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlag, err)
	}
	return nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	n, err := node.New(cfg, logger, node.Deps{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"version": formatVersion(version),
		"stack":   cfg.Stack,
		"adc":     cfg.ADC.Driver,
	}).Info("Starting ecgd")

	return n.Run(ctx)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
