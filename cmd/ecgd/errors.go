package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/adc"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
)

// Command-level errors
var (
	// ErrInvalidFlag indicates a flag value that cannot be applied to the config.
	ErrInvalidFlag = errors.New("invalid flag")
)

// FormatUserError appends a hint for failures an operator can fix.
func FormatUserError(err error) string {
	var hint string
	switch {
	case errors.Is(err, peripheral.ErrAdapterOff):
		hint = "is the Bluetooth adapter powered on?"
	case errors.Is(err, os.ErrPermission):
		hint = "raw HCI access needs root or CAP_NET_ADMIN"
	case errors.Is(err, peripheral.ErrUnsupported):
		hint = "try --stack sim"
	case errors.Is(err, adc.ErrUnsupported):
		hint = "try --adc sim"
	case errors.Is(err, os.ErrNotExist):
		hint = "check the config path and the ADC device"
	}

	if hint == "" {
		return err.Error()
	}
	return fmt.Sprintf("%s (%s)", err, hint)
}
