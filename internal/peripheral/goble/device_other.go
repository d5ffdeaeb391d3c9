//go:build !linux && !darwin

package goble

import (
	"github.com/go-ble/ble"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, peripheral.ErrUnsupported
}
