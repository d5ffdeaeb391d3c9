package goble

import (
	"strings"

	"github.com/go-ble/ble"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
)

var bleProperties = []struct {
	value ble.Property
	name  string
}{
	{ble.CharBroadcast, "Broadcast"},
	{ble.CharRead, "Read"},
	{ble.CharWriteNR, "WriteWithoutResponse"},
	{ble.CharWrite, "Write"},
	{ble.CharNotify, "Notify"},
	{ble.CharIndicate, "Indicate"},
	{ble.CharSignedWrite, "AuthenticatedSignedWrites"},
	{ble.CharExtended, "ExtendedProperties"},
}

// toBLEProperty maps profile properties to the ATT property bits go-ble
// advertises. Security requirements have no ATT bit and are dropped.
func toBLEProperty(p peripheral.Property) ble.Property {
	var out ble.Property
	if p.Has(peripheral.PropRead) {
		out |= ble.CharRead
	}
	if p.Has(peripheral.PropWrite) {
		out |= ble.CharWrite
	}
	if p.Has(peripheral.PropWriteNoResponse) {
		out |= ble.CharWriteNR
	}
	if p.Has(peripheral.PropNotify) {
		out |= ble.CharNotify
	}
	if p.Has(peripheral.PropIndicate) {
		out |= ble.CharIndicate
	}
	return out
}

// propertyNames renders ATT property bits the way BLE tools print them.
func propertyNames(p ble.Property) string {
	names := make([]string, 0, len(bleProperties))
	for _, bp := range bleProperties {
		if p&bp.value != 0 {
			names = append(names, bp.name)
		}
	}
	return strings.Join(names, ",")
}
