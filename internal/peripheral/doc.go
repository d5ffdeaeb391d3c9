// Package peripheral describes the BLE capability surface the sampling core
// depends on: a GATT server that can host a service, push notifications,
// drop connections and answer "is this peer bonded?", plus the asynchronous
// events (connect, disconnect, authentication, subscribe, write) it reports.
//
// Concrete stacks live in sub-packages:
//   - goble: Linux HCI and macOS CoreBluetooth through go-ble
//   - tinygo: on-chip radios through tinygo.org/x/bluetooth (TinyGo builds)
//   - sim: an in-memory stack driven by tests and simulation runs
package peripheral
