// Package ble drives a Jackery power station over Bluetooth Low Energy. It
// handles discovery, connection management, encryption and the status and
// control exchanges on top of an injectable BLE central.
package ble

import (
	"context"
	"strings"
)

// GATT layout of the power station.
const (
	DataServiceUUID      = "0000bdee-0000-1000-8000-00805f9b34fb"
	WriteCharUUID        = "0000ee01-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID       = "0000ee02-0000-1000-8000-00805f9b34fb"
	HeartbeatServiceUUID = "0000bdff-0000-1000-8000-00805f9b34fb"
	HeartbeatCharUUID    = "0000ff01-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// Advertisement is what one peripheral broadcast during a scan.
// ServiceData is keyed by lower case 128-bit UUID strings.
type Advertisement struct {
	Name             string
	Address          string
	RSSI             int
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE central so the engine can run against real
// radios or a fake.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan collects advertisements whose local name satisfies match until
	// ctx is done. One entry per address.
	Scan(ctx context.Context, match func(name string) bool) ([]Advertisement, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

const bluetoothBase = "-0000-1000-8000-00805f9b34fb"

// normalizeUUID turns 16-bit, 32-bit and undashed 128-bit UUIDs into the
// lower case dashed form.
func normalizeUUID(s string) string {
	h := strings.ToLower(strings.ReplaceAll(s, "-", ""))
	switch len(h) {
	case 4:
		return "0000" + h + bluetoothBase
	case 8:
		return h + bluetoothBase
	case 32:
		return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:]
	}
	return strings.ToLower(s)
}
