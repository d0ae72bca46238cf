// Package ble provides the BLE link to Fluval aquarium LED fixtures. It
// handles discovery, connection management, the keepalive cycle and
// serialized command writes over Bluetooth Low Energy.
package ble

import (
	"context"
	"time"
)

// Fluval GATT characteristics. All three live on the Bluetooth base UUID.
const (
	CommandCharUUID = "00001001-0000-1000-8000-00805f9b34fb"
	ReportCharUUID  = "00001002-0000-1000-8000-00805f9b34fb"
	StatusCharUUID  = "00001004-0000-1000-8000-00805f9b34fb"
)

// ManufacturerID is the company identifier in Fluval advertisements.
const ManufacturerID uint16 = 171

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Write sends data, waiting for an acknowledgement when withResponse is set.
	Write(data []byte, withResponse bool) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications registered with Subscribe.
	Unsubscribe() error
}

// Advertisement is a single advertisement seen during a scan.
type Advertisement struct {
	Name   string
	MAC    string
	RSSI   int
	SeenAt time.Time
	Fluval bool // carries the Fluval manufacturer ID
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID on any service.
	DiscoverCharacteristic(charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to fn until ctx is cancelled.
	Scan(ctx context.Context, fn func(Advertisement)) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
