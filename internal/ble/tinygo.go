package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// readBufferSize covers the largest ATT value the fixture returns.
const readBufferSize = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS). On macOS, device addresses are CoreBluetooth UUIDs rather than MAC
// addresses; the "MAC" strings used throughout hold that UUID instead.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool

	connections *connTable
}

// NewTinyGoAdapter creates a BLE adapter on the system default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: newConnTable(),
	}
}

func normalizeAddress(addr string) string {
	return strings.ToUpper(addr)
}

// Enable powers up the controller. Repeated calls are no-ops.
func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return linkErr("enable adapter", err)
	}
	a.enabled = true

	// tinygo/bluetooth reports peripheral disconnects through a single
	// adapter-level handler; route them to the owning connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.connections.lost(normalizeAddress(device.Address.String()))
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, fn func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Name:   result.LocalName(),
			MAC:    normalizeAddress(result.Address.String()),
			RSSI:   int(result.RSSI),
			SeenAt: time.Now(),
		}
		for _, md := range result.ManufacturerData() {
			if md.CompanyID == ManufacturerID {
				adv.Fluval = true
				break
			}
		}
		fn(adv)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return linkErr("scan", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	addr, err := parseAddress(mac)
	if err != nil {
		return nil, fmt.Errorf("ble: parse address %q: %w", mac, err)
	}

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually finish; make sure a late
		// success does not leak an open link.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, ErrTimeout)
		}
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, linkErr("connect to "+mac, res.err)
		}
		conn := &tinyGoConnection{
			device: res.device,
			id:     normalizeAddress(mac),
			table:  a.connections,
		}
		a.connections.add(conn.id, conn)
		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device bluetooth.Device
	id     string
	table  *connTable

	mu           sync.Mutex
	services     []bluetooth.DeviceService
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(charUUID string) (Characteristic, error) {
	uuid, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.services == nil {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			return nil, linkErr("discover services", err)
		}
		c.services = svcs
	}

	for i := range c.services {
		chars, err := c.services[i].DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil || len(chars) == 0 {
			continue
		}
		return &tinyGoCharacteristic{char: chars[0], address: c.id}, nil
	}
	return nil, &LinkError{Op: "discover characteristic", Err: fmt.Errorf("%s not found", charUUID)}
}

// Disconnect drops the routing entry before tearing down the link, so the
// stack's own disconnect callback does not fire for a closed session.
func (c *tinyGoConnection) Disconnect() error {
	c.table.remove(c.id, c)
	return linkErr("disconnect", c.device.Disconnect())
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char    bluetooth.DeviceCharacteristic
	address string

	// mu protects path, the BlueZ object path resolved on first write.
	mu   sync.Mutex
	path string
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, linkErr("read", err)
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte, withResponse bool) error {
	if withResponse {
		return linkErr("write", c.writeWithResponse(data))
	}
	_, err := c.char.WriteWithoutResponse(data)
	return linkErr("write", err)
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return linkErr("subscribe", c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	}))
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return linkErr("unsubscribe", c.char.EnableNotifications(nil))
}
