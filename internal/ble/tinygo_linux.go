//go:build linux

package ble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

var errCharacteristicPath = errors.New("characteristic not exported by BlueZ")

// writeWithResponse sends an ATT write request and waits for the fixture to
// acknowledge it. tinygo's BlueZ backend only issues write commands, so the
// request goes to GattCharacteristic1.WriteValue directly.
func (c *tinyGoCharacteristic) writeWithResponse(data []byte) error {
	// The shared system bus connection must not be closed.
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	path, err := c.objectPath(conn)
	if err != nil {
		return err
	}

	call := conn.Object(bluezBus, path).Call(bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	})
	return call.Err
}

func (c *tinyGoCharacteristic) objectPath(conn *dbus.Conn) (dbus.ObjectPath, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		return dbus.ObjectPath(c.path), nil
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("list BlueZ objects: %w", err)
	}
	uuid := c.char.UUID().String()
	path, ok := findCharacteristicPath(objects, c.address, uuid)
	if !ok {
		return "", fmt.Errorf("%s on %s: %w", uuid, c.address, errCharacteristicPath)
	}
	c.path = string(path)
	return path, nil
}

// findCharacteristicPath finds the GattCharacteristic1 object with uuid under
// the device with the given address, e.g.
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000c/char000f.
func findCharacteristicPath(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, address, uuid string) (dbus.ObjectPath, bool) {
	devSegment := "/dev_" + strings.ReplaceAll(normalizeAddress(address), ":", "_") + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.Contains(string(path), devSegment) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if s, ok := v.Value().(string); ok && strings.EqualFold(s, uuid) {
			return path, true
		}
	}
	return "", false
}
