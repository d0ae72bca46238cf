package ble

import "tinygo.org/x/bluetooth"

// parseAddress parses a CoreBluetooth peripheral UUID.
func parseAddress(s string) (bluetooth.Address, error) {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.Address{}, err
	}
	return bluetooth.Address{UUID: uuid}, nil
}
