//go:build darwin || windows

package ble

// writeWithResponse sends an ATT write request through the platform stack.
func (c *tinyGoCharacteristic) writeWithResponse(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
