//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse writes data and waits for the peripheral's ATT write
// response.
func writeWithResponse(ch bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := ch.Write(data)
	return err
}
