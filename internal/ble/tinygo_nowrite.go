//go:build !darwin && !windows

package ble

import (
	"errors"

	"tinygo.org/x/bluetooth"
)

// ErrWriteWithResponseUnsupported is returned by the tinygo backend on
// platforms where tinygo only offers write without response.
var ErrWriteWithResponseUnsupported = errors.New("tinygo cannot write with response on this platform; use the goble backend")

func writeWithResponse(_ bluetooth.DeviceCharacteristic, _ []byte) error {
	return ErrWriteWithResponseUnsupported
}
