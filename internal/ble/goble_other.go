//go:build !linux

package ble

import (
	"errors"
	"log/slog"
)

// NewGoBLETransport is only available on Linux, where go-ble drives the HCI
// socket directly.
func NewGoBLETransport(_ *slog.Logger) (Transport, error) {
	return nil, errors.New("ble: the goble backend requires linux; use tinygo")
}
