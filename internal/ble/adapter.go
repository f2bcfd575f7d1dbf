// Package ble inspects Bluetooth Low Energy peripherals through a pluggable
// transport. It keeps a registry of known devices, discovers services and
// characteristics, drives characteristic read/write sessions and propagates
// connection changes back into the registry.
package ble

import (
	"context"
	"errors"

	"github.com/chaz8081/gattscope/internal/ble/codec"
)

// Device is a known BLE peripheral. ID is immutable and is the registry key.
type Device struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	LocalName   string `yaml:"local_name,omitempty" json:"localName,omitempty"`
	RSSI        int    `yaml:"rssi,omitempty" json:"rssi,omitempty"`
	IsConnected bool   `yaml:"-" json:"isConnected"`
}

// Title returns the name shown for the device.
func (d Device) Title() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.LocalName != "":
		return d.LocalName
	default:
		return "No name"
	}
}

// Service is a GATT service reported by discovery.
type Service struct {
	ID        string `json:"id"`
	UUID      string `json:"uuid"`
	DeviceID  string `json:"deviceID"`
	IsPrimary bool   `json:"isPrimary"`
}

// Characteristic is a GATT characteristic reported by discovery. Value is
// nil when no read was performed or the peripheral returned nothing.
type Characteristic struct {
	ID                     string         `json:"id"`
	UUID                   string         `json:"uuid"`
	ServiceUUID            string         `json:"serviceUUID"`
	DeviceID               string         `json:"deviceID"`
	IsReadable             bool           `json:"isReadable"`
	IsWritableWithResponse bool           `json:"isWritableWithResponse"`
	Value                  *codec.Payload `json:"value"`
}

// ServiceWithCharacteristics is a service together with its characteristics
// in discovery order.
type ServiceWithCharacteristics struct {
	Service
	Characteristics []Characteristic `json:"characteristics"`
}

// Target identifies one characteristic on one device.
type Target struct {
	DeviceID           string
	ServiceUUID        string
	CharacteristicUUID string
}

// TargetOf returns the target addressing c.
func TargetOf(c Characteristic) Target {
	return Target{DeviceID: c.DeviceID, ServiceUUID: c.ServiceUUID, CharacteristicUUID: c.UUID}
}

// ErrNotConnected is wrapped by transports when a call needs a connection
// the device does not have (never made, or dropped).
var ErrNotConnected = errors.New("device is not connected")

// Transport abstracts the BLE library that talks to the radio.
// Implementations must be safe for use from a single goroutine at a time;
// Client adds timeouts and failure isolation on top.
type Transport interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports peripherals seen until ctx is done. An empty serviceUUID
	// reports every peripheral.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// ConnectToDevice establishes a connection to the device.
	ConnectToDevice(ctx context.Context, deviceID string) (Device, error)
	// CancelDeviceConnection cancels a pending or established connection.
	CancelDeviceConnection(ctx context.Context, deviceID string) (Device, error)
	// ServicesForDevice lists the services of a connected device.
	ServicesForDevice(ctx context.Context, deviceID string) ([]Service, error)
	// CharacteristicsForDevice lists the characteristics of one service.
	CharacteristicsForDevice(ctx context.Context, deviceID, serviceUUID string) ([]Characteristic, error)
	// ReadCharacteristicForDevice reads the current value of a characteristic.
	ReadCharacteristicForDevice(ctx context.Context, deviceID, serviceUUID, charUUID string) (Characteristic, error)
	// WriteCharacteristicWithResponseForDevice writes payload and waits for
	// the peripheral's confirmation.
	WriteCharacteristicWithResponseForDevice(ctx context.Context, deviceID, serviceUUID, charUUID string, payload codec.Payload) (Characteristic, error)
}

// DisconnectWatcher is implemented by transports that learn when a
// peripheral drops the connection on its own.
type DisconnectWatcher interface {
	OnDisconnect(cb func(deviceID string))
}
