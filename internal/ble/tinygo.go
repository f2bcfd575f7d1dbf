package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/gattscope/internal/ble/codec"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

// TinyGoTransport implements Transport on tinygo-org/bluetooth
// (CoreBluetooth on macOS, BlueZ over D-Bus on Linux).
//
// On macOS device IDs are CoreBluetooth UUIDs rather than MAC addresses.
// tinygo exposes no portable characteristic properties, so readability is
// checked with a read during discovery (when ReadOnDiscover is set) and every
// characteristic is reported writable with response. On Linux those writes
// fail with ErrWriteWithResponseUnsupported.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	// ReadOnDiscover reads each characteristic while listing it.
	ReadOnDiscover bool

	mu           sync.Mutex
	enabled      bool
	seen         map[string]Device // advertisement data by device ID
	devices      map[string]*bluetooth.Device
	services     map[string]bluetooth.DeviceService        // deviceID/serviceUUID
	chars        map[string]bluetooth.DeviceCharacteristic // deviceID/serviceUUID/charUUID
	onDisconnect func(deviceID string)
}

// NewTinyGoTransport creates a transport on the default adapter.
func NewTinyGoTransport(logger *slog.Logger) *TinyGoTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoTransport{
		adapter:        bluetooth.DefaultAdapter,
		logger:         logger,
		ReadOnDiscover: true,
		seen:           make(map[string]Device),
		devices:        make(map[string]*bluetooth.Device),
		services:       make(map[string]bluetooth.DeviceService),
		chars:          make(map[string]bluetooth.DeviceCharacteristic),
	}
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

// OnDisconnect registers cb for connections the peripheral drops.
func (t *TinyGoTransport) OnDisconnect(cb func(deviceID string)) {
	t.mu.Lock()
	t.onDisconnect = cb
	t.mu.Unlock()
}

func handleKey(parts ...string) string {
	return strings.ToLower(strings.Join(parts, "/"))
}

func (t *TinyGoTransport) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return err
	}

	// tinygo fires this with connected=false when a peripheral goes away.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		t.forget(id)
		t.mu.Lock()
		cb := t.onDisconnect
		t.mu.Unlock()
		t.logger.Warn("[BLE] peripheral disconnected", "device", id)
		if cb != nil {
			cb(id)
		}
	})
	t.enabled = true
	return nil
}

// forget drops every handle held for deviceID.
func (t *TinyGoTransport) forget(deviceID string) {
	prefix := handleKey(deviceID) + "/"
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, handleKey(deviceID))
	for k := range t.services {
		if strings.HasPrefix(k, prefix) {
			delete(t.services, k)
		}
	}
	for k := range t.chars {
		if strings.HasPrefix(k, prefix) {
			delete(t.chars, k)
		}
	}
}

func (t *TinyGoTransport) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	var filter *bluetooth.UUID
	if serviceUUID != "" {
		uuid, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = &uuid
	}

	var mu sync.Mutex
	var devices []Device
	index := make(map[string]int)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-done:
		}
	}()

	err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if filter != nil && !result.HasServiceUUID(*filter) {
			return
		}
		d := Device{
			ID:        result.Address.String(),
			LocalName: result.LocalName(),
			RSSI:      int(result.RSSI),
		}
		mu.Lock()
		defer mu.Unlock()
		if i, ok := index[d.ID]; ok {
			// Later advertisements refresh signal strength and fill in names.
			devices[i].RSSI = d.RSSI
			if devices[i].LocalName == "" {
				devices[i].LocalName = d.LocalName
			}
			return
		}
		index[d.ID] = len(devices)
		devices = append(devices, d)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	t.mu.Lock()
	for _, d := range devices {
		t.seen[handleKey(d.ID)] = d
	}
	t.mu.Unlock()
	return devices, nil
}

func (t *TinyGoTransport) ConnectToDevice(ctx context.Context, deviceID string) (Device, error) {
	var addr bluetooth.Address
	addr.Set(deviceID)

	// Connect blocks with its own timeout; ctx only lets the caller stop waiting.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return Device{}, fmt.Errorf("ble: connect to %s: %w", deviceID, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return Device{}, fmt.Errorf("ble: connect to %s: %w", deviceID, result.err)
		}
		t.mu.Lock()
		t.devices[handleKey(deviceID)] = &result.device
		dev, ok := t.seen[handleKey(deviceID)]
		t.mu.Unlock()
		if !ok {
			dev = Device{ID: deviceID}
		}
		dev.IsConnected = true
		return dev, nil
	}
}

func (t *TinyGoTransport) CancelDeviceConnection(_ context.Context, deviceID string) (Device, error) {
	t.mu.Lock()
	device, ok := t.devices[handleKey(deviceID)]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("[BLE] cancel on a device with no open connection", "device", deviceID)
		return Device{ID: deviceID}, nil
	}
	if err := device.Disconnect(); err != nil {
		return Device{}, fmt.Errorf("ble: disconnect %s: %w", deviceID, err)
	}
	t.forget(deviceID)
	return Device{ID: deviceID}, nil
}

func (t *TinyGoTransport) connected(deviceID string) (*bluetooth.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	device, ok := t.devices[handleKey(deviceID)]
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", deviceID, ErrNotConnected)
	}
	return device, nil
}

func (t *TinyGoTransport) ServicesForDevice(_ context.Context, deviceID string) ([]Service, error) {
	device, err := t.connected(deviceID)
	if err != nil {
		return nil, err
	}
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	out := make([]Service, 0, len(svcs))
	t.mu.Lock()
	for _, svc := range svcs {
		uuid := svc.UUID().String()
		t.services[handleKey(deviceID, uuid)] = svc
		out = append(out, Service{
			ID:        deviceID + "/" + uuid,
			UUID:      uuid,
			DeviceID:  deviceID,
			IsPrimary: true,
		})
	}
	t.mu.Unlock()
	return out, nil
}

func (t *TinyGoTransport) service(ctx context.Context, deviceID, serviceUUID string) (bluetooth.DeviceService, error) {
	t.mu.Lock()
	svc, ok := t.services[handleKey(deviceID, serviceUUID)]
	t.mu.Unlock()
	if ok {
		return svc, nil
	}
	if _, err := t.ServicesForDevice(ctx, deviceID); err != nil {
		return bluetooth.DeviceService{}, err
	}
	t.mu.Lock()
	svc, ok = t.services[handleKey(deviceID, serviceUUID)]
	t.mu.Unlock()
	if !ok {
		return bluetooth.DeviceService{}, fmt.Errorf("ble: service %s not found", serviceUUID)
	}
	return svc, nil
}

func (t *TinyGoTransport) CharacteristicsForDevice(ctx context.Context, deviceID, serviceUUID string) ([]Characteristic, error) {
	svc, err := t.service(ctx, deviceID, serviceUUID)
	if err != nil {
		return nil, err
	}
	chars, err := svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}

	out := make([]Characteristic, 0, len(chars))
	for _, ch := range chars {
		uuid := ch.UUID().String()
		t.mu.Lock()
		t.chars[handleKey(deviceID, serviceUUID, uuid)] = ch
		t.mu.Unlock()

		c := Characteristic{
			ID:                     deviceID + "/" + serviceUUID + "/" + uuid,
			UUID:                   uuid,
			ServiceUUID:            serviceUUID,
			DeviceID:               deviceID,
			IsWritableWithResponse: true,
		}
		if t.ReadOnDiscover {
			if v, err := readValue(ch); err == nil {
				c.IsReadable = true
				c.Value = codec.Ptr(v)
			} else {
				t.logger.Debug("[BLE] characteristic not readable", "characteristic", uuid, "error", err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func readValue(ch bluetooth.DeviceCharacteristic) (codec.Payload, error) {
	buf := make([]byte, maxAttributeLen)
	n, err := ch.Read(buf)
	if err != nil {
		return "", err
	}
	return codec.EncodeBytes(buf[:n]), nil
}

func (t *TinyGoTransport) characteristic(deviceID, serviceUUID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.chars[handleKey(deviceID, serviceUUID, charUUID)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not discovered", charUUID)
	}
	return ch, nil
}

func (t *TinyGoTransport) ReadCharacteristicForDevice(_ context.Context, deviceID, serviceUUID, charUUID string) (Characteristic, error) {
	ch, err := t.characteristic(deviceID, serviceUUID, charUUID)
	if err != nil {
		return Characteristic{}, err
	}
	v, err := readValue(ch)
	if err != nil {
		return Characteristic{}, fmt.Errorf("ble: read %s: %w", charUUID, err)
	}
	return Characteristic{
		ID:                     deviceID + "/" + serviceUUID + "/" + charUUID,
		UUID:                   charUUID,
		ServiceUUID:            serviceUUID,
		DeviceID:               deviceID,
		IsReadable:             true,
		IsWritableWithResponse: true,
		Value:                  codec.Ptr(v),
	}, nil
}

// WriteCharacteristicWithResponseForDevice writes the decoded payload. The
// returned value is the payload the peripheral acknowledged. On Linux tinygo
// has no write with response and this always fails with
// ErrWriteWithResponseUnsupported.
func (t *TinyGoTransport) WriteCharacteristicWithResponseForDevice(_ context.Context, deviceID, serviceUUID, charUUID string, payload codec.Payload) (Characteristic, error) {
	ch, err := t.characteristic(deviceID, serviceUUID, charUUID)
	if err != nil {
		return Characteristic{}, err
	}
	data, err := codec.DecodeBytes(payload)
	if err != nil {
		return Characteristic{}, err
	}
	if err := writeWithResponse(ch, data); err != nil {
		return Characteristic{}, fmt.Errorf("ble: write %s: %w", charUUID, err)
	}
	return Characteristic{
		ID:                     deviceID + "/" + serviceUUID + "/" + charUUID,
		UUID:                   charUUID,
		ServiceUUID:            serviceUUID,
		DeviceID:               deviceID,
		IsWritableWithResponse: true,
		Value:                  codec.Ptr(payload),
	}, nil
}
