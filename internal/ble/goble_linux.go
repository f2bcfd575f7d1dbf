package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"

	"github.com/chaz8081/gattscope/internal/ble/codec"
)

// GoBLETransport implements Transport on go-ble talking HCI directly.
// It needs CAP_NET_ADMIN (or root) and BlueZ must not hold the controller.
// Unlike tinygo it reports real characteristic properties.
type GoBLETransport struct {
	logger *slog.Logger

	mu           sync.Mutex
	enabled      bool
	seen         map[string]Device
	clients      map[string]ble.Client
	services     map[string]*ble.Service        // deviceID/serviceUUID
	chars        map[string]*ble.Characteristic // deviceID/serviceUUID/charUUID
	onDisconnect func(deviceID string)
}

// NewGoBLETransport creates a go-ble transport. The HCI device is opened by
// Enable.
func NewGoBLETransport(logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoBLETransport{
		logger:   logger,
		seen:     make(map[string]Device),
		clients:  make(map[string]ble.Client),
		services: make(map[string]*ble.Service),
		chars:    make(map[string]*ble.Characteristic),
	}, nil
}

var _ Transport = (*GoBLETransport)(nil)

// OnDisconnect registers cb for connections the peripheral drops.
func (g *GoBLETransport) OnDisconnect(cb func(deviceID string)) {
	g.mu.Lock()
	g.onDisconnect = cb
	g.mu.Unlock()
}

func (g *GoBLETransport) Enable() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled {
		return nil
	}
	dev, err := linux.NewDevice()
	if err != nil {
		return fmt.Errorf("ble: open HCI device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	g.enabled = true
	return nil
}

func (g *GoBLETransport) forget(deviceID string) {
	prefix := handleKey(deviceID) + "/"
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, handleKey(deviceID))
	for k := range g.services {
		if strings.HasPrefix(k, prefix) {
			delete(g.services, k)
		}
	}
	for k := range g.chars {
		if strings.HasPrefix(k, prefix) {
			delete(g.chars, k)
		}
	}
}

func (g *GoBLETransport) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	var filter ble.AdvFilter
	if serviceUUID != "" {
		want, err := ble.Parse(serviceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = func(a ble.Advertisement) bool {
			for _, u := range a.Services() {
				if u.Equal(want) {
					return true
				}
			}
			return false
		}
	}

	var mu sync.Mutex
	var devices []Device
	index := make(map[string]int)

	err := ble.Scan(ctx, true, func(a ble.Advertisement) {
		d := Device{ID: a.Addr().String(), LocalName: a.LocalName(), RSSI: a.RSSI()}
		mu.Lock()
		defer mu.Unlock()
		if i, ok := index[d.ID]; ok {
			devices[i].RSSI = d.RSSI
			if devices[i].LocalName == "" {
				devices[i].LocalName = d.LocalName
			}
			return
		}
		index[d.ID] = len(devices)
		devices = append(devices, d)
	}, filter)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	g.mu.Lock()
	for _, d := range devices {
		g.seen[handleKey(d.ID)] = d
	}
	g.mu.Unlock()
	return devices, nil
}

func (g *GoBLETransport) ConnectToDevice(ctx context.Context, deviceID string) (Device, error) {
	client, err := ble.Dial(ctx, ble.NewAddr(deviceID))
	if err != nil {
		return Device{}, fmt.Errorf("ble: connect to %s: %w", deviceID, err)
	}

	g.mu.Lock()
	g.clients[handleKey(deviceID)] = client
	dev, ok := g.seen[handleKey(deviceID)]
	g.mu.Unlock()
	if !ok {
		dev = Device{ID: deviceID}
	}

	go func() {
		<-client.Disconnected()
		g.mu.Lock()
		current := g.clients[handleKey(deviceID)]
		cb := g.onDisconnect
		g.mu.Unlock()
		if current != client {
			return // cancelled by us or replaced by a newer connection
		}
		g.forget(deviceID)
		g.logger.Warn("[BLE] peripheral disconnected", "device", deviceID)
		if cb != nil {
			cb(deviceID)
		}
	}()

	dev.IsConnected = true
	return dev, nil
}

func (g *GoBLETransport) CancelDeviceConnection(_ context.Context, deviceID string) (Device, error) {
	g.mu.Lock()
	client, ok := g.clients[handleKey(deviceID)]
	g.mu.Unlock()
	if !ok {
		return Device{ID: deviceID}, nil
	}
	g.forget(deviceID)
	if err := client.CancelConnection(); err != nil {
		return Device{}, fmt.Errorf("ble: disconnect %s: %w", deviceID, err)
	}
	return Device{ID: deviceID}, nil
}

func (g *GoBLETransport) client(deviceID string) (ble.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[handleKey(deviceID)]
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", deviceID, ErrNotConnected)
	}
	return c, nil
}

func (g *GoBLETransport) ServicesForDevice(_ context.Context, deviceID string) ([]Service, error) {
	client, err := g.client(deviceID)
	if err != nil {
		return nil, err
	}
	svcs, err := client.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	out := make([]Service, 0, len(svcs))
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range svcs {
		uuid := s.UUID.String()
		g.services[handleKey(deviceID, uuid)] = s
		out = append(out, Service{ID: deviceID + "/" + uuid, UUID: uuid, DeviceID: deviceID, IsPrimary: true})
	}
	return out, nil
}

func (g *GoBLETransport) CharacteristicsForDevice(ctx context.Context, deviceID, serviceUUID string) ([]Characteristic, error) {
	client, err := g.client(deviceID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	svc, ok := g.services[handleKey(deviceID, serviceUUID)]
	g.mu.Unlock()
	if !ok {
		if _, err := g.ServicesForDevice(ctx, deviceID); err != nil {
			return nil, err
		}
		g.mu.Lock()
		svc, ok = g.services[handleKey(deviceID, serviceUUID)]
		g.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
		}
	}

	chars, err := client.DiscoverCharacteristics(nil, svc)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}

	out := make([]Characteristic, 0, len(chars))
	for _, ch := range chars {
		uuid := ch.UUID.String()
		g.mu.Lock()
		g.chars[handleKey(deviceID, serviceUUID, uuid)] = ch
		g.mu.Unlock()

		c := Characteristic{
			ID:                     deviceID + "/" + serviceUUID + "/" + uuid,
			UUID:                   uuid,
			ServiceUUID:            serviceUUID,
			DeviceID:               deviceID,
			IsReadable:             ch.Property&ble.CharRead != 0,
			IsWritableWithResponse: ch.Property&ble.CharWrite != 0,
		}
		if c.IsReadable {
			if v, err := client.ReadCharacteristic(ch); err == nil {
				c.Value = codec.Ptr(codec.EncodeBytes(v))
			} else {
				g.logger.Debug("[BLE] read during discovery failed", "characteristic", uuid, "error", err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *GoBLETransport) characteristic(deviceID, serviceUUID, charUUID string) (ble.Client, *ble.Characteristic, error) {
	client, err := g.client(deviceID)
	if err != nil {
		return nil, nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.chars[handleKey(deviceID, serviceUUID, charUUID)]
	if !ok {
		return nil, nil, fmt.Errorf("ble: characteristic %s not discovered", charUUID)
	}
	return client, ch, nil
}

func (g *GoBLETransport) ReadCharacteristicForDevice(_ context.Context, deviceID, serviceUUID, charUUID string) (Characteristic, error) {
	client, ch, err := g.characteristic(deviceID, serviceUUID, charUUID)
	if err != nil {
		return Characteristic{}, err
	}
	v, err := client.ReadCharacteristic(ch)
	if err != nil {
		return Characteristic{}, fmt.Errorf("ble: read %s: %w", charUUID, err)
	}
	return Characteristic{
		ID:                     deviceID + "/" + serviceUUID + "/" + charUUID,
		UUID:                   charUUID,
		ServiceUUID:            serviceUUID,
		DeviceID:               deviceID,
		IsReadable:             true,
		IsWritableWithResponse: ch.Property&ble.CharWrite != 0,
		Value:                  codec.Ptr(codec.EncodeBytes(v)),
	}, nil
}

func (g *GoBLETransport) WriteCharacteristicWithResponseForDevice(_ context.Context, deviceID, serviceUUID, charUUID string, payload codec.Payload) (Characteristic, error) {
	client, ch, err := g.characteristic(deviceID, serviceUUID, charUUID)
	if err != nil {
		return Characteristic{}, err
	}
	data, err := codec.DecodeBytes(payload)
	if err != nil {
		return Characteristic{}, err
	}
	if err := client.WriteCharacteristic(ch, data, false); err != nil {
		return Characteristic{}, fmt.Errorf("ble: write %s: %w", charUUID, err)
	}
	return Characteristic{
		ID:                     deviceID + "/" + serviceUUID + "/" + charUUID,
		UUID:                   charUUID,
		ServiceUUID:            serviceUUID,
		DeviceID:               deviceID,
		IsReadable:             ch.Property&ble.CharRead != 0,
		IsWritableWithResponse: true,
		Value:                  codec.Ptr(payload),
	}, nil
}
