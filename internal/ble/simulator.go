package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gattscope/internal/ble/codec"
)

// SimFixture describes the peripherals a Simulator pretends to see.
type SimFixture struct {
	Devices []SimDevice `yaml:"devices"`
}

// SimDevice is one simulated peripheral. Error fields inject failures.
type SimDevice struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	LocalName     string        `yaml:"local_name"`
	RSSI          int           `yaml:"rssi"`
	Latency       time.Duration `yaml:"latency"`
	ConnectError  string        `yaml:"connect_error"`
	CancelError   string        `yaml:"cancel_error"`
	ServicesError string        `yaml:"services_error"`
	Services      []SimService  `yaml:"services"`
}

// SimService is a simulated GATT service.
type SimService struct {
	UUID            string              `yaml:"uuid"`
	Latency         time.Duration       `yaml:"latency"`
	Error           string              `yaml:"error"`
	Characteristics []SimCharacteristic `yaml:"characteristics"`
}

// SimCharacteristic is a simulated characteristic. Value is plain text; an
// omitted value is absent.
type SimCharacteristic struct {
	UUID       string  `yaml:"uuid"`
	Readable   bool    `yaml:"readable"`
	Writable   bool    `yaml:"writable"`
	Value      *string `yaml:"value"`
	WriteError string  `yaml:"write_error"`
}

// ParseSimFixture decodes a YAML fixture.
func ParseSimFixture(data []byte) (SimFixture, error) {
	var f SimFixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return SimFixture{}, fmt.Errorf("ble: parse fixture: %w", err)
	}
	seen := make(map[string]bool)
	for _, d := range f.Devices {
		if d.ID == "" {
			return SimFixture{}, errors.New("ble: fixture device without id")
		}
		if seen[d.ID] {
			return SimFixture{}, fmt.Errorf("ble: fixture device %q listed twice", d.ID)
		}
		seen[d.ID] = true
	}
	return f, nil
}

// LoadSimFixture reads and decodes a YAML fixture file.
func LoadSimFixture(path string) (SimFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SimFixture{}, fmt.Errorf("ble: read fixture: %w", err)
	}
	return ParseSimFixture(data)
}

func strPtr(s string) *string { return &s }

// DemoSimFixture is used when no fixture file is configured.
func DemoSimFixture() SimFixture {
	return SimFixture{Devices: []SimDevice{
		{
			ID: "5A:1E:00:00:00:01", Name: "Thermometer", RSSI: -48,
			Services: []SimService{
				{UUID: "180a", Characteristics: []SimCharacteristic{
					{UUID: "2a29", Readable: true, Value: strPtr("Acme")},
					{UUID: "2a24", Readable: true, Value: strPtr("T-100")},
				}},
				{UUID: "181a", Latency: 40 * time.Millisecond, Characteristics: []SimCharacteristic{
					{UUID: "2a6e", Readable: true, Value: strPtr("21.5")},
					{UUID: "2a6f", Readable: true, Writable: true},
				}},
			},
		},
		{
			ID: "5A:1E:00:00:00:02", LocalName: "lamp", RSSI: -61,
			Services: []SimService{
				{UUID: "ff00", Characteristics: []SimCharacteristic{
					{UUID: "ff01", Readable: true, Writable: true, Value: strPtr("off")},
					{UUID: "ff02", Writable: true, WriteError: "write not permitted"},
				}},
				{UUID: "ff10", Error: "insufficient authentication"},
			},
		},
		{ID: "5A:1E:00:00:00:03", RSSI: -87, ConnectError: "connection refused"},
	}}
}

type simChar struct {
	SimCharacteristic
	value *codec.Payload
}

type simDevice struct {
	SimDevice
	chars     map[string]*simChar // serviceUUID/charUUID
	connected bool
}

// Simulator is an in-memory Transport driven by a SimFixture. It is safe
// for concurrent use and behaves like a well-mannered peripheral: calls
// honour ctx, writes are visible to later reads and unknown IDs fail.
type Simulator struct {
	logger *slog.Logger

	mu           sync.Mutex
	order        []string
	devices      map[string]*simDevice
	onDisconnect func(deviceID string)
}

// NewSimulator builds a Simulator from f. A nil logger uses slog.Default().
func NewSimulator(f SimFixture, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulator{logger: logger, devices: make(map[string]*simDevice)}
	for _, d := range f.Devices {
		sd := &simDevice{SimDevice: d, chars: make(map[string]*simChar)}
		for _, svc := range d.Services {
			for _, c := range svc.Characteristics {
				sc := &simChar{SimCharacteristic: c}
				if c.Value != nil {
					sc.value = codec.Ptr(codec.Encode(*c.Value))
				}
				sd.chars[svc.UUID+"/"+c.UUID] = sc
			}
		}
		s.order = append(s.order, d.ID)
		s.devices[d.ID] = sd
	}
	return s
}

var (
	_ Transport         = (*Simulator)(nil)
	_ DisconnectWatcher = (*Simulator)(nil)
)

// OnDisconnect registers cb for connections dropped with Drop.
func (s *Simulator) OnDisconnect(cb func(deviceID string)) {
	s.mu.Lock()
	s.onDisconnect = cb
	s.mu.Unlock()
}

// Drop simulates the peripheral going out of range.
func (s *Simulator) Drop(deviceID string) {
	s.mu.Lock()
	d, ok := s.devices[deviceID]
	if ok {
		d.connected = false
	}
	cb := s.onDisconnect
	s.mu.Unlock()
	if ok && cb != nil {
		cb(deviceID)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) lookup(deviceID string, wantConnected bool) (*simDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("sim: unknown device %s", deviceID)
	}
	if wantConnected && !d.connected {
		return nil, fmt.Errorf("sim: %s: %w", deviceID, ErrNotConnected)
	}
	return d, nil
}

func (s *Simulator) Enable() error { return nil }

// Scan reports every fixture device advertising serviceUUID (or all of them)
// once, after which it returns without waiting for ctx.
func (s *Simulator) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	if err := wait(ctx, 10*time.Millisecond); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Device
	for _, id := range s.order {
		d := s.devices[id]
		if serviceUUID != "" && !d.advertises(serviceUUID) {
			continue
		}
		out = append(out, Device{ID: d.ID, Name: d.Name, LocalName: d.LocalName, RSSI: d.RSSI, IsConnected: d.connected})
	}
	s.logger.Debug("[SIM] scan", "found", len(out))
	return out, nil
}

func (d *simDevice) advertises(serviceUUID string) bool {
	for _, svc := range d.Services {
		if svc.UUID == serviceUUID {
			return true
		}
	}
	return false
}

func (s *Simulator) ConnectToDevice(ctx context.Context, deviceID string) (Device, error) {
	d, err := s.lookup(deviceID, false)
	if err != nil {
		return Device{}, err
	}
	if err := wait(ctx, d.Latency); err != nil {
		return Device{}, err
	}
	if d.ConnectError != "" {
		return Device{}, errors.New(d.ConnectError)
	}
	s.mu.Lock()
	d.connected = true
	s.mu.Unlock()
	return Device{ID: d.ID, Name: d.Name, LocalName: d.LocalName, RSSI: d.RSSI, IsConnected: true}, nil
}

func (s *Simulator) CancelDeviceConnection(ctx context.Context, deviceID string) (Device, error) {
	d, err := s.lookup(deviceID, false)
	if err != nil {
		return Device{}, err
	}
	if err := wait(ctx, d.Latency); err != nil {
		return Device{}, err
	}
	if d.CancelError != "" {
		return Device{}, errors.New(d.CancelError)
	}
	s.mu.Lock()
	d.connected = false
	s.mu.Unlock()
	return Device{ID: d.ID, Name: d.Name, LocalName: d.LocalName, RSSI: d.RSSI}, nil
}

func (s *Simulator) ServicesForDevice(ctx context.Context, deviceID string) ([]Service, error) {
	d, err := s.lookup(deviceID, true)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, d.Latency); err != nil {
		return nil, err
	}
	if d.ServicesError != "" {
		return nil, errors.New(d.ServicesError)
	}
	out := make([]Service, 0, len(d.Services))
	for _, svc := range d.Services {
		out = append(out, Service{ID: d.ID + "/" + svc.UUID, UUID: svc.UUID, DeviceID: d.ID, IsPrimary: true})
	}
	return out, nil
}

func (s *Simulator) CharacteristicsForDevice(ctx context.Context, deviceID, serviceUUID string) ([]Characteristic, error) {
	d, err := s.lookup(deviceID, true)
	if err != nil {
		return nil, err
	}
	var svc *SimService
	for i := range d.Services {
		if d.Services[i].UUID == serviceUUID {
			svc = &d.Services[i]
			break
		}
	}
	if svc == nil {
		return nil, fmt.Errorf("sim: service %s not found", serviceUUID)
	}
	if err := wait(ctx, svc.Latency); err != nil {
		return nil, err
	}
	if svc.Error != "" {
		return nil, errors.New(svc.Error)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Characteristic, 0, len(svc.Characteristics))
	for _, c := range svc.Characteristics {
		out = append(out, d.record(serviceUUID, d.chars[serviceUUID+"/"+c.UUID]))
	}
	return out, nil
}

// record converts sc to a Characteristic; caller holds s.mu.
func (d *simDevice) record(serviceUUID string, sc *simChar) Characteristic {
	c := Characteristic{
		ID:                     d.ID + "/" + serviceUUID + "/" + sc.UUID,
		UUID:                   sc.UUID,
		ServiceUUID:            serviceUUID,
		DeviceID:               d.ID,
		IsReadable:             sc.Readable,
		IsWritableWithResponse: sc.Writable,
	}
	if sc.value != nil {
		c.Value = codec.Ptr(*sc.value)
	}
	return c
}

func (s *Simulator) char(ctx context.Context, deviceID, serviceUUID, charUUID string) (*simDevice, *simChar, error) {
	d, err := s.lookup(deviceID, true)
	if err != nil {
		return nil, nil, err
	}
	if err := wait(ctx, d.Latency); err != nil {
		return nil, nil, err
	}
	sc, ok := d.chars[serviceUUID+"/"+charUUID]
	if !ok {
		return nil, nil, fmt.Errorf("sim: characteristic %s not found", charUUID)
	}
	return d, sc, nil
}

func (s *Simulator) ReadCharacteristicForDevice(ctx context.Context, deviceID, serviceUUID, charUUID string) (Characteristic, error) {
	d, sc, err := s.char(ctx, deviceID, serviceUUID, charUUID)
	if err != nil {
		return Characteristic{}, err
	}
	if !sc.Readable {
		return Characteristic{}, errors.New("read not permitted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.record(serviceUUID, sc), nil
}

func (s *Simulator) WriteCharacteristicWithResponseForDevice(ctx context.Context, deviceID, serviceUUID, charUUID string, payload codec.Payload) (Characteristic, error) {
	d, sc, err := s.char(ctx, deviceID, serviceUUID, charUUID)
	if err != nil {
		return Characteristic{}, err
	}
	if sc.WriteError != "" {
		return Characteristic{}, errors.New(sc.WriteError)
	}
	if !sc.Writable {
		return Characteristic{}, errors.New("write not permitted")
	}
	if _, err := codec.DecodeBytes(payload); err != nil {
		return Characteristic{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc.value = codec.Ptr(payload)
	s.logger.Debug("[SIM] write", "device", deviceID, "characteristic", charUUID, "payload", string(payload))
	return d.record(serviceUUID, sc), nil
}
