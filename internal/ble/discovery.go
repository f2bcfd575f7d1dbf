package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/gattscope/internal/notify"
)

// Discoverer walks a device's services and characteristics and keeps the
// latest complete result per device.
type Discoverer struct {
	transport Transport
	notifier  notify.Notifier
	logger    *slog.Logger

	mu      sync.RWMutex
	results map[string][]ServiceWithCharacteristics
}

// NewDiscoverer creates a Discoverer. A nil logger uses slog.Default().
func NewDiscoverer(transport Transport, notifier notify.Notifier, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		transport: transport,
		notifier:  notifier,
		logger:    logger,
		results:   make(map[string][]ServiceWithCharacteristics),
	}
}

// DiscoverAll lists the services of deviceID and then, one service at a
// time, their characteristics. A failed service listing aborts the whole
// run with ErrDiscovery. A failed characteristic listing is notified and
// only drops that service. Order is the order the transport reports.
//
// The result replaces any earlier result for the device. A run that fails
// or whose ctx is cancelled stores nothing and clears the earlier result.
func (d *Discoverer) DiscoverAll(ctx context.Context, deviceID string) ([]ServiceWithCharacteristics, error) {
	d.forget(deviceID)

	services, err := d.transport.ServicesForDevice(ctx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			d.logger.Info("discovery cancelled", "device", deviceID, "error", ctx.Err())
			return nil, fmt.Errorf("ble: discover %s: %w", deviceID, ctx.Err())
		}
		derr := &Error{Kind: KindDiscovery, Op: "discover services", DeviceID: deviceID, Err: err}
		d.logger.Error("discovery failed", "device", deviceID, "error", err)
		d.notifier.Notify(notify.SeverityError, Message(err), derr.Kind.String())
		return nil, derr
	}
	d.logger.Debug("services listed", "device", deviceID, "count", len(services))

	out := make([]ServiceWithCharacteristics, 0, len(services))
	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			d.logger.Info("discovery cancelled", "device", deviceID, "error", err)
			return nil, fmt.Errorf("ble: discover %s: %w", deviceID, err)
		}

		chars, err := d.transport.CharacteristicsForDevice(ctx, deviceID, svc.UUID)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("discovery cancelled", "device", deviceID, "error", ctx.Err())
				return nil, fmt.Errorf("ble: discover %s: %w", deviceID, ctx.Err())
			}
			cerr := &Error{Kind: KindCharacteristicDiscovery, Op: "discover characteristics", DeviceID: deviceID, ServiceUUID: svc.UUID, Err: err}
			d.logger.Warn("skipping service", "device", deviceID, "service", svc.UUID, "error", err)
			d.notifier.Notify(notify.SeverityWarning,
				fmt.Sprintf("service %s: %s", svc.UUID, Message(err)), cerr.Kind.String())
			continue
		}

		if svc.DeviceID == "" {
			svc.DeviceID = deviceID
		}
		owned := make([]Characteristic, len(chars))
		for i, c := range chars {
			c.DeviceID = svc.DeviceID
			c.ServiceUUID = svc.UUID
			owned[i] = c
		}
		out = append(out, ServiceWithCharacteristics{Service: svc, Characteristics: owned})
	}

	d.mu.Lock()
	d.results[deviceID] = out
	d.mu.Unlock()

	d.logger.Info("discovery complete", "device", deviceID, "services", len(out), "skipped", len(services)-len(out))
	return cloneServices(out), nil
}

// Snapshot returns a copy of the last complete discovery result for the
// device, or nil if there is none.
func (d *Discoverer) Snapshot(deviceID string) []ServiceWithCharacteristics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res, ok := d.results[deviceID]
	if !ok {
		return nil
	}
	return cloneServices(res)
}

func (d *Discoverer) forget(deviceID string) {
	d.mu.Lock()
	delete(d.results, deviceID)
	d.mu.Unlock()
}

func cloneServices(in []ServiceWithCharacteristics) []ServiceWithCharacteristics {
	out := make([]ServiceWithCharacteristics, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Characteristics = append([]Characteristic(nil), s.Characteristics...)
	}
	return out
}
