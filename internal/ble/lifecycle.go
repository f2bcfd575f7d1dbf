package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/gattscope/internal/notify"
)

// Controller owns connection changes and is the only writer of the
// connection state held in the Registry.
type Controller struct {
	transport Transport
	registry  *Registry
	notifier  notify.Notifier
	logger    *slog.Logger
}

// NewController creates a Controller. A nil logger uses slog.Default().
func NewController(transport Transport, registry *Registry, notifier notify.Notifier, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		transport: transport,
		registry:  registry,
		notifier:  notifier,
		logger:    logger,
	}
}

// Registry returns the registry the controller writes to.
func (c *Controller) Registry() *Registry { return c.registry }

// Scan enables the adapter, scans for the given duration and merges what it
// sees into the registry. It returns the devices seen by this scan.
func (c *Controller) Scan(ctx context.Context, serviceUUID string, duration time.Duration) ([]Device, error) {
	if err := c.transport.Enable(); err != nil {
		c.notifier.Notify(notify.SeverityError, Message(err), categoryOrTransport(err))
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	found, err := c.transport.Scan(ctx, serviceUUID)
	if err != nil {
		c.logger.Error("scan failed", "error", err)
		c.notifier.Notify(notify.SeverityError, Message(err), categoryOrTransport(err))
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	out := make([]Device, 0, len(found))
	for _, d := range found {
		out = append(out, c.registry.Upsert(d))
	}
	c.logger.Info("scan complete", "found", len(out), "known", c.registry.Len())
	c.notifier.Notify(notify.SeverityInfo, fmt.Sprintf("Found %d devices", len(out)), "")
	return out, nil
}

// Connect connects to the device and marks it connected. On failure the
// registry is left untouched.
func (c *Controller) Connect(ctx context.Context, deviceID string) (Device, error) {
	dev, err := c.transport.ConnectToDevice(ctx, deviceID)
	if err != nil {
		c.logger.Error("connect failed", "device", deviceID, "error", err)
		c.notifier.Notify(notify.SeverityError, Message(err), categoryOrTransport(err))
		return Device{}, fmt.Errorf("ble: connect %s: %w", deviceID, err)
	}

	id := deviceID
	if dev.ID != "" {
		id = dev.ID
	}
	if _, ok := c.registry.Get(id); !ok {
		dev.ID = id
		c.registry.Upsert(dev)
	}
	updated, err := c.registry.UpdateDevice(id, Connected(true))
	if err != nil {
		return Device{}, err
	}

	c.logger.Info("connected", "device", id)
	c.notifier.Notify(notify.SeveritySuccess, "Connected to "+updated.Title(), "")
	return updated, nil
}

// Disconnect cancels the connection to the device. On success the registry
// entry, matched by the ID the transport reports (or deviceID when it
// reports none), has IsConnected cleared and nothing else changed. On
// failure it returns ErrDisconnect and the registry is untouched.
func (c *Controller) Disconnect(ctx context.Context, deviceID string) (Device, error) {
	dev, err := c.transport.CancelDeviceConnection(ctx, deviceID)
	if err != nil {
		derr := &Error{Kind: KindDisconnect, Op: "cancel connection", DeviceID: deviceID, Err: err}
		c.logger.Error("connection cancellation failed", "device", deviceID, "error", err)
		c.notifier.Notify(notify.SeverityError, Message(err), derr.Kind.String())
		return Device{}, derr
	}
	c.logger.Info("connection cancelled", "device", deviceID)

	id := deviceID
	if dev.ID != "" {
		id = dev.ID
	}
	updated, err := c.registry.UpdateDevice(id, Connected(false))
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		c.logger.Warn("disconnected device is not in the registry", "device", id)
		dev.ID = id
		dev.IsConnected = false
		updated = dev
	case err != nil:
		return Device{}, err
	}

	c.notifier.Notify(notify.SeveritySuccess, "Disconnected from device", "")
	return updated, nil
}

// HandleDropped records a connection the peripheral dropped on its own. It
// is meant to be registered with a DisconnectWatcher.
func (c *Controller) HandleDropped(deviceID string) {
	updated, err := c.registry.UpdateDevice(deviceID, Connected(false))
	if err != nil {
		c.logger.Warn("dropped device is not in the registry", "device", deviceID)
		return
	}
	c.logger.Warn("connection lost", "device", deviceID)
	c.notifier.Notify(notify.SeverityWarning, "Connection lost: "+updated.Title(), KindDisconnect.String())
}
