package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/chaz8081/gattscope/internal/ble/codec"
)

// ClientOptions configures the transport client behavior.
type ClientOptions struct {
	CallTimeout        time.Duration // per remote call (default 5s)
	ConnectTimeout     time.Duration // per connection attempt (default 10s)
	ConnectAttempts    int           // connection attempts before giving up (default 3)
	BackoffBase        time.Duration // delay before the second attempt, doubled after (default 1s)
	BackoffMax         time.Duration // cap on the delay between attempts (default 8s)
	BreakerMaxFailures uint32        // consecutive failures that open the breaker (default 5)
	BreakerCooldown    time.Duration // how long the breaker stays open (default 30s)
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		CallTimeout:        5 * time.Second,
		ConnectTimeout:     10 * time.Second,
		ConnectAttempts:    3,
		BackoffBase:        time.Second,
		BackoffMax:         8 * time.Second,
		BreakerMaxFailures: 5,
		BreakerCooldown:    30 * time.Second,
	}
}

// Client wraps a Transport with per-call timeouts, connection retries and a
// circuit breaker, and classifies every failure as ErrTimeout or
// ErrTransport. It implements Transport itself.
type Client struct {
	inner   Transport
	opts    ClientOptions
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[any]
}

// Compile-time check that Client implements Transport.
var _ Transport = (*Client)(nil)

// NewClient wraps inner. Zero option fields take their defaults.
func NewClient(inner Transport, opts ClientOptions, logger *slog.Logger) *Client {
	def := DefaultClientOptions()
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = def.BreakerCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxFailures := opts.BreakerMaxFailures
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "ble-transport",
		MaxRequests: 1, // one trial request while half-open
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[BLE] circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Only link failures count; a peripheral refusing one request
		// (insufficient authentication, write not permitted) does not.
		IsSuccessful: func(err error) bool {
			return !isLinkFailure(err)
		},
	})

	return &Client{inner: inner, opts: opts, logger: logger, breaker: breaker}
}

// BreakerState reports the circuit breaker state for display.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// linkError marks a failure to establish a link. It formats as its cause.
type linkError struct{ err error }

func (e linkError) Error() string { return e.err.Error() }
func (e linkError) Unwrap() error { return e.err }

// isLinkFailure reports whether err means the link itself is unusable.
func isLinkFailure(err error) bool {
	if err == nil {
		return false
	}
	var le linkError
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotConnected) || errors.As(err, &le)
}

type callResult[T any] struct {
	v   T
	err error
}

// runWithTimeout runs fn under a deadline. Transports that ignore ctx are
// abandoned when the deadline passes; their result is discarded.
func runWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- callResult[T]{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// call routes fn through the breaker under timeout and classifies failures
// using tmpl for the operation and identifiers.
func call[T any](ctx context.Context, c *Client, timeout time.Duration, tmpl Error, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	v, err := c.breaker.Execute(func() (any, error) {
		r, err := runWithTimeout(ctx, timeout, fn)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	c.logger.Debug("[BLE] call", "op", tmpl.Op, "device", tmpl.DeviceID, "elapsed", time.Since(start).Round(time.Millisecond), "error", err)

	if err != nil {
		return zero, c.classify(ctx, timeout, tmpl, err)
	}
	return v.(T), nil
}

func (c *Client) classify(ctx context.Context, timeout time.Duration, tmpl Error, err error) error {
	e := tmpl
	switch {
	case ctx.Err() != nil:
		// The caller gave up; that is not a transport failure.
		return fmt.Errorf("ble: %s: %w", tmpl.Op, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		e.Kind = KindTransport
		e.Err = fmt.Errorf("transport unavailable after repeated failures: %w", err)
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
		e.Err = fmt.Errorf("no response within %s: %w", timeout, err)
	default:
		e.Kind = KindTransport
		e.Err = err
	}
	return &e
}

// backoffDelay returns the delay before connection attempt n+1, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt >= 62 || base > max>>uint(attempt) {
		return max
	}
	return base << uint(attempt)
}

func (c *Client) Enable() error {
	if err := c.inner.Enable(); err != nil {
		return &Error{Kind: KindTransport, Op: "enable adapter", Err: err}
	}
	return nil
}

// Scan is bounded by ctx alone; the per-call timeout does not apply.
func (c *Client) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	devices, err := c.inner.Scan(ctx, serviceUUID)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: "scan", Err: err}
	}
	return devices, nil
}

// ConnectToDevice retries with exponential backoff up to ConnectAttempts.
func (c *Client) ConnectToDevice(ctx context.Context, deviceID string) (Device, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.BackoffBase, c.opts.BackoffMax)
			c.logger.Info("[BLE] connect backoff", "device", deviceID, "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Device{}, fmt.Errorf("ble: connect %s: %w", deviceID, ctx.Err())
			}
		}

		dev, err := call(ctx, c, c.opts.ConnectTimeout, Error{Op: "connect", DeviceID: deviceID},
			func(ctx context.Context) (Device, error) {
				dev, err := c.inner.ConnectToDevice(ctx, deviceID)
				if err != nil && ctx.Err() == nil {
					return dev, linkError{err}
				}
				return dev, err
			})
		if err == nil {
			return dev, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Device{}, err
		}
		c.logger.Warn("[BLE] connect failed", "device", deviceID, "attempt", attempt+1, "error", err)
	}
	return Device{}, lastErr
}

func (c *Client) CancelDeviceConnection(ctx context.Context, deviceID string) (Device, error) {
	return call(ctx, c, c.opts.CallTimeout, Error{Op: "cancel connection", DeviceID: deviceID},
		func(ctx context.Context) (Device, error) {
			return c.inner.CancelDeviceConnection(ctx, deviceID)
		})
}

func (c *Client) ServicesForDevice(ctx context.Context, deviceID string) ([]Service, error) {
	return call(ctx, c, c.opts.CallTimeout, Error{Op: "list services", DeviceID: deviceID},
		func(ctx context.Context) ([]Service, error) {
			return c.inner.ServicesForDevice(ctx, deviceID)
		})
}

func (c *Client) CharacteristicsForDevice(ctx context.Context, deviceID, serviceUUID string) ([]Characteristic, error) {
	return call(ctx, c, c.opts.CallTimeout, Error{Op: "list characteristics", DeviceID: deviceID, ServiceUUID: serviceUUID},
		func(ctx context.Context) ([]Characteristic, error) {
			return c.inner.CharacteristicsForDevice(ctx, deviceID, serviceUUID)
		})
}

func (c *Client) ReadCharacteristicForDevice(ctx context.Context, deviceID, serviceUUID, charUUID string) (Characteristic, error) {
	return call(ctx, c, c.opts.CallTimeout, Error{Op: "read", DeviceID: deviceID, ServiceUUID: serviceUUID, CharacteristicUUID: charUUID},
		func(ctx context.Context) (Characteristic, error) {
			return c.inner.ReadCharacteristicForDevice(ctx, deviceID, serviceUUID, charUUID)
		})
}

func (c *Client) WriteCharacteristicWithResponseForDevice(ctx context.Context, deviceID, serviceUUID, charUUID string, payload codec.Payload) (Characteristic, error) {
	return call(ctx, c, c.opts.CallTimeout, Error{Op: "write", DeviceID: deviceID, ServiceUUID: serviceUUID, CharacteristicUUID: charUUID},
		func(ctx context.Context) (Characteristic, error) {
			return c.inner.WriteCharacteristicWithResponseForDevice(ctx, deviceID, serviceUUID, charUUID, payload)
		})
}
