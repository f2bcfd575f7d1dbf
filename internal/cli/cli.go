package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chaz8081/gattscope/internal/ble"
	"github.com/chaz8081/gattscope/internal/ble/codec"
	"github.com/chaz8081/gattscope/internal/config"
	"github.com/chaz8081/gattscope/internal/notify"
	"github.com/chaz8081/gattscope/internal/render"
	"github.com/chaz8081/gattscope/internal/tui"
)

// CLI is the root command structure for gattscope.
type CLI struct {
	Config  string `short:"c" help:"Path to config file (default: ~/.config/gattscope/config.yaml)" type:"path"`
	Verbose bool   `short:"v" help:"Enable verbose debug output"`
	Backend string `short:"b" help:"BLE backend: tinygo, goble or sim (overrides config)"`
	Fixture string `help:"Simulator fixture file (implies --backend sim unless set)" type:"path"`

	// Default command - TUI
	Tui TuiCmd `cmd:"" default:"withargs" help:"Launch interactive TUI (default)"`

	Scan       ScanCmd       `cmd:"" help:"Scan for nearby peripherals"`
	Explore    ExploreCmd    `cmd:"" help:"Connect and list every service and characteristic"`
	Read       ReadCmd       `cmd:"" help:"Read one characteristic"`
	Write      WriteCmd      `cmd:"" help:"Write text to one characteristic (with response)"`
	Disconnect DisconnectCmd `cmd:"" help:"Cancel the connection to a device"`
	InitConfig InitConfigCmd `cmd:"" name:"init-config" help:"Write the default config file"`

	Ctx context.Context `kong:"-"`
	Out io.Writer       `kong:"-"`
}

func (c *CLI) context() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

func (c *CLI) out() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

// App holds the wired components for one invocation.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Registry   *ble.Registry
	Center     *notify.Center
	Client     *ble.Client
	Controller *ble.Controller
	Discoverer *ble.Discoverer
	Session    *ble.Session
}

// NewApp loads configuration, applies flag overrides and wires the
// components. Logs go to logOut.
func NewApp(globals *CLI, logOut io.Writer) (*App, error) {
	cfg, err := config.LoadOrDefault(globals.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if globals.Verbose {
		cfg.LogLevel = "debug"
	}
	if globals.Fixture != "" {
		cfg.SimFixture = globals.Fixture
		if globals.Backend == "" {
			cfg.Backend = "sim"
		}
	}
	if globals.Backend != "" {
		cfg.Backend = globals.Backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	logger := cfg.NewLogger(logOut)
	slog.SetDefault(logger)

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := ble.NewClient(transport, ble.ClientOptions{
		CallTimeout:        cfg.Transport.CallTimeout,
		ConnectTimeout:     cfg.Transport.ConnectTimeout,
		ConnectAttempts:    cfg.Transport.ConnectAttempts,
		BreakerMaxFailures: cfg.Transport.BreakerMaxFailures,
		BreakerCooldown:    cfg.Transport.BreakerCooldown,
	}, logger)

	center := notify.NewCenter(cfg.Notify.History, logger)
	registry := ble.NewRegistry()
	controller := ble.NewController(client, registry, center, logger)
	if w, ok := transport.(ble.DisconnectWatcher); ok {
		w.OnDisconnect(controller.HandleDropped)
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Registry:   registry,
		Center:     center,
		Client:     client,
		Controller: controller,
		Discoverer: ble.NewDiscoverer(client, center, logger),
		Session:    ble.NewSession(client, center, ble.SessionOptions{MaxInputLength: cfg.Session.MaxInputLength}, logger),
	}, nil
}

func newTransport(cfg *config.Config, logger *slog.Logger) (ble.Transport, error) {
	switch cfg.Backend {
	case "sim":
		fixture := ble.DemoSimFixture()
		if cfg.SimFixture != "" {
			f, err := ble.LoadSimFixture(cfg.SimFixture)
			if err != nil {
				return nil, err
			}
			fixture = f
		}
		return ble.NewSimulator(fixture, logger), nil
	case "goble":
		return ble.NewGoBLETransport(logger)
	default:
		t := ble.NewTinyGoTransport(logger)
		t.ReadOnDiscover = cfg.Discovery.ReadValues
		return t, nil
	}
}

// connect connects to deviceID and discovers it, so that characteristic
// handles are known to the transport. If discovery fails the connection is
// released before returning.
func (a *App) connect(ctx context.Context, deviceID string) ([]ble.ServiceWithCharacteristics, error) {
	if err := a.Client.Enable(); err != nil {
		return nil, err
	}
	if _, err := a.Controller.Connect(ctx, deviceID); err != nil {
		return nil, err
	}
	services, err := a.Discoverer.DiscoverAll(ctx, deviceID)
	if err != nil {
		a.release(ctx, deviceID)
		return nil, err
	}
	return services, nil
}

// release disconnects deviceID even if ctx was cancelled by a signal.
func (a *App) release(ctx context.Context, deviceID string) {
	if _, err := a.Controller.Disconnect(context.WithoutCancel(ctx), deviceID); err != nil {
		a.Logger.Warn("disconnect on exit failed", "device", deviceID, "error", err)
	}
}

// --- TUI Command ---

type TuiCmd struct {
	LogFile string `help:"Write logs here while the TUI owns the terminal" type:"path"`
}

func (c *TuiCmd) Run(globals *CLI) error {
	path := c.LogFile
	if path == "" {
		path = filepath.Join(os.TempDir(), "gattscope.log")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	app, err := NewApp(globals, f)
	if err != nil {
		return err
	}
	return tui.Run(globals.context(), tui.Deps{
		Controller:   app.Controller,
		Discoverer:   app.Discoverer,
		Session:      app.Session,
		Center:       app.Center,
		ScanDuration: app.Config.Scan.Duration,
		ServiceUUID:  app.Config.Scan.ServiceUUID,
	})
}

// --- One-shot commands ---

type ScanCmd struct {
	Service string `help:"Only report peripherals advertising this service UUID"`
}

func (c *ScanCmd) Run(globals *CLI) error {
	app, err := NewApp(globals, os.Stderr)
	if err != nil {
		return err
	}
	uuid := c.Service
	if uuid == "" {
		uuid = app.Config.Scan.ServiceUUID
	}
	found, err := app.Controller.Scan(globals.context(), uuid, app.Config.Scan.Duration)
	if err != nil {
		return err
	}
	for _, d := range found {
		fmt.Fprintln(globals.out(), render.DeviceLine(d))
	}
	return nil
}

type ExploreCmd struct {
	Device string `arg:"" help:"Device ID (MAC address, or CoreBluetooth UUID on macOS)"`
}

func (c *ExploreCmd) Run(globals *CLI) error {
	app, err := NewApp(globals, os.Stderr)
	if err != nil {
		return err
	}
	ctx := globals.context()
	services, err := app.connect(ctx, c.Device)
	if err != nil {
		return err
	}
	defer app.release(ctx, c.Device)

	fmt.Fprint(globals.out(), render.ServicesCard(services))
	return nil
}

type ReadCmd struct {
	Device         string `arg:"" help:"Device ID"`
	Service        string `arg:"" help:"Service UUID"`
	Characteristic string `arg:"" help:"Characteristic UUID"`
}

func (c *ReadCmd) Run(globals *CLI) error {
	app, err := NewApp(globals, os.Stderr)
	if err != nil {
		return err
	}
	ctx := globals.context()
	if _, err := app.connect(ctx, c.Device); err != nil {
		return err
	}
	defer app.release(ctx, c.Device)

	ch, err := app.Session.Read(ctx, ble.Target{DeviceID: c.Device, ServiceUUID: c.Service, CharacteristicUUID: c.Characteristic})
	if err != nil {
		return err
	}
	fmt.Fprintln(globals.out(), codec.Display(ch.Value))
	return nil
}

type WriteCmd struct {
	Device         string `arg:"" help:"Device ID"`
	Service        string `arg:"" help:"Service UUID"`
	Characteristic string `arg:"" help:"Characteristic UUID"`
	Text           string `arg:"" help:"Text to write"`
}

func (c *WriteCmd) Run(globals *CLI) error {
	app, err := NewApp(globals, os.Stderr)
	if err != nil {
		return err
	}
	ctx := globals.context()
	if _, err := app.connect(ctx, c.Device); err != nil {
		return err
	}
	defer app.release(ctx, c.Device)

	if err := app.Session.Select(ble.Target{DeviceID: c.Device, ServiceUUID: c.Service, CharacteristicUUID: c.Characteristic}); err != nil {
		return err
	}
	if err := app.Session.SetInput(c.Text); err != nil {
		return err
	}
	ch, err := app.Session.Submit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(globals.out(), "wrote %s: %s\n", ch.UUID, codec.Display(ch.Value))
	return nil
}

type DisconnectCmd struct {
	Device string `arg:"" help:"Device ID"`
}

func (c *DisconnectCmd) Run(globals *CLI) error {
	app, err := NewApp(globals, os.Stderr)
	if err != nil {
		return err
	}
	if err := app.Client.Enable(); err != nil {
		return err
	}
	dev, err := app.Controller.Disconnect(globals.context(), c.Device)
	if err != nil {
		return err
	}
	fmt.Fprintf(globals.out(), "disconnected %s\n", dev.ID)
	return nil
}

type InitConfigCmd struct{}

func (c *InitConfigCmd) Run(globals *CLI) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Fprintf(globals.out(), "config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Fprintf(globals.out(), "wrote %s\n", path)
	return nil
}
