package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/gattscope/internal/ble"
	"github.com/chaz8081/gattscope/internal/ble/codec"
	"github.com/chaz8081/gattscope/internal/notify"
	"github.com/chaz8081/gattscope/internal/render"
)

// View represents different screens in the TUI.
type View int

const (
	ViewDevices View = iota
	ViewDetails
)

// toastTTL is how long a notification stays on screen.
const toastTTL = 4 * time.Second

// Deps are the components the TUI drives.
type Deps struct {
	Controller   *ble.Controller
	Discoverer   *ble.Discoverer
	Session      *ble.Session
	Center       *notify.Center
	ScanDuration time.Duration
	ServiceUUID  string
}

// Model is the main Bubbletea model for the TUI.
type Model struct {
	deps Deps
	ctx  context.Context

	// State
	view   View
	cursor int // device index, or characteristic index in details
	width  int
	height int

	// Data
	devices        []ble.Device
	deviceID       string
	services       []ble.ServiceWithCharacteristics
	scanning       bool
	connecting     bool
	discovering    bool
	disconnecting  bool
	reading        bool
	errorMsg       string
	discoverCancel context.CancelFunc
	discoverGen    int // bumped by every openDetails

	// Write modal
	composing bool
	writing   bool
	input     textinput.Model

	// Toast
	notifications <-chan notify.Notification
	toast         *notify.Notification

	// Components
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
	card    render.Styles
}

// --- Custom messages for async operations ---

// scanDoneMsg delivers the devices seen by a scan.
type scanDoneMsg struct {
	found []ble.Device
	err   error
}

// connectDoneMsg signals connection attempt result.
type connectDoneMsg struct {
	device ble.Device
	err    error
}

// discoveredMsg delivers a device's services and characteristics.
type discoveredMsg struct {
	gen      int
	deviceID string
	services []ble.ServiceWithCharacteristics
	err      error
}

// readDoneMsg delivers a refreshed characteristic.
type readDoneMsg struct {
	char ble.Characteristic
	err  error
}

// writeDoneMsg signals a write completed.
type writeDoneMsg struct {
	char ble.Characteristic
	err  error
}

// disconnectDoneMsg signals a disconnect attempt completed.
type disconnectDoneMsg struct {
	device ble.Device
	err    error
}

// notificationMsg carries one notification from the center.
type notificationMsg notify.Notification

// toastExpiredMsg clears the toast if it is still the one with this ID.
type toastExpiredMsg string

// NewModel creates the model. notifications may be nil.
func NewModel(ctx context.Context, deps Deps, notifications <-chan notify.Notification) Model {
	h := help.New()
	h.ShowAll = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	in := textinput.New()
	in.Placeholder = "text to write"
	in.CharLimit = deps.Session.MaxInputLength()
	in.Width = 40

	return Model{
		deps:          deps,
		ctx:           ctx,
		view:          ViewDevices,
		devices:       deps.Controller.Registry().Snapshot(),
		scanning:      true, // scan on launch
		input:         in,
		notifications: notifications,
		keys:          DefaultKeyMap(),
		help:          h,
		spinner:       s,
		styles:        DefaultStyles(),
		card:          render.DefaultStyles(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.scanCmd(), m.spinner.Tick, waitForNotification(m.notifications))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.composing {
			return m.handleModalKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case scanDoneMsg:
		m.scanning = false
		m.devices = m.deps.Controller.Registry().Snapshot()
		m.clampCursor()
		return m, nil

	case connectDoneMsg:
		m.connecting = false
		m.devices = m.deps.Controller.Registry().Snapshot()
		if msg.err != nil {
			return m, nil
		}
		return m.openDetails(msg.device.ID)

	case discoveredMsg:
		if msg.gen != m.discoverGen || msg.deviceID != m.deviceID {
			return m, nil // stale result from an earlier visit
		}
		m.discovering = false
		m.services = msg.services
		m.cursor = 0
		return m, nil

	case readDoneMsg:
		m.reading = false
		if msg.err == nil {
			m.replaceCharacteristic(msg.char)
		}
		return m, nil

	case writeDoneMsg:
		m.writing = false
		m.composing = false
		m.input.Blur()
		if msg.err == nil {
			m.replaceCharacteristic(msg.char)
		}
		return m, nil

	case disconnectDoneMsg:
		// Back to the list whether or not the disconnect succeeded.
		m.disconnecting = false
		m.leaveDetails()
		m.devices = m.deps.Controller.Registry().Snapshot()
		return m, nil

	case notificationMsg:
		n := notify.Notification(msg)
		m.toast = &n
		m.devices = m.deps.Controller.Registry().Snapshot()
		return m, tea.Batch(waitForNotification(m.notifications), expireToast(n.ID))

	case toastExpiredMsg:
		if m.toast != nil && m.toast.ID == string(msg) {
			m.toast = nil
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.errorMsg = ""
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.view == ViewDevices {
			return m, tea.Quit
		}
		m.leaveDetails()
		return m, nil

	case key.Matches(msg, m.keys.Back):
		if m.view == ViewDetails && !m.disconnecting {
			m.leaveDetails()
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.cursor--
		if m.cursor < 0 {
			m.cursor = m.maxCursor()
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.cursor++
		if m.cursor > m.maxCursor() {
			m.cursor = 0
		}
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}

	if m.view == ViewDevices {
		return m.handleDevicesKey(msg)
	}
	return m.handleDetailsKey(msg)
}

func (m Model) handleDevicesKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Scan):
		if m.scanning {
			return m, nil
		}
		m.scanning = true
		return m, tea.Batch(m.scanCmd(), m.spinner.Tick)

	case key.Matches(msg, m.keys.Select):
		if m.connecting || m.cursor >= len(m.devices) {
			return m, nil
		}
		dev := m.devices[m.cursor]
		if dev.IsConnected {
			return m.openDetails(dev.ID)
		}
		m.connecting = true
		return m, tea.Batch(m.connectCmd(dev.ID), m.spinner.Tick)
	}
	return m, nil
}

func (m Model) handleDetailsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.disconnecting {
		return m, nil
	}
	switch {
	case key.Matches(msg, m.keys.Disconnect):
		if m.discoverCancel != nil {
			m.discoverCancel()
		}
		m.disconnecting = true
		return m, tea.Batch(m.disconnectCmd(m.deviceID), m.spinner.Tick)

	case key.Matches(msg, m.keys.Read):
		c, ok := m.selected()
		if !ok || m.reading {
			return m, nil
		}
		m.reading = true
		return m, m.readCmd(ble.TargetOf(c))

	case key.Matches(msg, m.keys.Write):
		c, ok := m.selected()
		if !ok {
			return m, nil
		}
		if err := m.deps.Session.Select(ble.TargetOf(c)); err != nil {
			m.errorMsg = ble.Message(err)
			return m, nil
		}
		m.composing = true
		m.input.Reset()
		return m, m.input.Focus()
	}
	return m, nil
}

func (m Model) handleModalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.writing {
		return m, nil
	}
	switch msg.Type {
	case tea.KeyEsc:
		m.deps.Session.Cancel()
		m.composing = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		if err := m.deps.Session.SetInput(m.input.Value()); err != nil {
			m.errorMsg = err.Error()
			return m, nil
		}
		m.writing = true
		return m, tea.Batch(m.writeCmd(), m.spinner.Tick)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// openDetails shows deviceID and starts discovery, cancelling any earlier run.
func (m Model) openDetails(deviceID string) (tea.Model, tea.Cmd) {
	if m.discoverCancel != nil {
		m.discoverCancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.discoverCancel = cancel
	m.view = ViewDetails
	m.deviceID = deviceID
	m.services = nil
	m.cursor = 0
	m.discovering = true
	m.discoverGen++
	return m, tea.Batch(discoverCmd(ctx, m.deps.Discoverer, deviceID, m.discoverGen), m.spinner.Tick)
}

func (m *Model) leaveDetails() {
	if m.discoverCancel != nil {
		m.discoverCancel()
		m.discoverCancel = nil
	}
	if m.composing {
		m.deps.Session.Cancel()
		m.composing = false
	}
	idx := 0
	for i, d := range m.devices {
		if d.ID == m.deviceID {
			idx = i
		}
	}
	m.view = ViewDevices
	m.deviceID = ""
	m.services = nil
	m.discovering = false
	m.cursor = idx
}

// characteristics flattens the discovered characteristics in display order.
func (m Model) characteristics() []ble.Characteristic {
	var out []ble.Characteristic
	for _, s := range m.services {
		out = append(out, s.Characteristics...)
	}
	return out
}

func (m Model) selected() (ble.Characteristic, bool) {
	chars := m.characteristics()
	if m.cursor < 0 || m.cursor >= len(chars) {
		return ble.Characteristic{}, false
	}
	return chars[m.cursor], true
}

func (m *Model) replaceCharacteristic(c ble.Characteristic) {
	for i := range m.services {
		if m.services[i].UUID != c.ServiceUUID || m.services[i].DeviceID != c.DeviceID {
			continue
		}
		// Copy before mutating; the slice may be shared with the discoverer.
		chars := append([]ble.Characteristic(nil), m.services[i].Characteristics...)
		for j := range chars {
			if chars[j].UUID == c.UUID {
				chars[j].Value = c.Value
				chars[j].IsReadable = chars[j].IsReadable || c.IsReadable
			}
		}
		services := append([]ble.ServiceWithCharacteristics(nil), m.services...)
		services[i].Characteristics = chars
		m.services = services
		return
	}
}

func (m Model) maxCursor() int {
	n := len(m.devices)
	if m.view == ViewDetails {
		n = len(m.characteristics())
	}
	if n == 0 {
		return 0
	}
	return n - 1
}

func (m *Model) clampCursor() {
	if m.cursor > m.maxCursor() {
		m.cursor = m.maxCursor()
	}
}

func (m Model) cardCursor() render.Cursor {
	i := m.cursor
	for si, s := range m.services {
		if i < len(s.Characteristics) {
			return render.Cursor{Service: si, Characteristic: i}
		}
		i -= len(s.Characteristics)
	}
	return render.NoCursor
}

func (m Model) View() string {
	var content string
	switch m.view {
	case ViewDetails:
		content = m.viewDetails()
	default:
		content = m.viewDevices()
	}

	if m.composing {
		content += "\n" + m.viewModal()
	}
	if m.errorMsg != "" {
		content += "\n" + m.styles.Error.Render(m.errorMsg)
	}
	if m.toast != nil {
		content += "\n" + m.styles.Toast(m.toast.Severity).Render(toastText(*m.toast))
	}

	helpView := m.styles.Help.Render(m.help.View(m.keys))
	return m.styles.App.Render(content + "\n" + helpView)
}

func toastText(n notify.Notification) string {
	if n.Category != "" {
		return fmt.Sprintf("%s: %s", n.Category, n.Message)
	}
	return n.Message
}

func (m Model) viewDevices() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Devices"))
	switch {
	case m.scanning:
		b.WriteString("  " + m.spinner.View() + " " + m.styles.Warning.Render("Scanning..."))
	case m.connecting:
		b.WriteString("  " + m.spinner.View() + " " + m.styles.Warning.Render("Connecting..."))
	}
	b.WriteString("\n\n")

	if len(m.devices) == 0 && !m.scanning {
		b.WriteString(m.styles.Muted.Render("No devices found. Press 's' to scan."))
		b.WriteString("\n")
	}
	for i, d := range m.devices {
		line := render.DeviceLine(d)
		if i == m.cursor {
			b.WriteString(m.styles.ItemSelected.Render("> " + line))
		} else {
			b.WriteString(m.styles.Item.Render("  " + line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewDetails() string {
	var b strings.Builder
	title := m.deviceID
	if d, ok := m.deps.Controller.Registry().Get(m.deviceID); ok {
		title = d.Title()
	}
	b.WriteString(m.styles.Title.Render(title))
	b.WriteString("  " + m.styles.Subtitle.Render(m.deviceID))
	switch {
	case m.disconnecting:
		b.WriteString("  " + m.spinner.View() + " " + m.styles.Warning.Render("Disconnecting..."))
	case m.discovering:
		b.WriteString("  " + m.spinner.View() + " " + m.styles.Warning.Render("Discovering..."))
	case m.reading:
		b.WriteString("  " + m.spinner.View() + " " + m.styles.Muted.Render("Reading..."))
	}
	b.WriteString("\n\n")

	if !m.discovering && len(m.services) == 0 {
		b.WriteString(m.styles.Muted.Render("No services."))
		b.WriteString("\n")
	}
	b.WriteString(m.card.ServicesCard(m.services, m.cardCursor()))
	return b.String()
}

func (m Model) viewModal() string {
	var b strings.Builder
	if c, ok := m.selected(); ok {
		b.WriteString(m.styles.Subtitle.Render("Write to " + c.UUID))
		b.WriteString("\n")
		b.WriteString(m.styles.Muted.Render("current: " + codec.Display(c.Value)))
		b.WriteString("\n\n")
	}
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	if m.writing {
		b.WriteString(m.spinner.View() + " " + m.styles.Warning.Render("Writing..."))
	} else {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("%d/%d • enter send • esc cancel", len([]rune(m.input.Value())), m.input.CharLimit)))
	}
	return m.styles.Modal.Render(b.String())
}

// --- Async commands for BLE operations ---

func (m Model) scanCmd() tea.Cmd {
	ctrl, ctx, d, uuid := m.deps.Controller, m.ctx, m.deps.ScanDuration, m.deps.ServiceUUID
	return func() tea.Msg {
		found, err := ctrl.Scan(ctx, uuid, d)
		return scanDoneMsg{found: found, err: err}
	}
}

func (m Model) connectCmd(deviceID string) tea.Cmd {
	ctrl, ctx := m.deps.Controller, m.ctx
	return func() tea.Msg {
		dev, err := ctrl.Connect(ctx, deviceID)
		return connectDoneMsg{device: dev, err: err}
	}
}

func discoverCmd(ctx context.Context, d *ble.Discoverer, deviceID string, gen int) tea.Cmd {
	return func() tea.Msg {
		services, err := d.DiscoverAll(ctx, deviceID)
		return discoveredMsg{gen: gen, deviceID: deviceID, services: services, err: err}
	}
}

func (m Model) readCmd(target ble.Target) tea.Cmd {
	sess, ctx := m.deps.Session, m.ctx
	return func() tea.Msg {
		c, err := sess.Read(ctx, target)
		return readDoneMsg{char: c, err: err}
	}
}

func (m Model) writeCmd() tea.Cmd {
	sess, ctx := m.deps.Session, m.ctx
	return func() tea.Msg {
		c, err := sess.Submit(ctx)
		return writeDoneMsg{char: c, err: err}
	}
}

func (m Model) disconnectCmd(deviceID string) tea.Cmd {
	ctrl, ctx := m.deps.Controller, m.ctx
	return func() tea.Msg {
		dev, err := ctrl.Disconnect(ctx, deviceID)
		return disconnectDoneMsg{device: dev, err: err}
	}
}

func waitForNotification(ch <-chan notify.Notification) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return notificationMsg(n)
	}
}

func expireToast(id string) tea.Cmd {
	return tea.Tick(toastTTL, func(time.Time) tea.Msg {
		return toastExpiredMsg(id)
	})
}
