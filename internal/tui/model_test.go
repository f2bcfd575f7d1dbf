package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/gattscope/internal/ble"
	"github.com/chaz8081/gattscope/internal/ble/codec"
	"github.com/chaz8081/gattscope/internal/notify"
)

const fixture = `
devices:
  - id: abc
    name: Sensor
    services:
      - uuid: S1
        characteristics:
          - uuid: C1
            readable: true
            value: hi
          - uuid: C2
            readable: true
            writable: true
      - uuid: S2
        characteristics:
          - uuid: C3
            writable: true
            write_error: write not permitted
  - id: sticky
    local_name: lamp
    cancel_error: device busy
`

func newTestModel(t *testing.T) (Model, *notify.Center) {
	t.Helper()
	f, err := ble.ParseSimFixture([]byte(fixture))
	require.NoError(t, err)
	sim := ble.NewSimulator(f, nil)
	center := notify.NewCenter(10, nil)

	deps := Deps{
		Controller:   ble.NewController(sim, ble.NewRegistry(), center, nil),
		Discoverer:   ble.NewDiscoverer(sim, center, nil),
		Session:      ble.NewSession(sim, center, ble.SessionOptions{MaxInputLength: 8}, nil),
		Center:       center,
		ScanDuration: 20 * time.Millisecond,
	}
	return NewModel(context.Background(), deps, nil), center
}

func update(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func press(m Model, k string) Model {
	switch k {
	case "enter":
		return update(m, tea.KeyMsg{Type: tea.KeyEnter})
	case "esc":
		return update(m, tea.KeyMsg{Type: tea.KeyEsc})
	}
	return update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)})
}

func typeText(m Model, s string) Model {
	for _, r := range s {
		m = update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

// connected scans, connects to abc and completes discovery.
func connected(t *testing.T, m Model) Model {
	t.Helper()
	m = update(m, m.scanCmd()())
	require.Len(t, m.devices, 2)

	m = press(m, "enter")
	require.True(t, m.connecting)
	m = update(m, m.connectCmd("abc")())
	require.Equal(t, ViewDetails, m.view)
	require.True(t, m.discovering)

	m = update(m, discoverCmd(context.Background(), m.deps.Discoverer, "abc", m.discoverGen)())
	require.False(t, m.discovering)
	return m
}

func TestScanListsDevices(t *testing.T) {
	m, _ := newTestModel(t)
	assert.True(t, m.scanning)

	m = update(m, m.scanCmd()())
	assert.False(t, m.scanning)
	require.Len(t, m.devices, 2)
	assert.Contains(t, m.View(), "Sensor")
	assert.Contains(t, m.View(), "lamp")
}

func TestConnectOpensDetails(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)

	require.Len(t, m.services, 2)
	assert.Len(t, m.characteristics(), 3)
	view := m.View()
	assert.Contains(t, view, "Sensor")
	assert.Contains(t, view, "Service 1")
	assert.Contains(t, view, "null")
	assert.Contains(t, view, "> Characteristic 0")
}

func TestWriteModal(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)

	m = press(m, "j") // C2
	m = press(m, "w")
	require.True(t, m.composing)
	assert.Equal(t, ble.StateSelecting, m.deps.Session.State())

	m = typeText(m, "on and on") // longer than the limit of 8
	assert.Equal(t, "on and o", m.input.Value())

	m = press(m, "enter")
	require.True(t, m.writing)
	assert.Equal(t, ble.StateComposing, m.deps.Session.State())

	m = update(m, m.writeCmd()())
	assert.False(t, m.composing)
	assert.False(t, m.writing)
	assert.Equal(t, ble.StateIdle, m.deps.Session.State())

	c, ok := m.selected()
	require.True(t, ok)
	assert.Equal(t, "C2", c.UUID)
	assert.Equal(t, "on and o", codec.Display(c.Value))
}

func TestWriteModalCancel(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)

	m = press(m, "w")
	m = typeText(m, "draft")
	m = press(m, "esc")

	assert.False(t, m.composing)
	assert.Equal(t, ble.StateIdle, m.deps.Session.State())
	assert.Equal(t, ViewDetails, m.view)
}

func TestWriteFailureClosesModal(t *testing.T) {
	m, center := newTestModel(t)
	m = connected(t, m)

	m = press(m, "j")
	m = press(m, "j") // C3
	m = press(m, "w")
	m = typeText(m, "x")
	m = press(m, "enter")
	m = update(m, m.writeCmd()())

	assert.False(t, m.composing)
	assert.Equal(t, ble.StateIdle, m.deps.Session.State())

	history := center.History()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, notify.SeverityError, last.Severity)
	assert.Equal(t, "WriteError", last.Category)
}

func TestRead(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)

	m = press(m, "r")
	require.True(t, m.reading)
	c, _ := m.selected()
	m = update(m, m.readCmd(ble.TargetOf(c))())
	assert.False(t, m.reading)
	c, _ = m.selected()
	assert.Equal(t, "hi", codec.Display(c.Value))
}

func TestDisconnectReturnsToList(t *testing.T) {
	m, center := newTestModel(t)
	m = connected(t, m)

	m = press(m, "d")
	require.True(t, m.disconnecting)
	m = update(m, m.disconnectCmd("abc")())

	assert.Equal(t, ViewDevices, m.view)
	assert.Empty(t, m.services)
	d, ok := m.deps.Controller.Registry().Get("abc")
	require.True(t, ok)
	assert.False(t, d.IsConnected)

	last := center.History()[len(center.History())-1]
	assert.Equal(t, "Disconnected from device", last.Message)
}

func TestDisconnectFailureStillReturnsToList(t *testing.T) {
	m, center := newTestModel(t)
	m = update(m, m.scanCmd()())
	m = press(m, "j")
	m = press(m, "enter")
	m = update(m, m.connectCmd("sticky")())
	require.Equal(t, ViewDetails, m.view)

	m = press(m, "d")
	m = update(m, m.disconnectCmd("sticky")())

	assert.Equal(t, ViewDevices, m.view)
	d, _ := m.deps.Controller.Registry().Get("sticky")
	assert.True(t, d.IsConnected, "a failed disconnect leaves the registry untouched")

	last := center.History()[len(center.History())-1]
	assert.Equal(t, notify.SeverityError, last.Severity)
	assert.Equal(t, "DisconnectError", last.Category)
}

func TestStaleDiscoveryIgnored(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)

	m = update(m, discoveredMsg{gen: m.discoverGen, deviceID: "someone-else"})
	assert.Len(t, m.services, 2)
}

func TestEarlierVisitDiscoveryIgnored(t *testing.T) {
	m, _ := newTestModel(t)
	m = connected(t, m)
	first := m.discoverGen

	m = press(m, "esc")
	require.Equal(t, ViewDevices, m.view)
	next, _ := m.openDetails("abc")
	m = next.(Model)
	require.True(t, m.discovering)

	// The first visit's discovery finishing late must not fill the new view.
	m = update(m, discoveredMsg{gen: first, deviceID: "abc", err: context.Canceled})
	assert.True(t, m.discovering)
	assert.Empty(t, m.services)

	m = update(m, discoverCmd(context.Background(), m.deps.Discoverer, "abc", m.discoverGen)())
	assert.False(t, m.discovering)
	assert.Len(t, m.services, 2)
}

func TestToast(t *testing.T) {
	m, _ := newTestModel(t)

	n := notify.Notification{ID: "n1", Severity: notify.SeverityError, Message: "device busy", Category: "DisconnectError"}
	m = update(m, notificationMsg(n))
	require.NotNil(t, m.toast)
	assert.Contains(t, m.View(), "DisconnectError: device busy")

	m = update(m, toastExpiredMsg("other"))
	assert.NotNil(t, m.toast)
	m = update(m, toastExpiredMsg("n1"))
	assert.Nil(t, m.toast)
}

func TestQuitFromDeviceList(t *testing.T) {
	m, _ := newTestModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
