// Package render formats discovered GATT data for terminals.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/gattscope/internal/ble"
	"github.com/chaz8081/gattscope/internal/ble/codec"
)

// Field is one labelled line of a card.
type Field struct {
	Label string
	Value string
}

// Styles controls how cards are drawn.
type Styles struct {
	Card     lipgloss.Style
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style
	Cursor   lipgloss.Style
}

// DefaultStyles returns the card look used by the CLI and the TUI.
func DefaultStyles() Styles {
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	return Styles{
		Card: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}).
			Padding(0, 2).
			MarginBottom(1),
		Title:    lipgloss.NewStyle().Bold(true),
		Subtitle: lipgloss.NewStyle().Bold(true).MarginTop(1),
		Label:    lipgloss.NewStyle().Bold(true),
		Value: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#343433", Dark: "#C1C6B2"}),
		Cursor: lipgloss.NewStyle().Foreground(highlight).Bold(true),
	}
}

// ServiceFields lists the service attributes shown on its card.
func ServiceFields(s ble.Service) []Field {
	return []Field{
		{"deviceID", s.DeviceID},
		{"id", s.ID},
		{"isPrimary", strconv.FormatBool(s.IsPrimary)},
		{"UUID", s.UUID},
	}
}

// CharacteristicFields lists every attribute of c. The value is decoded to
// text, or shown as the null placeholder when absent.
func CharacteristicFields(c ble.Characteristic) []Field {
	return []Field{
		{"id", c.ID},
		{"uuid", c.UUID},
		{"serviceUUID", c.ServiceUUID},
		{"deviceID", c.DeviceID},
		{"isReadable", strconv.FormatBool(c.IsReadable)},
		{"isWritableWithResponse", strconv.FormatBool(c.IsWritableWithResponse)},
		{"value", codec.Display(c.Value)},
	}
}

func (st Styles) fields(b *strings.Builder, fs []Field) {
	for _, f := range fs {
		b.WriteString(st.Label.Render(f.Label+":") + " " + st.Value.Render(f.Value) + "\n")
	}
}

// Cursor addresses one characteristic on a services card.
type Cursor struct {
	Service        int
	Characteristic int
}

// NoCursor highlights nothing.
var NoCursor = Cursor{-1, -1}

// ServicesCard renders one card per service with all of its
// characteristics, highlighting the characteristic at cur.
func (st Styles) ServicesCard(services []ble.ServiceWithCharacteristics, cur Cursor) string {
	var out strings.Builder
	for i, s := range services {
		var b strings.Builder
		b.WriteString(st.Title.Render(fmt.Sprintf("Service %d", i)) + "\n")
		st.fields(&b, ServiceFields(s.Service))
		for j, c := range s.Characteristics {
			heading := fmt.Sprintf("Characteristic %d", j)
			if cur.Service == i && cur.Characteristic == j {
				heading = st.Cursor.Render("> " + heading)
			}
			b.WriteString(st.Subtitle.Render(heading) + "\n")
			st.fields(&b, CharacteristicFields(c))
		}
		out.WriteString(st.Card.Render(strings.TrimRight(b.String(), "\n")))
		out.WriteString("\n")
	}
	return out.String()
}

// ServicesCard renders services with the default styles.
func ServicesCard(services []ble.ServiceWithCharacteristics) string {
	return DefaultStyles().ServicesCard(services, NoCursor)
}

// DeviceLine renders a one-line summary of d for lists.
func DeviceLine(d ble.Device) string {
	state := "○"
	if d.IsConnected {
		state = "●"
	}
	return fmt.Sprintf("%s %-24s %-20s %4d dBm", state, d.Title(), d.ID, d.RSSI)
}
