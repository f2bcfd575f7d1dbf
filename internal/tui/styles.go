package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/gattscope/internal/notify"
)

// Styles contains all the lipgloss styles for the TUI.
type Styles struct {
	App lipgloss.Style

	Title    lipgloss.Style
	Subtitle lipgloss.Style

	Item         lipgloss.Style
	ItemSelected lipgloss.Style

	Modal lipgloss.Style

	Muted   lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style

	Help lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special := lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	muted := lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}

	return Styles{
		App: lipgloss.NewStyle().
			Padding(1, 2),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(highlight).
			Padding(0, 1),

		Subtitle: lipgloss.NewStyle().
			Foreground(muted),

		Item: lipgloss.NewStyle(),

		ItemSelected: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Modal: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight).
			Padding(1, 2),

		Muted: lipgloss.NewStyle().
			Foreground(muted),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")),

		Success: lipgloss.NewStyle().
			Foreground(special),

		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFCC00")),

		Info: lipgloss.NewStyle().
			Foreground(highlight),

		Help: lipgloss.NewStyle().
			Foreground(muted).
			MarginTop(1),
	}
}

// Toast returns the style for a notification of the given severity.
func (s Styles) Toast(sev notify.Severity) lipgloss.Style {
	switch sev {
	case notify.SeverityError:
		return s.Error
	case notify.SeverityWarning:
		return s.Warning
	case notify.SeveritySuccess:
		return s.Success
	default:
		return s.Info
	}
}
