package tui

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the TUI application.
func Run(ctx context.Context, deps Deps) error {
	notifications, unsubscribe := deps.Center.Subscribe()
	defer unsubscribe()

	m := NewModel(ctx, deps, notifications)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		return err
	}

	return nil
}
