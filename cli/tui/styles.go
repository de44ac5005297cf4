// Package tui is a full-screen terminal front-end for afar sessions.
//
// Session output goes to the first pane. Every block relayed in event mode
// gets a pane of its own, keyed by its correlation key, which fills as the
// worker prints.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	highlightColor = lipgloss.Color("#3B82F6")
)

var (
	// TitleStyle renders the header line.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(highlightColor).
			Underline(true).
			Padding(0, 1)

	// ErrorStyle marks stderr text and failed display methods.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	// HelpStyle renders the footer.
	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

// StateStyle returns the style of a session state word.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "finished", "idle":
		return lipgloss.NewStyle().Foreground(successColor)
	case "running":
		return lipgloss.NewStyle().Foreground(warningColor)
	case "failed":
		return ErrorStyle
	default:
		return HelpStyle
	}
}
