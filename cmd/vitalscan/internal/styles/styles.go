package styles

import "github.com/charmbracelet/lipgloss"

// Terminal palette.
var (
	ColorMuted   = lipgloss.Color("8")
	ColorAccent  = lipgloss.Color("4")
	ColorError   = lipgloss.Color("1")
	ColorSuccess = lipgloss.Color("2")
	ColorWarning = lipgloss.Color("3")
	ColorMagenta = lipgloss.Color("5")
)

// Centralized style definitions for the TUI.
var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

	SpinnerStyle = lipgloss.NewStyle().Foreground(ColorMagenta)
	StatusStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	SuccessStyle = lipgloss.NewStyle().Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorWarning)

	ErrorBlockStyle = lipgloss.NewStyle().
			PaddingLeft(1).
			BorderLeft(true).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(ColorError).
			Foreground(ColorError)

	HelpKeyStyle  = lipgloss.NewStyle().Bold(true)
	HelpDescStyle = lipgloss.NewStyle().Foreground(ColorMuted)
)
