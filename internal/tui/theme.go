package tui

import "github.com/charmbracelet/lipgloss"

type theme struct {
	header      lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	ordinal     lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	inputPanel  lipgloss.Style
	muted       lipgloss.Style
}

func newTheme() theme {
	accent := lipgloss.Color("#7aa2f7")
	warn := lipgloss.Color("#f7768e")
	muted := lipgloss.Color("#787c99")

	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 1),
		panelTitle:  lipgloss.NewStyle().Foreground(accent).Bold(true),
		ordinal:     lipgloss.NewStyle().Foreground(muted),
		status:      lipgloss.NewStyle().Foreground(accent),
		errorStatus: lipgloss.NewStyle().Foreground(warn).Bold(true),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted),
		muted: lipgloss.NewStyle().Foreground(muted).Italic(true),
	}
}
