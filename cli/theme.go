package cli

import "github.com/charmbracelet/lipgloss"

// palette holds the styles used by help and error output.
type palette struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Command lipgloss.Style
	Flag    lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Italic  lipgloss.Style
}

var styles = palette{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208")),
	Section: lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("208")),
	Command: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33")),
	Flag:    lipgloss.NewStyle().Foreground(lipgloss.Color("99")),
	Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("160")),
	Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	Italic:  lipgloss.NewStyle().Italic(true),
}
