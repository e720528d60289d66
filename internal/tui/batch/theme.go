// Package batch is the terminal progress view for long worker batches.
package batch

import "github.com/charmbracelet/lipgloss"

// Theme keeps all styling for the batch view in one place.
type Theme struct {
	Title   lipgloss.Style
	Running lipgloss.Style
	Paused  lipgloss.Style
	OK      lipgloss.Style
	Failed  lipgloss.Style
	Dim     lipgloss.Style

	BarFull  lipgloss.Style
	BarEmpty lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#874BFD")).Padding(0, 1),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		Paused:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		BarFull:  lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD")),
		BarEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}
