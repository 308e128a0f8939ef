package report

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha palette.
const (
	colorRed      lipgloss.Color = "#f38ba8"
	colorPeach    lipgloss.Color = "#fab387"
	colorYellow   lipgloss.Color = "#f9e2af"
	colorGreen    lipgloss.Color = "#a6e3a1"
	colorTeal     lipgloss.Color = "#94e2d5"
	colorBlue     lipgloss.Color = "#89b4fa"
	colorLavender lipgloss.Color = "#b4befe"
	colorMauve    lipgloss.Color = "#cba6f7"
	colorText     lipgloss.Color = "#cdd6f4"
	colorOverlay1 lipgloss.Color = "#7f849c"
	colorSurface1 lipgloss.Color = "#45475a"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorMauve)
	labelStyle  = lipgloss.NewStyle().Foreground(colorOverlay1)
	valueStyle  = lipgloss.NewStyle().Foreground(colorText)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorLavender).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(colorSurface1)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorSurface1).Padding(0, 1)
)

// statusColor picks the color a transaction status renders in.
func statusColor(status string) lipgloss.Color {
	switch status {
	case "MATCHED", "COMPLETED", "SENT":
		return colorGreen
	case "PARTIALLY_MATCHED":
		return colorTeal
	case "MANUAL_MATCH":
		return colorBlue
	case "DISPUTED", "CONFLICT":
		return colorPeach
	case "FAILED":
		return colorRed
	case "IGNORED":
		return colorOverlay1
	default:
		return colorYellow
	}
}

func status(s string) string {
	return lipgloss.NewStyle().Foreground(statusColor(s)).Render(s)
}
