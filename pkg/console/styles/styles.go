package styles

import (
	"github.com/charmbracelet/lipgloss"
)

// Styles contains the Lipgloss styles of the relay console.
var Styles = &styleDefs{
	HeaderText:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")), // Purple
	HeaderVersion: lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
	HeaderInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")), // Cyan

	StatusConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	StatusDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),

	// Log line styles
	LineReceived: lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	LineSent:     lipgloss.NewStyle().Foreground(lipgloss.Color("220")), // Gold
	LineSystem:   lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Italic(true),
	LineError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),

	LogBorder: lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("241")),

	InputBorder: lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("238")),

	HelpKey: lipgloss.NewStyle().
		Foreground(lipgloss.Color("228")).
		Background(lipgloss.Color("236")).
		Padding(0, 1),

	FooterText: lipgloss.NewStyle().Faint(true),

	ErrorTitle: lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("196")),

	ErrorBorder: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("196")),

	ErrorText: lipgloss.NewStyle().
		Foreground(lipgloss.Color("203")),
}

type styleDefs struct {
	HeaderText    lipgloss.Style
	HeaderVersion lipgloss.Style
	HeaderInfo    lipgloss.Style

	StatusConnected    lipgloss.Style
	StatusDisconnected lipgloss.Style

	LineReceived lipgloss.Style
	LineSent     lipgloss.Style
	LineSystem   lipgloss.Style
	LineError    lipgloss.Style

	LogBorder   lipgloss.Style
	InputBorder lipgloss.Style

	HelpKey    lipgloss.Style
	FooterText lipgloss.Style

	ErrorTitle  lipgloss.Style
	ErrorBorder lipgloss.Style
	ErrorText   lipgloss.Style
}

// LineStyle returns the style for a log line of the given kind.
func LineStyle(kind string) lipgloss.Style {
	switch kind {
	case "received":
		return Styles.LineReceived
	case "sent":
		return Styles.LineSent
	case "error":
		return Styles.LineError
	default:
		return Styles.LineSystem
	}
}
