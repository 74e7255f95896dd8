package console

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/baaaht/pktrelay/pkg/console/styles"
)

// View renders the model state as a string for display.
// Part of the tea.Model interface.
func (m Model) View() string {
	if m.err != nil && !m.connected {
		return m.errorView()
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(styles.Styles.LogBorder.Width(m.log.Width).Render(m.log.View()))
	b.WriteString("\n")
	b.WriteString(styles.Styles.InputBorder.Width(m.log.Width).Render(m.input.View()))
	b.WriteString("\n")
	b.WriteString(m.footerView())
	return b.String()
}

// headerView renders the title, identity, destination and connection state.
func (m Model) headerView() string {
	title := styles.Styles.HeaderText.Render("pktrelay console")
	version := styles.Styles.HeaderVersion.Render("v" + m.opts.Version)
	info := styles.Styles.HeaderInfo.Render(fmt.Sprintf("id %s  to %s",
		m.opts.Identity, identityLabel(m.dest, m.hasDest)))

	state := styles.Styles.StatusDisconnected.Render(m.status)
	if m.connected {
		state = styles.Styles.StatusConnected.Render(m.status)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, title, " ", version, "  ", info, "  ", state)
}

// footerView renders the key help.
func (m Model) footerView() string {
	var parts []string
	for _, entry := range m.keys.ShortHelp() {
		parts = append(parts, entry.Style.Render(entry.Key+" "+entry.Desc))
	}
	helpText := lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	return styles.Styles.FooterText.Width(m.width).Render(helpText)
}

// errorView renders a registration failure.
func (m Model) errorView() string {
	title := styles.Styles.ErrorTitle.Render("Error")
	message := styles.Styles.ErrorText.Render(m.err.Error())
	hint := styles.Styles.FooterText.Render("ctrl+c to quit")

	content := lipgloss.JoinVertical(lipgloss.Left, title, "", message, "", hint)
	return styles.Styles.ErrorBorder.Width(m.width).Render(content)
}
