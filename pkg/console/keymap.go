package console

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/baaaht/pktrelay/pkg/console/styles"
)

// KeyMap defines keyboard shortcuts for the console.
type KeyMap struct {
	Quit       string
	Send       string
	SendBurst  string
	ScrollUp   string
	ScrollDown string
}

// DefaultKeyMap returns the default keybindings.
// ctrl+x quits as well as ctrl+c since 'q' can be typed into the input.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit:       "ctrl+x",
		Send:       "enter",
		SendBurst:  "ctrl+s",
		ScrollUp:   "pgup",
		ScrollDown: "pgdown",
	}
}

// HelpEntry represents a single keybinding help entry.
type HelpEntry struct {
	Key   string
	Desc  string
	Style lipgloss.Style
}

// ShortHelp returns the help entries shown in the footer.
func (k KeyMap) ShortHelp() []HelpEntry {
	return []HelpEntry{
		{Key: k.Send, Desc: "Send", Style: styles.Styles.HelpKey},
		{Key: k.SendBurst, Desc: "Send 10 to id", Style: styles.Styles.HelpKey},
		{Key: "/to <id>", Desc: "Destination", Style: styles.Styles.HelpKey},
		{Key: k.Quit, Desc: "Quit", Style: styles.Styles.HelpKey},
	}
}

// IsQuitKey checks if the given key matches any quit keybinding.
func (k KeyMap) IsQuitKey(msg tea.KeyMsg) bool {
	s := msg.String()
	return s == "ctrl+c" || s == k.Quit
}

// IsSendKey checks if the given key is the send keybinding.
func (k KeyMap) IsSendKey(msg tea.KeyMsg) bool {
	return msg.String() == k.Send
}

// IsSendBurstKey checks if the given key is the burst keybinding.
func (k KeyMap) IsSendBurstKey(msg tea.KeyMsg) bool {
	return msg.String() == k.SendBurst
}

// IsScrollKey checks if the given key scrolls the packet log.
func (k KeyMap) IsScrollKey(msg tea.KeyMsg) bool {
	s := msg.String()
	return s == k.ScrollUp || s == k.ScrollDown
}
