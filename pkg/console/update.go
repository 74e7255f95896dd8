package console

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/baaaht/pktrelay/pkg/console/styles"
	"github.com/baaaht/pktrelay/pkg/types"
)

// layoutOverhead is header(1) + log border(2) + input border(2) + input(1) + footer(1)
const layoutOverhead = 7

// Update handles incoming messages and updates the model state.
// Part of the tea.Model interface.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case m.keys.IsQuitKey(keyMsg):
			if m.quitting {
				return m, nil
			}
			m.quitting = true
			m.cancel()
			return m, m.shutdownCmd()
		case m.keys.IsSendKey(keyMsg):
			return m.submit()
		case m.keys.IsSendBurstKey(keyMsg):
			return m.burst()
		case m.keys.IsScrollKey(keyMsg):
			var cmd tea.Cmd
			m.log, cmd = m.log.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleWindowSize(msg)

	case connectedMsg:
		m.session = msg.session
		m.connected = true
		m.status = "connected"
		m.appendLine("system", fmt.Sprintf("Registered as %s", m.opts.Identity))
		return m, m.recvCmd()

	case connectFailedMsg:
		m.status = "disconnected"
		m.err = msg.err
		return m, nil

	case packetMsg:
		pkt := msg.pkt
		m.appendLine("received", fmt.Sprintf("Received msg %d from %s: %s", pkt.Sequence, pkt.Source, pkt.Payload()))
		return m, m.recvCmd()

	case recvFailedMsg:
		if m.quitting || errors.Is(msg.err, context.Canceled) || m.ctx.Err() != nil {
			return m, nil
		}
		m.connected = false
		m.status = "disconnected"
		m.appendLine("error", fmt.Sprintf("Receive stopped: %v", msg.err))
		return m, nil

	case sentMsg:
		for i, seq := range msg.seqs {
			m.appendLine("sent", fmt.Sprintf("Sent msg %d to %s: %s", seq, msg.dest, msg.payloads[i]))
		}
		if msg.err != nil {
			m.appendLine("error", fmt.Sprintf("Sending to %s failed: %v", msg.dest, msg.err))
		}
		return m, nil

	case shutdownCompleteMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles enter: "/to <id>" selects the destination, anything else
// is sent to it.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.Reset()

	if rest, ok := strings.CutPrefix(text, "/to"); ok {
		id, err := parseIdentity(rest)
		if err != nil {
			m.appendLine("error", err.Error())
			return m, nil
		}
		m.dest, m.hasDest = id, true
		m.appendLine("system", fmt.Sprintf("Destination set to %s", id))
		return m, nil
	}

	if !m.ready() {
		return m, nil
	}
	if !m.hasDest {
		m.appendLine("error", "No destination, use /to <id> first")
		return m, nil
	}
	return m, m.sendTextCmd(m.dest, text)
}

// burst handles ctrl+s: an id in the input becomes the destination, an
// empty input reuses the current one.
func (m Model) burst() (tea.Model, tea.Cmd) {
	if text := strings.TrimSpace(m.input.Value()); text != "" {
		id, err := parseIdentity(text)
		if err != nil {
			m.appendLine("error", err.Error())
			return m, nil
		}
		m.dest, m.hasDest = id, true
		m.input.Reset()
	}
	if !m.ready() {
		return m, nil
	}
	if !m.hasDest {
		m.appendLine("error", "Type the destination id, then press ctrl+s")
		return m, nil
	}
	return m, m.sendBurstCmd(m.dest)
}

func (m *Model) ready() bool {
	if m.session == nil || !m.connected {
		m.appendLine("error", "Not connected")
		return false
	}
	return true
}

func (m *Model) appendLine(kind, text string) {
	m.lines = append(m.lines, text)
	m.renderedLines = append(m.renderedLines, styles.LineStyle(kind).Render(text))
	m.log.SetContent(strings.Join(m.renderedLines, "\n"))
	m.log.GotoBottom()
}

// handleWindowSize handles terminal resize events.
func (m Model) handleWindowSize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	inner := m.width - 2
	if inner < 1 {
		inner = 1
	}
	logHeight := m.height - layoutOverhead
	if logHeight < 3 {
		logHeight = 3
	}
	m.log.Width = inner
	m.log.Height = logHeight
	m.log.GotoBottom()
	m.input.Width = max(inner-3, 1)

	return m, nil
}

func identityLabel(id types.Identity, ok bool) string {
	if !ok {
		return "none"
	}
	return id.String()
}
