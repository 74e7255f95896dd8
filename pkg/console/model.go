// Package console is an interactive terminal client for the relay daemon.
// It registers one identity, prints every packet it receives and sends
// typed text or bursts of random messages to a chosen destination.
package console

import (
	"context"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/client"
	"github.com/baaaht/pktrelay/pkg/packet"
	"github.com/baaaht/pktrelay/pkg/types"
)

const (
	// BurstSize is the number of messages ctrl+s sends
	BurstSize = 10
	// maxRandomLength bounds the random burst payloads
	maxRandomLength = 20
	// closeTimeout bounds detaching on quit
	closeTimeout = 5 * time.Second
)

// Options configures the console model
type Options struct {
	// Transport reaches the broker, usually a dialed gRPC client
	Transport client.Transport
	// Closer is closed after the session on quit, may be nil
	Closer   io.Closer
	Identity types.Identity
	Session  client.Options
	Version  string
	Logger   *logger.Logger
}

// Model is the console application state.
// It implements the tea.Model interface.
type Model struct {
	opts Options

	session *client.Session
	dest    types.Identity
	hasDest bool

	// ctx ends the receive loop on quit
	ctx    context.Context
	cancel context.CancelFunc

	log   viewport.Model
	input textinput.Model
	lines []string
	// renderedLines holds lines with their styles applied
	renderedLines []string

	connected bool
	status    string
	quitting  bool
	err       error

	width  int
	height int
	keys   KeyMap
}

// NewModel creates the console model. Nothing is registered until the
// program runs Init.
func NewModel(opts Options) Model {
	if opts.Logger == nil {
		opts.Logger, _ = logger.NewDefault()
	}
	ti := textinput.New()
	ti.Placeholder = "Type a message, /to <id> or an id followed by ctrl+s"
	ti.Focus()

	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		log:    viewport.New(0, 0),
		input:  ti,
		status: "connecting",
		keys:   DefaultKeyMap(),
	}
}

// Init registers the identity and starts the cursor blinking.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.connectCmd())
}

// Lines returns the packet log as plain text.
func (m Model) Lines() []string {
	return m.lines
}

// Err returns the error that stopped the console, if any.
func (m Model) Err() error {
	return m.err
}

// Destination returns the current destination identity, if one is set.
func (m Model) Destination() (types.Identity, bool) {
	return m.dest, m.hasDest
}

// Messages

// connectedMsg is sent when the identity is registered.
type connectedMsg struct {
	session *client.Session
}

// connectFailedMsg is sent when registration fails.
type connectFailedMsg struct {
	err error
}

// packetMsg carries one received packet.
type packetMsg struct {
	pkt *packet.Packet
}

// recvFailedMsg is sent when the receive loop stops with an error.
type recvFailedMsg struct {
	err error
}

// sentMsg reports packets that were written.
type sentMsg struct {
	dest     types.Identity
	seqs     []uint32
	payloads []string
	err      error
}

// shutdownCompleteMsg is sent once the session and transport are closed.
type shutdownCompleteMsg struct {
	err error
}

func (m Model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		if m.opts.Transport == nil {
			return connectFailedMsg{err: types.NewError(types.ErrCodeInvalidArgument, "transport is required")}
		}
		s, err := client.Open(m.ctx, m.opts.Transport, m.opts.Identity, m.opts.Session)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		m.opts.Logger.Info("Console session opened", "identity", m.opts.Identity, "session_id", s.ID())
		return connectedMsg{session: s}
	}
}

// recvCmd waits for one packet. The update loop re-issues it after every
// packet so exactly one receive is outstanding.
func (m Model) recvCmd() tea.Cmd {
	s, ctx := m.session, m.ctx
	return func() tea.Msg {
		pkt, err := s.Recv(ctx)
		if err != nil {
			return recvFailedMsg{err: err}
		}
		return packetMsg{pkt: pkt}
	}
}

func (m Model) sendTextCmd(dest types.Identity, text string) tea.Cmd {
	s, ctx := m.session, m.ctx
	return func() tea.Msg {
		seq, err := s.SendMessage(ctx, dest, []byte(text))
		if err != nil {
			return sentMsg{dest: dest, err: err}
		}
		return sentMsg{dest: dest, seqs: []uint32{seq}, payloads: []string{text}}
	}
}

// sendBurstCmd sends BurstSize random uppercase messages numbered 1 to
// BurstSize, each a complete message.
func (m Model) sendBurstCmd(dest types.Identity) tea.Cmd {
	s, ctx := m.session, m.ctx
	return func() tea.Msg {
		out := sentMsg{dest: dest}
		for i := uint32(1); i <= BurstSize; i++ {
			payload := randomString()
			if err := s.Send(ctx, dest, i, true, []byte(payload)); err != nil {
				out.err = err
				break
			}
			out.seqs = append(out.seqs, i)
			out.payloads = append(out.payloads, payload)
		}
		return out
	}
}

func (m Model) shutdownCmd() tea.Cmd {
	s, closer, log := m.session, m.opts.Closer, m.opts.Logger
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		var firstErr error
		if s != nil {
			if err := s.Close(ctx); err != nil {
				log.Warn("Failed to close session", "error", err)
				firstErr = err
			}
		}
		if closer != nil {
			if err := closer.Close(); err != nil {
				log.Warn("Failed to close transport", "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return shutdownCompleteMsg{err: firstErr}
	}
}

func randomString() string {
	n := rand.Intn(maxRandomLength)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('A' + rand.Intn(26)))
	}
	return b.String()
}

func parseIdentity(s string) (types.Identity, error) {
	return types.ParseIdentity(strings.TrimSpace(s))
}
