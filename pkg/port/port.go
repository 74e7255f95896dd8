// Package port holds per-session routing endpoints and the registry that
// maps identities to them.
package port

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/baaaht/pktrelay/pkg/notify"
	"github.com/baaaht/pktrelay/pkg/queue"
	"github.com/baaaht/pktrelay/pkg/types"
)

// Port is the routing endpoint of one open session
type Port struct {
	identity  types.Identity
	inbound   *queue.PacketQueue
	outbound  *queue.PacketQueue
	createdAt time.Time
	released  atomic.Bool
}

func newPort(id types.Identity) *Port {
	return &Port{
		identity:  id,
		inbound:   queue.New(),
		outbound:  queue.New(),
		createdAt: time.Now(),
	}
}

// Identity returns the identity the port is registered under
func (p *Port) Identity() types.Identity { return p.identity }

// Inbound returns the queue packets are delivered to
func (p *Port) Inbound() *queue.PacketQueue { return p.inbound }

// Outbound returns the queue written packets wait in until relayed
func (p *Port) Outbound() *queue.PacketQueue { return p.outbound }

// CreatedAt returns the registration time
func (p *Port) CreatedAt() time.Time { return p.createdAt }

// Released reports whether the port has been deregistered
func (p *Port) Released() bool { return p.released.Load() }

// SetNotification binds the readiness signal of the inbound queue.
// It fails with FAILED_PRECONDITION if a signal is already bound.
func (p *Port) SetNotification(s notify.Signal) error {
	if err := p.inbound.Bind(s); err != nil {
		return types.WrapError(types.GetErrorCode(err),
			fmt.Sprintf("cannot set notification on port %s", p.identity), err)
	}
	return nil
}

// String returns a string representation of the port
func (p *Port) String() string {
	return fmt.Sprintf("Port{Identity: %s, Inbound: %d, Outbound: %d, Released: %v}",
		p.identity, p.inbound.Len(), p.outbound.Len(), p.Released())
}
