// Package channel adapts chat transports to the message bus.
package channel

import (
	"context"

	"github.com/stellarlinkco/zendell/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries what every transport shares: its name, the bus and
// the sender allow-list.
type BaseChannel struct {
	name  string
	bus   *bus.MessageBus
	allow map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	var allow map[string]bool
	if len(allowFrom) > 0 {
		allow = make(map[string]bool, len(allowFrom))
		for _, id := range allowFrom {
			allow[id] = true
		}
	}
	return BaseChannel{name: name, bus: b, allow: allow}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the assistant. An empty
// allow-list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if c.allow == nil {
		return true
	}
	return c.allow[senderID]
}
