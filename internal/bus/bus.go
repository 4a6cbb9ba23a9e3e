// Package bus moves messages between transports and the gateway loop.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("message bus closed")

type OutboundHandler func(OutboundMessage)

type MessageBus struct {
	Inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]OutboundHandler
	closed   bool
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		outbound: make(chan OutboundMessage, bufSize),
		handlers: make(map[string]OutboundHandler),
	}
}

// SubscribeOutbound routes outbound messages for channel to fn. A later
// subscription for the same channel replaces the earlier one.
func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = fn
}

// PublishInbound queues msg for the gateway loop, blocking until there is
// room or ctx ends.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound delivers queued outbound messages to their channel
// handler until ctx is done or the bus is closed.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg, ok := <-b.outbound:
			if !ok {
				return
			}
			b.deliver(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	fn, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()
	if !ok {
		log.Warn().Str("component", "bus").Str("channel", msg.Channel).Msg("no handler for outbound message, dropped")
		return
	}
	fn(msg)
}

// Close stops accepting messages and ends DispatchOutbound once the
// outbound queue drains.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.outbound)
}
