// Package bus provides the in-process message broker between channels and
// the orchestrator.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"steward/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based broker. Inbound messages flow through a
// single buffered queue toward the orchestrator; outbound messages dispatch
// synchronously to the destination channel's handler, which preserves
// per-destination publish order.
type InMemoryBus struct {
	inbound        chan domain.InboundMessage
	handlers       map[string]func(domain.OutboundMessage)
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates an InMemoryBus with the given inbound buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundMessage, bufferSize),
		handlers:       make(map[string]func(domain.OutboundMessage)),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// PublishInbound enqueues a message for the orchestrator. When the queue is
// full it blocks up to the publish timeout; on timeout or a closed bus it
// returns ErrBusUnavailable so the caller can retry with backoff.
func (b *InMemoryBus) PublishInbound(ctx context.Context, msg domain.InboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("publish inbound: %w", domain.ErrBusUnavailable)
	}

	select {
	case b.inbound <- msg:
		return nil
	default:
	}

	b.logger.Warn("inbound queue full, waiting",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
	)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("inbound queue full for %s: %w", b.publishTimeout, domain.ErrBusUnavailable)
	}
}

// SubscribeInbound returns the orchestrator-side inbound stream.
func (b *InMemoryBus) SubscribeInbound() <-chan domain.InboundMessage {
	return b.inbound
}

// PublishOutbound delivers a message to its destination channel's handler.
// A destination with no registered handler is a transient condition (the
// channel may still be starting), reported as ErrBusUnavailable.
func (b *InMemoryBus) PublishOutbound(ctx context.Context, msg domain.OutboundMessage) error {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return fmt.Errorf("publish outbound: %w", domain.ErrBusUnavailable)
	}
	if !ok {
		return fmt.Errorf("no handler for channel %q: %w", msg.Channel, domain.ErrBusUnavailable)
	}

	handler(msg)
	return nil
}

// OnOutbound registers the handler for one destination channel. Handlers are
// invoked synchronously from PublishOutbound, one destination at a time.
func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

var _ domain.MessageBus = (*InMemoryBus)(nil)
