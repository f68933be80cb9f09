package domain

import "context"

// MessageBus decouples channels from the orchestrator. Messages published
// toward the same destination by the same producer are delivered in publish
// order; no ordering holds across destinations. Delivery is at-least-once.
type MessageBus interface {
	// PublishInbound enqueues a message for the orchestrator. Returns
	// ErrBusUnavailable when the bus is closed or saturated.
	PublishInbound(ctx context.Context, msg InboundMessage) error

	// SubscribeInbound returns the orchestrator-side stream of inbound
	// messages. The channel closes when the bus closes.
	SubscribeInbound() <-chan InboundMessage

	// PublishOutbound delivers a message to its destination channel's
	// registered handler.
	PublishOutbound(ctx context.Context, msg OutboundMessage) error

	// OnOutbound registers the handler for one destination channel.
	OnOutbound(channelName string, handler func(OutboundMessage))

	Close()
}

// Channel is an external ingress/egress surface (Discord, Telegram, CLI).
// Channels own transport concerns; the core only sees bus messages.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
