package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/bus"
	"steward/internal/domain"
)

const (
	defaultWorkers     = 4
	defaultQueueDepth  = 16
	defaultEnqueueWait = 2 * time.Second
)

// Dispatcher fans inbound messages out to per-chat queues. Messages for the
// same chat key run strictly in arrival order on a single worker; distinct
// chats proceed in parallel up to the global worker limit.
type Dispatcher struct {
	msgBus  domain.MessageBus
	events  *bus.EventBus
	audit   domain.AuditLogger
	handler func(context.Context, domain.InboundMessage)
	logger  *slog.Logger

	sem         chan struct{}
	queueDepth  int
	enqueueWait time.Duration

	mu     sync.Mutex
	queues map[string]chan domain.InboundMessage
	wg     sync.WaitGroup
}

type DispatcherConfig struct {
	Bus        domain.MessageBus
	Events     *bus.EventBus
	Audit      domain.AuditLogger
	Handler    func(context.Context, domain.InboundMessage)
	Logger     *slog.Logger
	Workers    int
	QueueDepth int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	return &Dispatcher{
		msgBus:      cfg.Bus,
		events:      cfg.Events,
		audit:       cfg.Audit,
		handler:     cfg.Handler,
		logger:      cfg.Logger,
		sem:         make(chan struct{}, cfg.Workers),
		queueDepth:  cfg.QueueDepth,
		enqueueWait: defaultEnqueueWait,
		queues:      make(map[string]chan domain.InboundMessage),
	}
}

// Run consumes the bus until the context is cancelled or the bus closes,
// then waits for in-flight workers to drain.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "workers", cap(d.sem), "queue_depth", d.queueDepth)
	inbound := d.msgBus.SubscribeInbound()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			d.wg.Wait()
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound stream closed, dispatcher stopping")
				d.wg.Wait()
				return
			}
			d.dispatch(ctx, msg)
		}
	}
}

// dispatch validates the message and appends it to its chat's queue.
func (d *Dispatcher) dispatch(ctx context.Context, msg domain.InboundMessage) {
	if err := validate(msg); err != nil {
		d.drop(ctx, msg, err.Error())
		return
	}
	if d.events != nil {
		d.events.Emit(bus.Event{
			Type:   bus.EventMessageReceived,
			Source: msg.Channel,
			Payload: map[string]any{
				"chat_key": domain.ChatKey(msg.Channel, msg.ChatID),
				"id":       msg.ID,
			},
		})
	}

	key := domain.ChatKey(msg.Channel, msg.ChatID)

	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = make(chan domain.InboundMessage, d.queueDepth)
		d.queues[key] = q
		d.wg.Add(1)
		go d.worker(ctx, key, q)
	}
	d.mu.Unlock()

	select {
	case q <- msg:
		return
	default:
	}

	// Hold intake briefly so bus backpressure absorbs bursts, but a chat
	// with a stuck queue must not stall every other chat indefinitely.
	timer := time.NewTimer(d.enqueueWait)
	defer timer.Stop()
	select {
	case q <- msg:
	case <-ctx.Done():
		d.drop(ctx, msg, "shutting down")
	case <-timer.C:
		d.drop(ctx, msg, "chat queue full")
		d.notifyBusy(ctx, msg)
	}
}

// notifyBusy tells the sender their message was shed. Best effort; the bus
// may be the very thing that is saturated.
func (d *Dispatcher) notifyBusy(ctx context.Context, msg domain.InboundMessage) {
	err := d.msgBus.PublishOutbound(ctx, domain.OutboundMessage{
		ID:        uuid.NewString(),
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Content:   "I'm still working through your earlier messages; this one was skipped. Please resend it in a moment.",
		InReplyTo: msg.ID,
		Timestamp: time.Now(),
	})
	if err != nil {
		d.logger.Warn("cannot notify chat about shed message",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"err", err,
		)
	}
}

// worker drains one chat's queue sequentially. Each message claims a global
// worker slot, so total parallelism stays bounded across chats.
func (d *Dispatcher) worker(ctx context.Context, key string, q chan domain.InboundMessage) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			select {
			case <-ctx.Done():
				return
			case d.sem <- struct{}{}:
			}
			d.handler(ctx, msg)
			<-d.sem
		}
	}
}

func (d *Dispatcher) drop(ctx context.Context, msg domain.InboundMessage, reason string) {
	d.logger.Warn("dropping inbound message",
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"reason", reason,
	)
	if d.events != nil {
		d.events.Emit(bus.Event{
			Type:    bus.EventMessageDropped,
			Source:  msg.Channel,
			Payload: map[string]any{"reason": reason, "id": msg.ID},
		})
	}
	if d.audit != nil {
		d.audit.LogAudit(ctx, domain.AuditEntry{
			Action: "message_dropped",
			Detail: domain.ChatKey(msg.Channel, msg.ChatID) + ": " + reason,
			Result: "dropped",
		})
	}
}

func validate(msg domain.InboundMessage) error {
	if strings.TrimSpace(msg.Channel) == "" || strings.TrimSpace(msg.ChatID) == "" {
		return domain.ErrMalformedMessage
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Media) == 0 {
		return domain.ErrMalformedMessage
	}
	return nil
}
