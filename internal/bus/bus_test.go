package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"steward/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublishInbound_Delivers(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	msg := domain.InboundMessage{ID: "m1", Channel: "cli", ChatID: "direct", Content: "hello"}
	if err := b.PublishInbound(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-b.SubscribeInbound():
		if got.ID != "m1" || got.Content != "hello" {
			t.Fatalf("unexpected message: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestPublishInbound_PreservesOrder(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := b.PublishInbound(context.Background(), domain.InboundMessage{ID: id}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	inbound := b.SubscribeInbound()
	for _, want := range []string{"a", "b", "c"} {
		got := <-inbound
		if got.ID != want {
			t.Fatalf("expected %q, got %q", want, got.ID)
		}
	}
}

func TestPublishInbound_ClosedBus(t *testing.T) {
	b := New(10, testLogger())
	b.Close()

	err := b.PublishInbound(context.Background(), domain.InboundMessage{ID: "m1"})
	if !errors.Is(err, domain.ErrBusUnavailable) {
		t.Fatalf("expected ErrBusUnavailable, got %v", err)
	}
}

func TestPublishInbound_FullQueueTimesOut(t *testing.T) {
	b := New(1, testLogger())
	b.publishTimeout = 20 * time.Millisecond
	defer b.Close()

	if err := b.PublishInbound(context.Background(), domain.InboundMessage{ID: "m1"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := b.PublishInbound(context.Background(), domain.InboundMessage{ID: "m2"})
	if !errors.Is(err, domain.ErrBusUnavailable) {
		t.Fatalf("expected ErrBusUnavailable on full queue, got %v", err)
	}
}

func TestPublishOutbound_RoutesByDestination(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	var cliGot, discordGot []string
	b.OnOutbound("cli", func(m domain.OutboundMessage) { cliGot = append(cliGot, m.Content) })
	b.OnOutbound("discord", func(m domain.OutboundMessage) { discordGot = append(discordGot, m.Content) })

	ctx := context.Background()
	b.PublishOutbound(ctx, domain.OutboundMessage{Channel: "cli", Content: "one"})
	b.PublishOutbound(ctx, domain.OutboundMessage{Channel: "discord", Content: "two"})
	b.PublishOutbound(ctx, domain.OutboundMessage{Channel: "cli", Content: "three"})

	if len(cliGot) != 2 || cliGot[0] != "one" || cliGot[1] != "three" {
		t.Fatalf("cli handler got %v", cliGot)
	}
	if len(discordGot) != 1 || discordGot[0] != "two" {
		t.Fatalf("discord handler got %v", discordGot)
	}
}

func TestPublishOutbound_NoHandler(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	err := b.PublishOutbound(context.Background(), domain.OutboundMessage{Channel: "ghost"})
	if !errors.Is(err, domain.ErrBusUnavailable) {
		t.Fatalf("expected ErrBusUnavailable for missing handler, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	b := New(10, testLogger())
	b.Close()
	b.Close() // must not panic

	if _, ok := <-b.SubscribeInbound(); ok {
		t.Fatal("expected closed inbound channel")
	}
}
