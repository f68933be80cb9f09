package channel

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"steward/internal/bus"
	"steward/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCLI_PublishesTypedLines(t *testing.T) {
	b := bus.New(8, testLogger())
	defer b.Close()

	out := &syncBuffer{}
	cli := NewCLI(CLIConfig{
		Logger: testLogger(),
		In:     strings.NewReader("hello steward\n/quit\n"),
		Out:    out,
	})

	done := make(chan error, 1)
	go func() { done <- cli.Start(context.Background(), b) }()

	select {
	case msg := <-b.SubscribeInbound():
		if msg.Channel != "cli" || msg.ChatID != "direct" {
			t.Errorf("destination = %s:%s", msg.Channel, msg.ChatID)
		}
		if msg.Content != "hello steward" {
			t.Errorf("content = %q", msg.Content)
		}
		if msg.ID == "" {
			t.Error("missing message ID")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message published")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return on /quit")
	}
}

func TestCLI_PrintsOutbound(t *testing.T) {
	b := bus.New(8, testLogger())
	defer b.Close()

	out := &syncBuffer{}
	pr, pw := newBlockedReader()
	defer pw.close()

	cli := NewCLI(CLIConfig{Logger: testLogger(), In: pr, Out: out})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Start(ctx, b)

	// Wait for the outbound handler registration.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := b.PublishOutbound(context.Background(), domain.OutboundMessage{
			Channel: "cli", ChatID: "direct", Content: "the answer is 42",
		})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("PublishOutbound: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "the answer is 42") {
		if time.Now().After(deadline) {
			t.Fatalf("reply not printed, output: %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSplitMessage(t *testing.T) {
	long := strings.Repeat("line one\n", 400) // ~3600 chars
	chunks := splitMessage(long, 2000)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want >= 2", len(chunks))
	}
	var total int
	for _, c := range chunks {
		if len(c) > 2000 {
			t.Errorf("chunk length %d exceeds limit", len(c))
		}
		total += len(c)
	}
	if total != len(long) {
		t.Errorf("reassembled length = %d, want %d", total, len(long))
	}

	short := splitMessage("hi", 2000)
	if len(short) != 1 || short[0] != "hi" {
		t.Errorf("short split = %v", short)
	}
}

// blockedReader blocks Read until closed, simulating an idle stdin.
type blockedReader struct{ ch chan struct{} }

type blockedWriter struct{ ch chan struct{} }

func newBlockedReader() (*blockedReader, *blockedWriter) {
	ch := make(chan struct{})
	return &blockedReader{ch: ch}, &blockedWriter{ch: ch}
}

func (r *blockedReader) Read(p []byte) (int, error) {
	<-r.ch
	return 0, os.ErrClosed
}

func (w *blockedWriter) close() { close(w.ch) }
