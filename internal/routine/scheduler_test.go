package routine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"steward/internal/bus"
	"steward/internal/config"
	"steward/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memRoutineStore is an in-memory domain.RoutineStore.
type memRoutineStore struct {
	entries map[string]domain.RoutineEntry
	markErr error
}

func newMemRoutineStore() *memRoutineStore {
	return &memRoutineStore{entries: make(map[string]domain.RoutineEntry)}
}

func (s *memRoutineStore) UpsertRoutine(ctx context.Context, entry domain.RoutineEntry) error {
	s.entries[entry.Name] = entry
	return nil
}
func (s *memRoutineStore) RemoveRoutine(ctx context.Context, name string) error {
	delete(s.entries, name)
	return nil
}
func (s *memRoutineStore) ListRoutines(ctx context.Context) ([]domain.RoutineEntry, error) {
	out := make([]domain.RoutineEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}
func (s *memRoutineStore) MarkFired(ctx context.Context, name string, at time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("routine not found: %s", name)
	}
	e.LastFired = at
	s.entries[name] = e
	return nil
}

var _ domain.RoutineStore = (*memRoutineStore)(nil)

// captureBus records inbound publishes; can fail a number of times first.
type captureBus struct {
	published []domain.InboundMessage
	failures  int
}

func (b *captureBus) PublishInbound(ctx context.Context, msg domain.InboundMessage) error {
	if b.failures > 0 {
		b.failures--
		return domain.ErrBusUnavailable
	}
	b.published = append(b.published, msg)
	return nil
}
func (b *captureBus) SubscribeInbound() <-chan domain.InboundMessage                      { return nil }
func (b *captureBus) PublishOutbound(ctx context.Context, msg domain.OutboundMessage) error { return nil }
func (b *captureBus) OnOutbound(channelName string, handler func(domain.OutboundMessage))   {}
func (b *captureBus) Close()                                                                {}

var _ domain.MessageBus = (*captureBus)(nil)

func newTestScheduler(store domain.RoutineStore, msgBus domain.MessageBus) *Scheduler {
	return NewScheduler(config.RoutineConfig{TickIntervalSeconds: 60}, store, msgBus, nil, testLogger())
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 31, hour, minute, 0, 0, time.UTC)
}

func TestDue_Hourly(t *testing.T) {
	e := domain.RoutineEntry{Name: "sweep", Frequency: domain.FrequencyHourly}

	if !due(e, at(10, 0)) {
		t.Fatal("never-fired hourly entry should be due")
	}
	e.LastFired = at(9, 30)
	if due(e, at(10, 0)) {
		t.Fatal("hourly entry fired 30m ago must not be due")
	}
	if !due(e, at(10, 30)) {
		t.Fatal("hourly entry fired 1h ago should be due")
	}
}

func TestDue_DailyPreferredTime(t *testing.T) {
	e := domain.RoutineEntry{Name: "brief", Frequency: domain.FrequencyDaily, PreferredTime: "09:00"}

	if due(e, at(8, 59)) {
		t.Fatal("not due before preferred time")
	}
	if !due(e, at(9, 0)) {
		t.Fatal("due at preferred time")
	}

	// Fired today: no second firing, even well past the preferred time.
	e.LastFired = at(9, 0)
	if due(e, at(9, 1)) || due(e, at(23, 59)) {
		t.Fatal("daily entry must fire at most once per day")
	}

	// Next day at 09:00 it is due again.
	nextDay := at(9, 0).Add(24 * time.Hour)
	if !due(e, nextDay) {
		t.Fatal("due again the next day")
	}
	// But not before the preferred time, even on a new day.
	if due(e, at(8, 0).Add(24*time.Hour)) {
		t.Fatal("not due before preferred time on the next day")
	}
}

func TestDue_DailyNoCatchUp(t *testing.T) {
	// Fired three days ago; due once now, not three times.
	e := domain.RoutineEntry{
		Name: "brief", Frequency: domain.FrequencyDaily, PreferredTime: "09:00",
		LastFired: at(9, 0).Add(-3 * 24 * time.Hour),
	}
	now := at(10, 0)
	if !due(e, now) {
		t.Fatal("overdue entry should be due")
	}
	e.LastFired = now
	if due(e, at(11, 0)) {
		t.Fatal("missed periods must not be replayed")
	}
}

func TestDue_Weekly(t *testing.T) {
	e := domain.RoutineEntry{Name: "review", Frequency: domain.FrequencyWeekly, PreferredTime: "18:00"}

	if !due(e, at(18, 0)) {
		t.Fatal("never-fired weekly entry due at preferred time")
	}
	e.LastFired = at(18, 0)
	if due(e, at(18, 0).Add(3*24*time.Hour)) {
		t.Fatal("weekly entry must not fire mid-week")
	}
	if !due(e, at(18, 0).Add(7*24*time.Hour)) {
		t.Fatal("weekly entry due a week later")
	}
}

func TestDue_WeeklyAcrossSpringForward(t *testing.T) {
	// A spring-forward week spans 167 hours midnight to midnight; it is
	// still 7 calendar days and the entry must not slip a day.
	est := time.FixedZone("EST", -5*3600)
	edt := time.FixedZone("EDT", -4*3600)

	fired := time.Date(2026, 3, 2, 18, 0, 0, 0, est)
	weekLater := time.Date(2026, 3, 9, 18, 0, 0, 0, edt)
	if days := daysBetween(fired, weekLater); days != 7 {
		t.Fatalf("daysBetween across DST week = %d, want 7", days)
	}

	e := domain.RoutineEntry{
		Name: "review", Frequency: domain.FrequencyWeekly, PreferredTime: "18:00",
		LastFired: fired,
	}
	if !due(e, weekLater) {
		t.Fatal("weekly entry due one calendar week later despite the lost hour")
	}

	dayLater := time.Date(2026, 3, 8, 18, 0, 0, 0, edt)
	if days := daysBetween(fired.AddDate(0, 0, 5), dayLater); days != 1 {
		t.Fatalf("daysBetween across DST day = %d, want 1", days)
	}
}

func TestDue_IntervalFallbackWithoutPreferredTime(t *testing.T) {
	e := domain.RoutineEntry{Name: "sync", Frequency: domain.FrequencyDaily, LastFired: at(14, 0)}
	if due(e, at(14, 0).Add(23*time.Hour)) {
		t.Fatal("not due before a full day has passed")
	}
	if !due(e, at(14, 0).Add(24*time.Hour)) {
		t.Fatal("due after a full day")
	}
}

func TestTick_PublishesSyntheticMessage(t *testing.T) {
	store := newMemRoutineStore()
	store.entries["brief"] = domain.RoutineEntry{
		Name: "brief", Frequency: domain.FrequencyDaily, PreferredTime: "09:00",
		Description: "Summarize overnight messages",
	}
	bus := &captureBus{}
	s := newTestScheduler(store, bus)

	s.runTick(context.Background(), at(9, 5))

	if len(bus.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(bus.published))
	}
	msg := bus.published[0]
	if msg.Channel != ChannelName || msg.ChatID != ChatID {
		t.Fatalf("unexpected destination: %s:%s", msg.Channel, msg.ChatID)
	}
	if !strings.Contains(msg.Content, "brief") || !strings.Contains(msg.Content, "Summarize overnight messages") {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if msg.ID == "" {
		t.Fatal("synthetic message must carry an ID")
	}
}

func TestTick_FiresOncePerDay(t *testing.T) {
	store := newMemRoutineStore()
	store.entries["brief"] = domain.RoutineEntry{
		Name: "brief", Frequency: domain.FrequencyDaily, PreferredTime: "09:00",
	}
	bus := &captureBus{}
	s := newTestScheduler(store, bus)
	ctx := context.Background()

	// Ticks every minute across the preferred time.
	for minute := 55; minute < 75; minute++ {
		s.runTick(ctx, at(8, 0).Add(time.Duration(minute)*time.Minute))
	}

	if len(bus.published) != 1 {
		t.Fatalf("daily routine fired %d times in one day, want 1", len(bus.published))
	}
}

func TestTick_EmitsRoutineFiredEvent(t *testing.T) {
	store := newMemRoutineStore()
	store.entries["sweep"] = domain.RoutineEntry{Name: "sweep", Frequency: domain.FrequencyHourly}

	events := bus.NewEventBus(testLogger())
	var fired []string
	events.On(bus.EventRoutineFired, func(ev bus.Event) {
		name, _ := ev.Payload["routine"].(string)
		fired = append(fired, name)
	})

	s := NewScheduler(config.RoutineConfig{TickIntervalSeconds: 60}, store, &captureBus{}, events, testLogger())
	s.runTick(context.Background(), at(10, 0))

	if len(fired) != 1 || fired[0] != "sweep" {
		t.Fatalf("expected one routine.fired event for sweep, got %v", fired)
	}
}

func TestTick_WatermarkBeforePublish(t *testing.T) {
	store := newMemRoutineStore()
	store.entries["sweep"] = domain.RoutineEntry{Name: "sweep", Frequency: domain.FrequencyHourly}
	// Publish fails permanently for this tick.
	bus := &captureBus{failures: publishAttempts}
	s := newTestScheduler(store, bus)

	s.runTick(context.Background(), at(10, 0))

	if len(bus.published) != 0 {
		t.Fatal("publish should have failed")
	}
	if store.entries["sweep"].LastFired.IsZero() {
		t.Fatal("watermark must advance before publishing")
	}
}

func TestTick_MarkFiredFailureSkipsPublish(t *testing.T) {
	store := newMemRoutineStore()
	store.entries["sweep"] = domain.RoutineEntry{Name: "sweep", Frequency: domain.FrequencyHourly}
	store.markErr = fmt.Errorf("disk full")
	bus := &captureBus{}
	s := newTestScheduler(store, bus)

	s.runTick(context.Background(), at(10, 0))

	if len(bus.published) != 0 {
		t.Fatal("a failed watermark write must suppress the publish")
	}
}

func TestPublish_RetriesBusSaturation(t *testing.T) {
	store := newMemRoutineStore()
	store.entries["sweep"] = domain.RoutineEntry{Name: "sweep", Frequency: domain.FrequencyHourly}
	bus := &captureBus{failures: 1}
	s := newTestScheduler(store, bus)

	s.runTick(context.Background(), at(10, 0))

	if len(bus.published) != 1 {
		t.Fatalf("expected publish to succeed after retry, got %d", len(bus.published))
	}
}
