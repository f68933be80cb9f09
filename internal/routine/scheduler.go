// Package routine fires declarative periodic tasks into the message bus as
// synthetic inbound messages on a reserved system chat.
package routine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"steward/internal/bus"
	"steward/internal/config"
	"steward/internal/domain"
)

// Reserved destination for scheduler-originated messages. The orchestrator
// treats it like any other chat; channels never claim this name.
const (
	ChannelName = "routine"
	ChatID      = "system:routine"
)

const (
	defaultTickInterval = 60 * time.Second
	publishAttempts     = 3
	publishBackoff      = 200 * time.Millisecond
)

// Scheduler wakes on a fixed tick, checks which routine entries are due, and
// publishes one synthetic message per due entry. The last-fired watermark is
// advanced before publishing, so an entry missed while the process was down
// fires at most once on restart, never once per missed period.
type Scheduler struct {
	store  domain.RoutineStore
	msgBus domain.MessageBus
	events *bus.EventBus
	logger *slog.Logger
	tick   time.Duration

	now func() time.Time
}

func NewScheduler(cfg config.RoutineConfig, store domain.RoutineStore, msgBus domain.MessageBus, events *bus.EventBus, logger *slog.Logger) *Scheduler {
	tick := time.Duration(cfg.TickIntervalSeconds) * time.Second
	if tick <= 0 {
		tick = defaultTickInterval
	}
	return &Scheduler{
		store:  store,
		msgBus: msgBus,
		events: events,
		logger: logger,
		tick:   tick,
		now:    time.Now,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("routine scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("routine scheduler stopping")
			return
		case <-ticker.C:
			s.runTick(ctx, s.now())
		}
	}
}

// runTick fires every due entry once.
func (s *Scheduler) runTick(ctx context.Context, now time.Time) {
	entries, err := s.store.ListRoutines(ctx)
	if err != nil {
		s.logger.Error("list routines failed", "error", err)
		return
	}

	for _, entry := range entries {
		if !due(entry, now) {
			continue
		}
		// Watermark first: a slow or crashed publish must not double-fire.
		if err := s.store.MarkFired(ctx, entry.Name, now); err != nil {
			s.logger.Error("mark fired failed, skipping", "routine", entry.Name, "error", err)
			continue
		}
		if err := s.publish(ctx, entry, now); err != nil {
			s.logger.Error("routine publish failed", "routine", entry.Name, "error", err)
			continue
		}
		s.logger.Info("routine fired", "routine", entry.Name, "frequency", entry.Frequency)
		if s.events != nil {
			s.events.Emit(bus.Event{
				Type:    bus.EventRoutineFired,
				Source:  "scheduler",
				Payload: map[string]any{"routine": entry.Name, "frequency": string(entry.Frequency)},
			})
		}
	}
}

// publish sends the synthetic message, retrying transient bus saturation.
func (s *Scheduler) publish(ctx context.Context, entry domain.RoutineEntry, now time.Time) error {
	msg := domain.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   ChannelName,
		ChatID:    ChatID,
		SenderID:  "scheduler",
		Content:   fmt.Sprintf("Scheduled routine %q is due. %s", entry.Name, entry.Description),
		Timestamp: now,
	}

	backoff := publishBackoff
	var err error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		err = s.msgBus.PublishInbound(ctx, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrBusUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// due decides whether an entry fires at the given instant.
//
// Hourly entries fire when at least an hour has passed since the watermark.
// Daily and weekly entries with a preferred time fire on the first tick at
// or after that clock time on an eligible day; without one they fall back to
// a plain interval check. A zero watermark means the entry has never fired
// and is due as soon as its clock constraint allows.
func due(entry domain.RoutineEntry, now time.Time) bool {
	switch entry.Frequency {
	case domain.FrequencyHourly:
		return entry.LastFired.IsZero() || now.Sub(entry.LastFired) >= time.Hour

	case domain.FrequencyDaily:
		if entry.PreferredTime == "" {
			return entry.LastFired.IsZero() || now.Sub(entry.LastFired) >= 24*time.Hour
		}
		if !clockReached(entry.PreferredTime, now) {
			return false
		}
		return entry.LastFired.IsZero() || daysBetween(entry.LastFired, now) >= 1

	case domain.FrequencyWeekly:
		if entry.PreferredTime == "" {
			return entry.LastFired.IsZero() || now.Sub(entry.LastFired) >= 7*24*time.Hour
		}
		if !clockReached(entry.PreferredTime, now) {
			return false
		}
		return entry.LastFired.IsZero() || daysBetween(entry.LastFired, now) >= 7

	default:
		return false
	}
}

// clockReached reports whether now's wall clock is at or past "HH:MM".
func clockReached(preferred string, now time.Time) bool {
	t, err := time.Parse("15:04", preferred)
	if err != nil {
		return true
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	prefMinutes := t.Hour()*60 + t.Minute()
	return nowMinutes >= prefMinutes
}

// daysBetween counts calendar-day boundaries between two instants. The
// midnight-to-midnight span drifts an hour across DST transitions, so it
// rounds to the nearest day rather than truncating.
func daysBetween(earlier, later time.Time) int {
	ey, em, ed := earlier.Date()
	ly, lm, ld := later.Date()
	start := time.Date(ey, em, ed, 0, 0, 0, 0, earlier.Location())
	end := time.Date(ly, lm, ld, 0, 0, 0, 0, later.Location())
	return int((end.Sub(start) + 12*time.Hour) / (24 * time.Hour))
}
