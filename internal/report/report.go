// Package report sends a daily activity summary to the staff phone on a
// cron schedule.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pelangilabs/concierge/internal/analytics"
)

// Sender delivers the report message.
type Sender interface {
	SendMessage(ctx context.Context, to, text, instanceID string) error
}

// Scheduler runs the daily report loop.
type Scheduler struct {
	stats      *analytics.Collector
	sender     Sender
	staffPhone string
	instanceID string
	schedule   string
}

// New creates a report scheduler. schedule is a cron expression
// ("" = default 08:00 daily).
func New(stats *analytics.Collector, sender Sender, staffPhone, instanceID, schedule string) (*Scheduler, error) {
	if schedule == "" {
		schedule = "0 8 * * *"
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid report schedule %q", schedule)
	}
	return &Scheduler{
		stats:      stats,
		sender:     sender,
		staffPhone: staffPhone,
		instanceID: instanceID,
		schedule:   schedule,
	}, nil
}

// Run blocks until ctx is done, sending one report per schedule tick.
// A failed report send is logged and skipped; the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTick(s.schedule, false)
		if err != nil {
			return fmt.Errorf("compute next report tick: %w", err)
		}
		slog.Debug("next daily report scheduled", "at", next)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		if err := s.sendReport(ctx); err != nil {
			slog.Warn("daily report failed", "error", err)
		}
	}
}

func (s *Scheduler) sendReport(ctx context.Context) error {
	stats, err := s.stats.StatsSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		return err
	}

	if err := s.sender.SendMessage(ctx, s.staffPhone, formatReport(stats), s.instanceID); err != nil {
		return err
	}
	slog.Info("daily report sent", "staff", s.staffPhone, "messages", stats.Messages)
	return nil
}

func formatReport(stats *analytics.DailyStats) string {
	var b strings.Builder
	b.WriteString("📊 Daily guest report (last 24h)\n")
	fmt.Fprintf(&b, "Messages handled: %d\n", stats.Messages)
	fmt.Fprintf(&b, "Escalations: %d\n", stats.Escalations)
	fmt.Fprintf(&b, "Bookings started: %d\n", stats.Bookings)
	fmt.Fprintf(&b, "Workflows started: %d\n", stats.Workflows)

	if len(stats.TopIntents) > 0 {
		b.WriteString("Top intents:\n")
		for _, ic := range stats.TopIntents {
			fmt.Fprintf(&b, "  %s: %d\n", ic.Intent, ic.Count)
		}
	}
	return b.String()
}
