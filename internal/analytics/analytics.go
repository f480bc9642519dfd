// Package analytics records fire-and-forget pipeline events and per-message
// diary entries in SQLite. Writes go through a buffered channel to a single
// background writer; a full buffer drops the event rather than blocking the
// message pipeline.
package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event types emitted by the router.
const (
	EventIntentClassified = "intent_classified"
	EventEscalation       = "escalation"
	EventWorkflowStarted  = "workflow_started"
	EventBookingStarted   = "booking_started"
	EventIntentPrediction = "intent_prediction"
)

// Event is one tracked pipeline event.
type Event struct {
	ID         string
	Type       string
	Phone      string
	Intent     string
	Action     string
	Confidence float64
	Payload    map[string]interface{}
	CreatedAt  time.Time
}

// DiaryEntry is the per-message audit record.
type DiaryEntry struct {
	Phone           string
	Intent          string
	Action          string
	MessageType     string
	Confidence      float64
	Escalated       bool
	WorkflowStarted bool
	BookingStarted  bool
	CreatedAt       time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	phone       TEXT NOT NULL DEFAULT '',
	intent      TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL DEFAULT '',
	confidence  REAL NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

CREATE TABLE IF NOT EXISTS diary (
	id               TEXT PRIMARY KEY,
	phone            TEXT NOT NULL,
	intent           TEXT NOT NULL DEFAULT '',
	action           TEXT NOT NULL DEFAULT '',
	message_type     TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	escalated        INTEGER NOT NULL DEFAULT 0,
	workflow_started INTEGER NOT NULL DEFAULT 0,
	booking_started  INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diary_phone ON diary(phone);
`

type writeReq struct {
	event *Event
	diary *DiaryEntry
}

// Collector is the analytics sink.
type Collector struct {
	db   *sql.DB
	ch   chan writeReq
	done chan struct{}
}

// Open opens (or creates) the analytics database and starts the writer.
func Open(path string) (*Collector, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open analytics db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create analytics schema: %w", err)
	}

	c := &Collector{
		db:   db,
		ch:   make(chan writeReq, 256),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// Track records an event. Never blocks and never fails: a full buffer
// drops the event with a debug log.
func (c *Collector) Track(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case c.ch <- writeReq{event: &ev}:
	default:
		slog.Debug("analytics: buffer full, dropping event", "type", ev.Type)
	}
}

// RecordDiary records a per-message diary entry, same no-block contract.
func (c *Collector) RecordDiary(d DiaryEntry) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	select {
	case c.ch <- writeReq{diary: &d}:
	default:
		slog.Debug("analytics: buffer full, dropping diary entry", "phone", d.Phone)
	}
}

func (c *Collector) writeLoop() {
	defer close(c.done)
	for req := range c.ch {
		var err error
		switch {
		case req.event != nil:
			ev := req.event
			payload, _ := json.Marshal(ev.Payload)
			_, err = c.db.Exec(
				`INSERT INTO events (id, type, phone, intent, action, confidence, payload, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.ID, ev.Type, ev.Phone, ev.Intent, ev.Action, ev.Confidence, string(payload), ev.CreatedAt,
			)
		case req.diary != nil:
			d := req.diary
			_, err = c.db.Exec(
				`INSERT INTO diary (id, phone, intent, action, message_type, confidence, escalated, workflow_started, booking_started, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), d.Phone, d.Intent, d.Action, d.MessageType, d.Confidence,
				boolInt(d.Escalated), boolInt(d.WorkflowStarted), boolInt(d.BookingStarted), d.CreatedAt,
			)
		}
		if err != nil {
			slog.Warn("analytics: write failed", "error", err)
		}
	}
}

// Close drains pending writes and closes the database.
func (c *Collector) Close() error {
	close(c.ch)
	<-c.done
	return c.db.Close()
}

// DailyStats summarizes activity for the staff report.
type DailyStats struct {
	Messages    int
	Escalations int
	Bookings    int
	Workflows   int
	TopIntents  []IntentCount
}

// IntentCount pairs an intent with its occurrence count.
type IntentCount struct {
	Intent string
	Count  int
}

// StatsSince aggregates diary and event rows written after since.
func (c *Collector) StatsSince(since time.Time) (*DailyStats, error) {
	stats := &DailyStats{}

	err := c.db.QueryRow(`SELECT COUNT(*) FROM diary WHERE created_at >= ?`, since).Scan(&stats.Messages)
	if err != nil {
		return nil, fmt.Errorf("analytics: count messages: %w", err)
	}

	counts := map[string]*int{
		EventEscalation:      &stats.Escalations,
		EventBookingStarted:  &stats.Bookings,
		EventWorkflowStarted: &stats.Workflows,
	}
	for typ, dst := range counts {
		if err := c.db.QueryRow(`SELECT COUNT(*) FROM events WHERE type = ? AND created_at >= ?`, typ, since).Scan(dst); err != nil {
			return nil, fmt.Errorf("analytics: count %s: %w", typ, err)
		}
	}

	rows, err := c.db.Query(
		`SELECT intent, COUNT(*) AS n FROM diary
		 WHERE created_at >= ? AND intent != ''
		 GROUP BY intent ORDER BY n DESC LIMIT 5`, since)
	if err != nil {
		return nil, fmt.Errorf("analytics: top intents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ic IntentCount
		if err := rows.Scan(&ic.Intent, &ic.Count); err != nil {
			return nil, err
		}
		stats.TopIntents = append(stats.TopIntents, ic)
	}
	return stats, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
