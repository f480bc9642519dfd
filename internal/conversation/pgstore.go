package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	phone      TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PGStore is a Store persisted in Postgres instead of the file tree.
// Reads stay in memory; Save upserts the conversation row.
type PGStore struct {
	*Store
	db *sql.DB
}

// OpenPG connects to Postgres, ensures the schema, and loads existing
// conversations into memory.
func OpenPG(dsn string, maxHistory int) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations schema: %w", err)
	}

	p := &PGStore{Store: NewStore("", maxHistory), db: db}
	if err := p.loadAllPG(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Save upserts the conversation row. Shadows the file store's Save.
func (p *PGStore) Save(phone string) error {
	p.mu.RLock()
	c, ok := p.convos[phone]
	if !ok {
		p.mu.RUnlock()
		return nil
	}
	snapshot := *c
	snapshot.Messages = make([]Message, len(c.Messages))
	copy(snapshot.Messages, c.Messages)
	p.mu.RUnlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO conversations (phone, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (phone) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		phone, data)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", phone, err)
	}
	return nil
}

func (p *PGStore) Close() error {
	return p.db.Close()
}

func (p *PGStore) loadAllPG(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM conversations`)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			slog.Warn("skipping corrupt conversation row", "error", err)
			continue
		}
		p.mu.Lock()
		p.convos[c.Phone] = &c
		p.mu.Unlock()
		n++
	}
	if n > 0 {
		slog.Info("loaded conversations from postgres", "count", n)
	}
	return rows.Err()
}
