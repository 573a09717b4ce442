package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/postpilot/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgSink archives every event into Postgres. The in-memory ring stays the
// source of truth for reads; the archive keeps history beyond its cap.
type PgSink struct {
	pool *pgxpool.Pool
	ch   chan models.Event
	wg   sync.WaitGroup
	once sync.Once
}

// NewPgSink connects to url, ensures the table and starts the writer.
func NewPgSink(ctx context.Context, url string, maxConns int) (*PgSink, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PgSink{pool: pool, ch: make(chan models.Event, 256)}
	if err := s.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure events table: %w", err)
	}
	s.wg.Add(1)
	go s.run()
	log.Info().Msg("✅ Postgres event archive connected")
	return s, nil
}

// EnsureTable creates the archive table if it doesn't exist.
func (s *PgSink) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS postpilot_events (
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			source    TEXT NOT NULL,
			priority  TEXT NOT NULL,
			data      JSONB NOT NULL DEFAULT '{}',
			timestamp TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_postpilot_events_type ON postpilot_events(type, timestamp)`)
	return err
}

// Write enqueues e for archiving, dropping it when the buffer is full.
func (s *PgSink) Write(e models.Event) {
	select {
	case s.ch <- e:
	default:
		log.Warn().Str("event_id", e.ID).Msg("Event archive backlog full, dropping event")
	}
}

func (s *PgSink) run() {
	defer s.wg.Done()
	for e := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.insert(ctx, e); err != nil {
			log.Warn().Err(err).Str("event_id", e.ID).Msg("Failed to archive event")
		}
		cancel()
	}
}

func (s *PgSink) insert(ctx context.Context, e models.Event) error {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO postpilot_events (id, type, source, priority, data, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Type, e.Source, string(e.Priority), raw, e.Timestamp,
	)
	return err
}

// Close drains the backlog and closes the pool.
func (s *PgSink) Close() {
	s.once.Do(func() {
		close(s.ch)
		s.wg.Wait()
		s.pool.Close()
	})
}
