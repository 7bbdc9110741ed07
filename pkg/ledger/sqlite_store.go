package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/protocol"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	poll   time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	cursor int64
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in memory on a
	// single connection.
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// PollInterval is how often AwaitChanges looks for new events.
	PollInterval time.Duration

	Logger zerolog.Logger
}

// NewSQLiteStore creates a store. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &SQLiteStore{
		path:   cfg.Path,
		poll:   cfg.PollInterval,
		logger: cfg.Logger.With().Str("component", "ledger").Logger(),
	}, nil
}

// Init opens the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate brings the schema up to date.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Submit implements Store.
func (s *SQLiteStore) Submit(ctx context.Context, requests []Request) ([]Request, []Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var added []Request
	for _, r := range requests {
		if r.Status == "" {
			r.Status = protocol.StatusWaiting
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO requests (id, channel, sender, type, t, body, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, r.ID.String(), r.Channel, r.Sender, r.Type, r.Timestamp.UTC().Format(timeLayout),
			string(r.Body), string(r.Status), now.Format(timeLayout))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to submit request %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		if r.Seq, err = res.LastInsertId(); err != nil {
			return nil, nil, fmt.Errorf("failed to get request sequence: %w", err)
		}
		r.UpdatedAt = now
		added = append(added, r)
	}

	events, err := queryEvents(ctx, tx, s.cursor)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit submit: %w", err)
	}
	if len(events) > 0 {
		s.cursor = events[len(events)-1].Seq
	}

	s.logger.Debug().Int("submitted", len(added)).Int("events", len(events)).Msg("Ledger synced")
	return added, events, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEvents(ctx context.Context, q queryer, after int64) ([]Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, COALESCE(request, ''), channel, sender, type, t, body
		FROM events
		WHERE seq > ?
		ORDER BY seq ASC
	`, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e             Event
			id, req, t, b string
		)
		if err := rows.Scan(&e.Seq, &id, &req, &e.Channel, &e.Sender, &e.Type, &t, &b); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event %d has invalid id: %w", e.Seq, err)
		}
		if req != "" {
			if e.Request, err = uuid.Parse(req); err != nil {
				return nil, fmt.Errorf("event %d has invalid request: %w", e.Seq, err)
			}
		}
		if e.Timestamp, err = time.Parse(timeLayout, t); err != nil {
			return nil, fmt.Errorf("event %d has invalid time: %w", e.Seq, err)
		}
		e.Body = []byte(b)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Refresh implements Store.
func (s *SQLiteStore) Refresh(ctx context.Context, f Filter) ([]Request, error) {
	var (
		where []string
		args  []any
	)
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, f.Sender)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT seq, id, channel, sender, type, t, body, status, updated_at FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		var (
			r                     Request
			id, t, b, st, updated string
		)
		if err := rows.Scan(&r.Seq, &id, &r.Channel, &r.Sender, &r.Type, &t, &b, &st, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("request %d has invalid id: %w", r.Seq, err)
		}
		if r.Timestamp, err = time.Parse(timeLayout, t); err != nil {
			return nil, fmt.Errorf("request %d has invalid time: %w", r.Seq, err)
		}
		if r.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
			return nil, fmt.Errorf("request %d has invalid update time: %w", r.Seq, err)
		}
		r.Body = []byte(b)
		r.Status = protocol.Status(st)
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}
	return requests, nil
}

// AwaitChanges implements Store by polling for events past the cursor.
func (s *SQLiteStore) AwaitChanges(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		cursor := s.cursor
		s.mu.Unlock()

		var latest int64
		err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&latest)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("failed to check for events: %w", err)
		}
		if latest > cursor {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}

// Record stores envelopes nodes sent back as events and updates the status
// of the requests they refer to. Envelopes already recorded are skipped. It
// returns how many were new.
func (s *SQLiteStore) Record(ctx context.Context, envelopes []*protocol.Envelope) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	added := 0
	for _, e := range envelopes {
		body, err := protocol.Marshal(e)
		if err != nil {
			return added, err
		}
		var request any
		if len(e.Refs) > 0 {
			request = e.Refs[0].String()
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, request, channel, sender, type, t, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, e.ID.String(), request, e.Channel, e.Sender, e.Type, e.Timestamp.UTC().Format(timeLayout), string(body))
		if err != nil {
			return added, fmt.Errorf("failed to record event %s: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return added, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		added++

		status, ok := statusOf(e)
		if !ok || request == nil {
			continue
		}
		// A terminal status is never overwritten by a late started.
		if _, err := tx.ExecContext(ctx, `
			UPDATE requests
			SET status = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('success', 'failed')
		`, string(status), now, request); err != nil {
			return added, fmt.Errorf("failed to update request %s: %w", request, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit events: %w", err)
	}
	if added > 0 {
		s.logger.Info().Int("events", added).Msg("Recorded node events")
	}
	return added, nil
}

// Known reports whether an event with id was recorded.
func (s *SQLiteStore) Known(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?`, id.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up event: %w", err)
	}
	return n > 0, nil
}

// HealthCheck verifies the database answers.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
