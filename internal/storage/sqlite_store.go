package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/example/shopper-dispatch/internal/feed"
	"github.com/example/shopper-dispatch/internal/models"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteStore is the single-node durable backend. SQLite has no change
// notification, so the feed is published from this process after each
// committed write.
type SQLiteStore struct {
	db  *sql.DB
	hub *feed.Hub
	// writeMu keeps publish order equal to commit order.
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string, hub *feed.Hub) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if hub == nil {
		hub = feed.NewHub(0, nil)
	}
	s := &SQLiteStore{db: db, hub: hub}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func sqliteTime(t time.Time) any { return t.UTC().UnixNano() }

func (s *SQLiteStore) CreateRequest(ctx context.Context, r models.Request) (models.Request, error) {
	prepareNew(&r)
	args, err := requestArgs(r, sqliteTime)
	if err != nil {
		return models.Request{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO requests (`+requestColumns+`)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14, ?15, ?16, ?17, ?18, ?19, ?20, ?21)`, args...)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			cur, getErr := s.getRequest(ctx, r.ID)
			if getErr != nil {
				return models.Request{}, getErr
			}
			return models.Request{}, &ConditionError{Current: cur}
		}
		return models.Request{}, s.classify("insert request", err)
	}
	s.hub.Publish(models.ChangeEvent{Op: models.OpInsert, Request: cloneRequest(r)})
	return r, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	return s.getRequest(ctx, id)
}

func (s *SQLiteStore) getRequest(ctx context.Context, id string) (models.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, ErrNotFound
	}
	if err != nil {
		return models.Request{}, s.classify("get request", err)
	}
	return r, nil
}

const sqliteUpdateIf = `UPDATE requests SET
	status = ?3,
	assigned_provider_id = CASE WHEN ?4 THEN NULL WHEN ?5 <> '' THEN ?5 ELSE assigned_provider_id END,
	proposed_price = COALESCE(?6, proposed_price),
	final_price = COALESCE(?7, final_price),
	cancel_reason = CASE WHEN ?8 <> '' THEN ?8 ELSE cancel_reason END,
	version = version + 1,
	updated_at = ?9
WHERE id = ?1 AND status = ?2 AND (?10 = 0 OR version = ?10)
RETURNING ` + requestColumns

func (s *SQLiteStore) UpdateIf(ctx context.Context, id string, from models.Status, u Update) (models.Request, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	row := s.db.QueryRowContext(ctx, sqliteUpdateIf, updateArgs(id, from, u, sqliteTime)...)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := s.getRequest(ctx, id)
		if getErr != nil {
			return models.Request{}, getErr
		}
		return models.Request{}, &ConditionError{Current: cur}
	}
	if err != nil {
		return models.Request{}, s.classify("update request", err)
	}
	s.hub.Publish(models.ChangeEvent{Op: models.OpUpdate, Request: cloneRequest(r)})
	return r, nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status models.Status, updatedBefore time.Time, limit int) ([]models.Request, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE status = ?1 AND updated_at < ?2 ORDER BY updated_at LIMIT ?3`,
		string(status), sqliteTime(updatedBefore), limit)
	if err != nil {
		return nil, s.classify("list requests", err)
	}
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertPresence(ctx context.Context, p models.Presence) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_presence (provider_id, online, lat, lng, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5)
		ON CONFLICT (provider_id) DO UPDATE SET
			online = excluded.online, lat = excluded.lat, lng = excluded.lng, updated_at = excluded.updated_at
		WHERE provider_presence.updated_at <= excluded.updated_at`, presenceArgs(p, sqliteTime)...)
	if err != nil {
		return s.classify("upsert presence", err)
	}
	return nil
}

func (s *SQLiteStore) GetPresence(ctx context.Context, providerID string) (models.Presence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT provider_id, online, lat, lng, updated_at
		FROM provider_presence WHERE provider_id = ?1`, providerID)
	p, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Presence{}, ErrNotFound
	}
	if err != nil {
		return models.Presence{}, s.classify("get presence", err)
	}
	return p, nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error) {
	return s.hub.Subscribe(ctx)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
