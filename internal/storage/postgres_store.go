package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/shopper-dispatch/internal/models"
)

//go:embed migrations/postgres.sql
var postgresSchema string

const notifyChannel = "request_changes"

// PostgresStore is the shared durable backend. Conditional writes are single
// UPDATE statements and the change feed comes from a LISTEN/NOTIFY trigger,
// so every process sees every committed write.
type PostgresStore struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classifyPostgres("ping", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, dsn: dsn, logger: logger}, nil
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func postgresTime(t time.Time) any { return t.UTC() }

func (p *PostgresStore) CreateRequest(ctx context.Context, r models.Request) (models.Request, error) {
	prepareNew(&r)
	args, err := requestArgs(r, postgresTime)
	if err != nil {
		return models.Request{}, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`, args...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			cur, getErr := p.GetRequest(ctx, r.ID)
			if getErr != nil {
				return models.Request{}, getErr
			}
			return models.Request{}, &ConditionError{Current: cur}
		}
		return models.Request{}, classifyPostgres("insert request", err)
	}
	return r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, ErrNotFound
	}
	if err != nil {
		return models.Request{}, classifyPostgres("get request", err)
	}
	return r, nil
}

const postgresUpdateIf = `UPDATE requests SET
	status = $3,
	assigned_provider_id = CASE WHEN $4::boolean THEN NULL WHEN $5::text <> '' THEN $5::text ELSE assigned_provider_id END,
	proposed_price = COALESCE($6::bigint, proposed_price),
	final_price = COALESCE($7::bigint, final_price),
	cancel_reason = CASE WHEN $8::text <> '' THEN $8::text ELSE cancel_reason END,
	version = version + 1,
	updated_at = $9
WHERE id = $1 AND status = $2 AND ($10::bigint = 0 OR version = $10::bigint)
RETURNING ` + requestColumns

func (p *PostgresStore) UpdateIf(ctx context.Context, id string, from models.Status, u Update) (models.Request, error) {
	row := p.db.QueryRowContext(ctx, postgresUpdateIf, updateArgs(id, from, u, postgresTime)...)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := p.GetRequest(ctx, id)
		if getErr != nil {
			return models.Request{}, getErr
		}
		return models.Request{}, &ConditionError{Current: cur}
	}
	if err != nil {
		return models.Request{}, classifyPostgres("update request", err)
	}
	return r, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.Status, updatedBefore time.Time, limit int) ([]models.Request, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		string(status), updatedBefore.UTC(), lim)
	if err != nil {
		return nil, classifyPostgres("list requests", err)
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

func (p *PostgresStore) UpsertPresence(ctx context.Context, pr models.Presence) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO provider_presence (provider_id, online, lat, lng, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id) DO UPDATE SET
			online = excluded.online, lat = excluded.lat, lng = excluded.lng, updated_at = excluded.updated_at
		WHERE provider_presence.updated_at <= excluded.updated_at`, presenceArgs(pr, postgresTime)...)
	if err != nil {
		return classifyPostgres("upsert presence", err)
	}
	return nil
}

func (p *PostgresStore) GetPresence(ctx context.Context, providerID string) (models.Presence, error) {
	row := p.db.QueryRowContext(ctx, `SELECT provider_id, online, lat, lng, updated_at
		FROM provider_presence WHERE provider_id = $1`, providerID)
	pr, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Presence{}, ErrNotFound
	}
	if err != nil {
		return models.Presence{}, classifyPostgres("get presence", err)
	}
	return pr, nil
}

type notifyPayload struct {
	ID      string `json:"id"`
	Op      string `json:"op"`
	Version int64  `json:"version"`
}

// Subscribe opens a dedicated LISTEN connection. Each notification carries
// only the row id, so the row is read back before it is delivered; the
// delivered row may therefore be newer than the write that triggered it.
func (p *PostgresStore) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, error) {
	listener := pq.NewListener(p.dsn, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("change feed listener event", slog.Int("event", int(ev)), slog.Any("err", err))
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		_ = listener.Close()
		return nil, classifyPostgres("listen", err)
	}

	out := make(chan models.ChangeEvent, 64)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// reconnected; notifications sent while disconnected are lost
					p.logger.Warn("change feed reconnected, events may have been missed")
					continue
				}
				ev, err := p.resolve(ctx, n.Extra)
				if err != nil {
					p.logger.Warn("change feed resolve failed", slog.String("payload", n.Extra), slog.Any("err", err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go func() { _ = listener.Ping() }()
			}
		}
	}()
	return out, nil
}

func (p *PostgresStore) resolve(ctx context.Context, payload string) (models.ChangeEvent, error) {
	var np notifyPayload
	if err := json.Unmarshal([]byte(payload), &np); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("decode notify payload: %w", err)
	}
	r, err := p.GetRequest(ctx, np.ID)
	if err != nil {
		return models.ChangeEvent{}, err
	}
	op := models.OpUpdate
	if np.Op == string(models.OpInsert) {
		op = models.OpInsert
	}
	return models.ChangeEvent{Op: op, Request: r}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func classifyPostgres(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P") || code == "40001" {
			return transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
