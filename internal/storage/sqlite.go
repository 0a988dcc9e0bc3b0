package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"callbot/internal/localtime"
	"callbot/internal/recurrence"
	"callbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const callColumns = `id, owner_id, message, wall, timezone, rule, next_fire_at, status, last_fired_at, fire_count, created_at, updated_at`

func (s *sqliteStore) CreateCall(ctx context.Context, c *Call) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls(`+callColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.Message, c.Wall.String(), c.Timezone, c.Rule.String(),
		nullMilli(c.NextFireAt), string(c.Status), nullMilli(c.LastFiredAt),
		c.FireCount, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *sqliteStore) GetCall(ctx context.Context, id string) (*Call, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return c, nil
}

func (s *sqliteStore) ListByOwner(ctx context.Context, ownerID int64) ([]*Call, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	return collectCalls(rows)
}

func (s *sqliteStore) CountActiveByOwner(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE owner_id = ? AND status IN (?, ?)`,
		ownerID, string(StatusPending), string(StatusFiring)).Scan(&n)
	if err != nil {
		return 0, storeErr(err)
	}
	return n, nil
}

func (s *sqliteStore) CancelCall(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, next_fire_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusCancelled), time.Now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.explainMiss(ctx, id)
}

func (s *sqliteStore) RescheduleCall(ctx context.Context, id string, wall localtime.WallClock, tzID string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET wall = ?, timezone = ?, next_fire_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		wall.String(), tzID, next.UnixMilli(), time.Now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.explainMiss(ctx, id)
}

// explainMiss decides why a conditional pending-only update matched no row.
func (s *sqliteStore) explainMiss(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM calls WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr(err)
	}
	switch Status(status) {
	case StatusFiring, StatusFired:
		return ErrAlreadyFired
	default:
		return ErrNotFound
	}
}

func (s *sqliteStore) DueBefore(ctx context.Context, t time.Time, limit int) ([]*Call, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE status = ? AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		 ORDER BY next_fire_at, id LIMIT ?`,
		string(StatusPending), t.UnixMilli(), limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	return collectCalls(rows)
}

func (s *sqliteStore) BeginFire(ctx context.Context, id string, expectedNext time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND next_fire_at = ?`,
		string(StatusFiring), time.Now().UnixMilli(), id, string(StatusPending), expectedNext.UnixMilli())
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.explainMiss(ctx, id)
}

func (s *sqliteStore) CompleteFire(ctx context.Context, id string, status Status, next *time.Time, firedAt time.Time, delivered bool) error {
	q := `UPDATE calls SET status = ?, next_fire_at = ?, updated_at = ?`
	args := []any{string(status), nullMilli(next), time.Now().UnixMilli()}
	if delivered {
		q += `, last_fired_at = ?, fire_count = fire_count + 1`
		args = append(args, firedAt.UnixMilli())
	}
	q += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(StatusFiring))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusPending), time.Now().UnixMilli(), string(StatusFiring))
	if err != nil {
		return 0, storeErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) NextWake(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_fire_at) FROM calls WHERE status = ? AND next_fire_at IS NOT NULL`,
		string(StatusPending)).Scan(&ms)
	if err != nil {
		return time.Time{}, false, storeErr(err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE status IN (?,?,?) AND updated_at < ?`,
		string(StatusFired), string(StatusCancelled), string(StatusFailed), cutoff.UnixMilli())
	if err != nil {
		return 0, storeErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PutOwner(ctx context.Context, o OwnerSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners(owner_id, target, language, repeat, call_timeout, send_text_copy, timezone, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET
		   target=excluded.target, language=excluded.language, repeat=excluded.repeat,
		   call_timeout=excluded.call_timeout, send_text_copy=excluded.send_text_copy,
		   timezone=excluded.timezone, updated_at=excluded.updated_at`,
		o.OwnerID, o.Target, o.Language, o.Repeat, o.Timeout, boolInt(o.SendTextCopy),
		o.Timezone, time.Now().UnixMilli())
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *sqliteStore) GetOwner(ctx context.Context, ownerID int64) (OwnerSettings, bool, error) {
	var (
		o        OwnerSettings
		textCopy int
		ms       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, target, language, repeat, call_timeout, send_text_copy, timezone, updated_at
		 FROM owners WHERE owner_id = ?`, ownerID).
		Scan(&o.OwnerID, &o.Target, &o.Language, &o.Repeat, &o.Timeout, &textCopy, &o.Timezone, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return OwnerSettings{}, false, nil
	}
	if err != nil {
		return OwnerSettings{}, false, storeErr(err)
	}
	o.SendTextCopy = textCopy != 0
	o.UpdatedAt = time.UnixMilli(ms)
	return o, true, nil
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (*Call, error) {
	var (
		c            Call
		wall, rule   string
		status       string
		next, fired  sql.NullInt64
		created, upd int64
	)
	err := r.Scan(&c.ID, &c.OwnerID, &c.Message, &wall, &c.Timezone, &rule,
		&next, &status, &fired, &c.FireCount, &created, &upd)
	if err != nil {
		return nil, err
	}
	if c.Wall, err = localtime.ParseWall(wall); err != nil {
		return nil, fmt.Errorf("corrupt wall column for %s: %w", c.ID, err)
	}
	if c.Rule, err = recurrence.Parse(rule); err != nil {
		return nil, fmt.Errorf("corrupt rule column for %s: %w", c.ID, err)
	}
	c.Status = Status(status)
	if next.Valid {
		t := time.UnixMilli(next.Int64)
		c.NextFireAt = &t
	}
	if fired.Valid {
		t := time.UnixMilli(fired.Int64)
		c.LastFiredAt = &t
	}
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(upd)
	return &c, nil
}

func collectCalls(rows *sql.Rows) ([]*Call, error) {
	var out []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
