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

	logx "schedulify/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the conditional writes below rely on it too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
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

// ---- posts ----

func (s *sqliteStore) SelectOverdue(ctx context.Context, asOf time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM posts
		 WHERE scheduled_at > 0 AND scheduled_at <= ? AND status = ?
		 ORDER BY scheduled_at, id
		 LIMIT ?`,
		asOf.UnixMilli(), string(StatusFuture), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) CountWhere(ctx context.Context, f Filter) (int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "scheduled_at > 0 AND scheduled_at <= ?")
		args = append(args, f.DueBefore.UnixMilli())
	}
	q := "SELECT COUNT(*) FROM posts"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) Publish(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, published_at = ? WHERE id = ? AND status = ?`,
		string(StatusPublish), s.now().UnixMilli(), id, string(StatusFuture),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return false, err
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, permalink, status, scheduled_at, published_at FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *sqliteStore) ListScheduled(ctx context.Context, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, permalink, status, scheduled_at, published_at FROM posts
		 WHERE status = ? ORDER BY scheduled_at, id LIMIT ?`,
		string(StatusFuture), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Insert(ctx context.Context, p Post) (int64, error) {
	if p.Status == "" {
		p.Status = StatusFuture
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(title, permalink, status, scheduled_at, published_at) VALUES(?,?,?,?,?)`,
		p.Title, p.Permalink, string(p.Status), unixMilli(p.ScheduledAt), unixMilli(p.PublishedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (Post, error) {
	var (
		p         Post
		status    string
		scheduled int64
		published int64
	)
	if err := r.Scan(&p.ID, &p.Title, &p.Permalink, &status, &scheduled, &published); err != nil {
		return Post{}, err
	}
	p.Status = Status(status)
	p.ScheduledAt = fromMilli(scheduled)
	p.PublishedAt = fromMilli(published)
	return p, nil
}

// ---- options ----

func (s *sqliteStore) GetOption(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM options WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetOption(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO options(name, value) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value,
	)
	return err
}

func (s *sqliteStore) DeleteOption(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM options WHERE name = ?`, name)
	return err
}

// ---- transients ----

func (s *sqliteStore) GetTransient(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	var v, exp int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM transients WHERE name = ?`, key).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if exp <= now.UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(v), true, nil
}

func (s *sqliteStore) SetTransient(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	ms := at.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transients(name, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, ms, ms+ttl.Milliseconds(),
	)
	return err
}

func (s *sqliteStore) TestAndSet(ctx context.Context, key string, now time.Time, interval time.Duration) (bool, error) {
	ms := now.UnixMilli()
	iv := interval.Milliseconds()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transients(name, value, expires_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE transients.expires_at <= ? OR transients.value <= ? OR transients.value > ?`,
		key, ms, ms+iv,
		ms, ms-iv, ms+iv,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
