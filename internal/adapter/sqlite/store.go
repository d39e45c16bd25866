// Package sqlite persists machine instances and challenge machine configs.
// Lifecycle transitions run in immediate transactions so the duplicate-start
// count check and the per-instance stop/extend updates are serialized by the
// database, not by callers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ctfrange/internal/machine"

	_ "modernc.org/sqlite"
)

// Store implements machine.InstanceStore and machine.ChallengeDirectory on
// a single sqlite database.
type Store struct {
	db *sql.DB
}

var (
	_ machine.InstanceStore      = (*Store)(nil)
	_ machine.ChallengeDirectory = (*Store)(nil)
)

// Open creates or opens the database at path and ensures the schema.
// Transactions take the write lock up front (_txlock=immediate) so a
// read-check inside one cannot be invalidated by a concurrent writer.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open machine db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set machine db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set machine db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize machine schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS challenges (
	contest TEXT NOT NULL,
	slug TEXT NOT NULL,
	machines_enabled INTEGER NOT NULL DEFAULT 0,
	window_start TEXT NOT NULL DEFAULT '',
	window_end TEXT NOT NULL DEFAULT '',
	PRIMARY KEY(contest, slug)
);
CREATE TABLE IF NOT EXISTS machine_configs (
	contest TEXT NOT NULL,
	challenge TEXT NOT NULL,
	image TEXT NOT NULL,
	container_port INTEGER NOT NULL DEFAULT 80,
	max_instances INTEGER NOT NULL DEFAULT 1,
	max_runtime_minutes INTEGER NOT NULL DEFAULT 30,
	extend_minutes_default INTEGER NOT NULL DEFAULT 30,
	extend_max_times INTEGER NOT NULL DEFAULT -1,
	extend_threshold_minutes INTEGER NOT NULL DEFAULT 15,
	port_cache_ttl_seconds INTEGER NOT NULL DEFAULT 300,
	secret_prefix TEXT NOT NULL DEFAULT 'flag',
	secret_salt TEXT NOT NULL DEFAULT '',
	environment_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY(contest, challenge)
);
CREATE TABLE IF NOT EXISTS machine_instances (
	id TEXT PRIMARY KEY,
	contest TEXT NOT NULL,
	challenge TEXT NOT NULL,
	user_id TEXT NOT NULL,
	team_id TEXT NOT NULL DEFAULT '',
	owner_key TEXT NOT NULL,
	container_id TEXT NOT NULL DEFAULT '',
	host TEXT NOT NULL DEFAULT 'localhost',
	port INTEGER,
	dynamic_secret TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	extend_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	expires_at TEXT,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_owner ON machine_instances(contest, challenge, owner_key, status);
CREATE INDEX IF NOT EXISTS idx_instances_status ON machine_instances(status);
CREATE INDEX IF NOT EXISTS idx_instances_port ON machine_instances(port);`

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- machine.InstanceStore ---

func (s *Store) Get(ctx context.Context, id string) (machine.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM machine_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return machine.Instance{}, machine.ErrInstanceNotFound
	}
	if err != nil {
		return machine.Instance{}, fmt.Errorf("query machine instance %q: %w", id, err)
	}
	return inst, nil
}

func (s *Store) CountRunning(ctx context.Context, contest, challenge, ownerKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM machine_instances
		 WHERE contest = ? AND challenge = ? AND owner_key = ? AND status = ?`,
		contest, challenge, ownerKey, machine.StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running instances: %w", err)
	}
	return n, nil
}

func (s *Store) InsertRunning(ctx context.Context, inst machine.Instance, maxPerPrincipal int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ownerKey := inst.Owner().OwnerKey()
	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM machine_instances
		 WHERE contest = ? AND challenge = ? AND owner_key = ? AND status = ?`,
		inst.Contest, inst.Challenge, ownerKey, machine.StatusRunning).Scan(&n)
	if err != nil {
		return fmt.Errorf("recheck running instances: %w", err)
	}
	if maxPerPrincipal < 1 {
		maxPerPrincipal = 1
	}
	if n >= maxPerPrincipal {
		return machine.ErrAlreadyRunning
	}

	if err := insertInstance(ctx, tx, inst, machine.StatusRunning); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit machine instance %q: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) InsertError(ctx context.Context, inst machine.Instance) error {
	if err := insertInstance(ctx, s.db, inst, machine.StatusError); err != nil {
		return err
	}
	return nil
}

func (s *Store) MarkReclaimed(ctx context.Context, id string, status machine.Status) (machine.Instance, error) {
	if !status.Terminal() {
		return machine.Instance{}, fmt.Errorf("reclaim status must be terminal, got %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return machine.Instance{}, fmt.Errorf("begin reclaim transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM machine_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return machine.Instance{}, machine.ErrInstanceNotFound
	}
	if err != nil {
		return machine.Instance{}, fmt.Errorf("query machine instance %q: %w", id, err)
	}

	if inst.Status.Terminal() {
		return inst, nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE machine_instances
		 SET status = ?, port = NULL, container_id = '', updated_at = ?
		 WHERE id = ?`,
		status, formatTime(now), id)
	if err != nil {
		return machine.Instance{}, fmt.Errorf("reclaim machine instance %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return machine.Instance{}, fmt.Errorf("commit reclaim of %q: %w", id, err)
	}

	inst.Status = status
	inst.Port = 0
	inst.ContainerID = ""
	inst.UpdatedAt = now
	return inst, nil
}

func (s *Store) ExtendRunning(ctx context.Context, id string, fromCount int, expiresAt time.Time) (machine.Instance, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE machine_instances
		 SET expires_at = ?, extend_count = extend_count + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND extend_count = ?`,
		formatTime(expiresAt.UTC()), formatTime(now), id, machine.StatusRunning, fromCount)
	if err != nil {
		return machine.Instance{}, fmt.Errorf("extend machine instance %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return machine.Instance{}, fmt.Errorf("extend machine instance %q: %w", id, err)
	}
	if affected == 0 {
		// Either the record is gone, or a concurrent stop/extend got there
		// first.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return machine.Instance{}, getErr
		}
		return machine.Instance{}, machine.ErrConflict
	}
	return s.Get(ctx, id)
}

func (s *Store) RunningPorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT port FROM machine_instances WHERE status = ? AND port IS NOT NULL`,
		machine.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running ports: %w", err)
	}
	defer rows.Close()

	out := make([]int, 0)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan running port: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running ports: %w", err)
	}
	return out, nil
}

func (s *Store) ListRunning(ctx context.Context) ([]machine.Instance, error) {
	return s.list(ctx,
		`SELECT `+instanceColumns+` FROM machine_instances WHERE status = ? ORDER BY created_at`,
		machine.StatusRunning)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]machine.Instance, error) {
	// Timestamps are fixed-width UTC strings, so string comparison orders
	// correctly.
	return s.list(ctx,
		`SELECT `+instanceColumns+` FROM machine_instances
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at`,
		machine.StatusRunning, formatTime(now.UTC()))
}

// ListAll returns every instance record, newest first. Used by operator
// tooling.
func (s *Store) ListAll(ctx context.Context) ([]machine.Instance, error) {
	return s.list(ctx, `SELECT `+instanceColumns+` FROM machine_instances ORDER BY created_at DESC`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]machine.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query machine instances: %w", err)
	}
	defer rows.Close()

	out := make([]machine.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine instance row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machine instances: %w", err)
	}
	return out, nil
}

// --- shared row plumbing ---

const instanceColumns = `id, contest, challenge, user_id, team_id, container_id, host,
	port, dynamic_secret, status, extend_count, created_at, expires_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (machine.Instance, error) {
	var (
		inst      machine.Instance
		port      sql.NullInt64
		status    string
		createdAt string
		expiresAt sql.NullString
		updatedAt string
	)
	err := row.Scan(
		&inst.ID, &inst.Contest, &inst.Challenge, &inst.UserID, &inst.TeamID,
		&inst.ContainerID, &inst.Host, &port, &inst.DynamicSecret, &status,
		&inst.ExtendCount, &createdAt, &expiresAt, &updatedAt,
	)
	if err != nil {
		return machine.Instance{}, err
	}

	if port.Valid {
		inst.Port = int(port.Int64)
	}
	inst.Status = machine.Status(status)
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return machine.Instance{}, fmt.Errorf("decode created_at: %w", err)
	}
	if expiresAt.Valid && expiresAt.String != "" {
		if inst.ExpiresAt, err = parseTime(expiresAt.String); err != nil {
			return machine.Instance{}, fmt.Errorf("decode expires_at: %w", err)
		}
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return machine.Instance{}, fmt.Errorf("decode updated_at: %w", err)
	}
	return inst, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertInstance(ctx context.Context, db execer, inst machine.Instance, status machine.Status) error {
	var port any
	if inst.Port > 0 {
		port = inst.Port
	}
	var expires any
	if !inst.ExpiresAt.IsZero() {
		expires = formatTime(inst.ExpiresAt.UTC())
	}
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO machine_instances (
			id, contest, challenge, user_id, team_id, owner_key, container_id,
			host, port, dynamic_secret, status, extend_count, created_at,
			expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Contest, inst.Challenge, inst.UserID, inst.TeamID,
		inst.Owner().OwnerKey(), inst.ContainerID, inst.Host, port,
		inst.DynamicSecret, status, inst.ExtendCount,
		formatTime(createdAt.UTC()), expires, formatTime(createdAt.UTC()),
	)
	if err != nil {
		return fmt.Errorf("insert machine instance %q: %w", inst.ID, err)
	}
	return nil
}

// timeLayout is RFC3339 with a fixed-width fraction so stored timestamps
// order lexicographically (RFC3339Nano trims trailing zeros, which breaks
// string comparison in SQL).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}
