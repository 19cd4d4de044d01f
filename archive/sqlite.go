package archive

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite archive at the given path and
// initializes its schema.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		goal         TEXT NOT NULL,
		status       TEXT NOT NULL,
		result       TEXT NOT NULL DEFAULT '',
		fail_reason  TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS steps (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		thought     TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL DEFAULT '',
		observation TEXT NOT NULL DEFAULT '',
		at          DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveTask(ctx context.Context, rec TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (id, goal, status, result, fail_reason, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Goal, rec.Status, rec.Result, rec.FailReason, rec.CreatedAt, rec.CompletedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE task_id = ?`, rec.ID); err != nil {
		return err
	}
	for _, st := range rec.Steps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (task_id, seq, thought, action, observation, at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, st.Seq, st.Thought, st.Action, st.Observation, st.At); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Task(ctx context.Context, id string) (*TaskRecord, error) {
	var rec TaskRecord
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, goal, status, result, fail_reason, created_at, completed_at
		 FROM tasks WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Goal, &rec.Status, &rec.Result, &rec.FailReason, &rec.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not archived", id)
	}
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		rec.CompletedAt = completed.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, thought, action, observation, at
		 FROM steps WHERE task_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st StepRecord
		if err := rows.Scan(&st.Seq, &st.Thought, &st.Action, &st.Observation, &st.At); err != nil {
			return nil, err
		}
		rec.Steps = append(rec.Steps, st)
	}
	return &rec, rows.Err()
}

func (s *SQLiteStore) Tasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, goal, status, result, fail_reason, created_at, completed_at
		 FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Goal, &rec.Status, &rec.Result, &rec.FailReason, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			rec.CompletedAt = completed.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
