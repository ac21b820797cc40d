package history

import (
	"context"
	"database/sql"
	"time"

	"autocheckin/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  task_name TEXT NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('success','rejected','transient_failure','config_error')),
  message TEXT NOT NULL DEFAULT '',
  lat TEXT NOT NULL DEFAULT '',
  lng TEXT NOT NULL DEFAULT '',
  at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_attempts_at ON attempts(at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id, at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the execution-attempt log consumed by the daily report and
// the history API.
type Repository interface {
	Record(ctx context.Context, a domain.Attempt) error
	ListRecent(ctx context.Context, limit int) ([]domain.Attempt, error)
	Summary(ctx context.Context, since time.Time) (map[domain.Outcome]int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Record(ctx context.Context, a domain.Attempt) error {
	// Timestamps are stored in UTC so the text comparison in Summary stays
	// a correct ordering regardless of the producer's offset or DST shifts.
	at := time.Now().UTC()
	if a.At != "" {
		parsed, err := time.Parse(time.RFC3339, a.At)
		if err != nil {
			return err
		}
		at = parsed.UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO attempts (task_id,task_name,outcome,message,lat,lng,at)
VALUES (?,?,?,?,?,?,?)
`, a.TaskID, a.TaskName, string(a.Outcome), a.Message, a.Lat, a.Lng, at.Format(time.RFC3339))
	return err
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,task_name,outcome,message,lat,lng,at
FROM attempts ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var outcome string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.TaskName, &outcome, &a.Message, &a.Lat, &a.Lng, &a.At); err != nil {
			return nil, err
		}
		a.Outcome = domain.Outcome(outcome)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *sqliteRepo) Summary(ctx context.Context, since time.Time) (map[domain.Outcome]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT outcome, COUNT(*) FROM attempts WHERE at >= ? GROUP BY outcome`,
		since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[domain.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}
