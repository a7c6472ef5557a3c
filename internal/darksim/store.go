package darksim

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Job statuses as reported to the broker.
const (
	StatusAccepted = "accepted"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

// Job is one ephemeral crawl job.
type Job struct {
	ID        string
	Status    string
	Progress  float64
	URLs      []string
	Depth     int
	Results   json.RawMessage
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists jobs in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens and initializes the job database. Use ":memory:" for an
// ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	// A single connection keeps :memory: stores coherent and serializes
	// the handler and worker writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init job schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		urls TEXT NOT NULL,
		depth INTEGER NOT NULL,
		results TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertJob stores a freshly accepted job.
func (s *Store) InsertJob(job *Job) error {
	urls, err := json.Marshal(job.URLs)
	if err != nil {
		return fmt.Errorf("encode urls: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (id, status, progress, urls, depth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Status, job.Progress, string(urls), job.Depth, job.CreatedAt, job.UpdatedAt)
	return err
}

// GetJob retrieves a job by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, status, progress, urls, depth, results, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

// NextAccepted atomically promotes the oldest accepted job to running and
// returns it. Returns sql.ErrNoRows when nothing is waiting.
func (s *Store) NextAccepted() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, status, progress, urls, depth, results, error, created_at, updated_at
		FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1
	`, StatusAccepted)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?
	`, StatusRunning, now, job.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = StatusRunning
	job.UpdatedAt = now
	return job, nil
}

// ListRunning returns all running jobs, oldest first.
func (s *Store) ListRunning() ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT id, status, progress, urls, depth, results, error, created_at, updated_at
		FROM jobs WHERE status = ? ORDER BY created_at ASC
	`, StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateProgress records crawl progress on a running job.
func (s *Store) UpdateProgress(id string, progress float64) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, time.Now().UTC(), id)
	return err
}

// CompleteJob marks a job done with its crawl results.
func (s *Store) CompleteJob(id string, results json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, progress = 1.0, results = ?, updated_at = ? WHERE id = ?
	`, StatusDone, string(results), time.Now().UTC(), id)
	return err
}

// FailJob marks a job failed with an operator-readable reason.
func (s *Store) FailJob(id string, reason string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, StatusFailed, reason, time.Now().UTC(), id)
	return err
}

// CountByStatus reports how many jobs sit in the given status.
func (s *Store) CountByStatus(status string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE status = ?", status).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var urls string
	var results sql.NullString
	var errMsg sql.NullString

	err := row.Scan(&job.ID, &job.Status, &job.Progress, &urls, &job.Depth,
		&results, &errMsg, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(urls), &job.URLs); err != nil {
		return nil, fmt.Errorf("decode urls for job %s: %w", job.ID, err)
	}
	if results.Valid {
		job.Results = json.RawMessage(results.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	return &job, nil
}
