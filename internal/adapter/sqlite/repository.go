package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/tubequeue/internal/domain"
)

// InterruptedReason is recorded for jobs that were still active when a previous run stopped.
const InterruptedReason = "Interrupted"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    session        TEXT NOT NULL,
    id             INTEGER NOT NULL,
    url            TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    folder         TEXT NOT NULL DEFAULT '',
    audio_only     INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL,
    progress       TEXT NOT NULL DEFAULT '',
    failure_reason TEXT,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL,
    removed_at     DATETIME,
    PRIMARY KEY (session, id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);
`

// Entry is one journaled job.
type Entry struct {
	Session       string           `json:"session"`
	ID            int64            `json:"id"`
	URL           string           `json:"url"`
	Title         string           `json:"title"`
	FolderName    string           `json:"folder_name"`
	AudioOnly     bool             `json:"audio_only"`
	Status        domain.JobStatus `json:"status"`
	Progress      string           `json:"progress"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	RemovedAt     *time.Time       `json:"removed_at,omitempty"`
}

// Journal records job state changes in SQLite. Job ids restart with every
// process, so rows are keyed by a per-run session id.
type Journal struct {
	db      *sql.DB
	session string
	logger  *log.Logger
}

// New opens the journal, initializing the schema if needed.
func New(dbPath string, logger *log.Logger) (*Journal, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	if logger == nil {
		logger = log.New(io.Discard)
	}
	session := uuid.NewString()
	return &Journal{
		db:      db,
		session: session,
		logger:  logger.With("component", "journal", "session", session),
	}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Session returns the id of the current run.
func (j *Journal) Session() string {
	return j.session
}

// Record inserts or updates the row of a job in the current session.
func (j *Journal) Record(ctx context.Context, job domain.Job) error {
	var reason sql.NullString
	if job.FailureReason != "" {
		reason = sql.NullString{String: job.FailureReason, Valid: true}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO jobs (session, id, url, title, folder, audio_only, status, progress, failure_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session, id) DO UPDATE SET
		     title = excluded.title,
		     status = excluded.status,
		     progress = excluded.progress,
		     failure_reason = excluded.failure_reason,
		     updated_at = excluded.updated_at`,
		j.session, job.ID, job.URL, job.Title, job.FolderName, job.AudioOnly,
		string(job.Status), job.Progress, reason, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return err
}

// MarkRemoved stamps the removal time on a job of the current session.
func (j *Journal) MarkRemoved(ctx context.Context, id int64, at time.Time) error {
	result, err := j.db.ExecContext(ctx,
		`UPDATE jobs SET removed_at = ? WHERE session = ? AND id = ?`,
		at.UTC(), j.session, id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Apply journals one notification. Toasts are ignored.
func (j *Journal) Apply(ctx context.Context, ev domain.Event) error {
	switch ev.Name {
	case domain.EventJobUpdated:
		if ev.Job == nil {
			return nil
		}
		return j.Record(ctx, *ev.Job)
	case domain.EventJobsUpdated:
		for _, job := range ev.Jobs {
			if err := j.Record(ctx, job); err != nil {
				return err
			}
		}
		return nil
	case domain.EventJobRemoved:
		return j.MarkRemoved(ctx, ev.JobID, ev.At)
	}
	return nil
}

// Consume applies events until ctx is done or events is closed.
func (j *Journal) Consume(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := j.Apply(ctx, ev); err != nil {
				j.logger.Error("failed to journal event", "event", ev.Name, "err", err)
			}
		}
	}
}

// History returns up to limit journaled jobs, most recently updated first.
func (j *Journal) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT session, id, url, title, folder, audio_only, status, progress,
		        COALESCE(failure_reason, ''), created_at, updated_at, removed_at
		 FROM jobs ORDER BY updated_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Get returns a job of the current session.
func (j *Journal) Get(ctx context.Context, id int64) (*Entry, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT session, id, url, title, folder, audio_only, status, progress,
		        COALESCE(failure_reason, ''), created_at, updated_at, removed_at
		 FROM jobs WHERE session = ? AND id = ?`, j.session, id,
	)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	return entry, err
}

// RecoverStale marks jobs that earlier runs left active as failed. Removed jobs
// are left alone. It returns the number of rows changed.
func (j *Journal) RecoverStale(ctx context.Context) (int64, error) {
	result, err := j.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = ?, failure_reason = ?, updated_at = ?
		 WHERE session != ? AND removed_at IS NULL AND status NOT IN (?, ?, ?)`,
		string(domain.StatusFailed), domain.ProgressError, InterruptedReason, time.Now().UTC(),
		j.session, string(domain.StatusComplete), string(domain.StatusCancelled), string(domain.StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var entry Entry
	var status string
	var removed sql.NullTime
	err := row.Scan(&entry.Session, &entry.ID, &entry.URL, &entry.Title, &entry.FolderName, &entry.AudioOnly,
		&status, &entry.Progress, &entry.FailureReason, &entry.CreatedAt, &entry.UpdatedAt, &removed)
	if err != nil {
		return nil, err
	}
	entry.Status = domain.JobStatus(status)
	if removed.Valid {
		entry.RemovedAt = &removed.Time
	}
	return &entry, nil
}
