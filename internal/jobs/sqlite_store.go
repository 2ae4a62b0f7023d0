package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store implementation. With it, resuming
// in-progress jobs after a process restart is meaningful.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and migrates) the job database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		task TEXT NOT NULL,
		ratio TEXT,
		duration INTEGER,
		output_json TEXT,
		failure TEXT,
		failure_code TEXT,
		eta_ms INTEGER,
		req_json TEXT NOT NULL,
		last_polled_at TEXT,
		next_poll_at TEXT,
		backoff_attempts INTEGER,
		backoff_delay_ms INTEGER,
		done INTEGER NOT NULL DEFAULT 0,
		timeout_at TEXT,
		started_at TEXT,
		completed_at TEXT,
		retries INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(rec *Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if rec.Job.ID == "" {
		return errors.New("job id is required")
	}
	outputJSON := ""
	if rec.Job.Output != nil {
		b, err := json.Marshal(rec.Job.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		outputJSON = string(b)
	}
	reqJSON, err := json.Marshal(rec.Req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var attempts, delayMS *int64
	if rec.Backoff != nil {
		a := int64(rec.Backoff.Attempts)
		d := rec.Backoff.NextDelay.Milliseconds()
		attempts, delayMS = &a, &d
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (id, owner_id, status, progress, created_at, task, ratio, duration,
			output_json, failure, failure_code, eta_ms, req_json, last_polled_at, next_poll_at,
			backoff_attempts, backoff_delay_ms, done, timeout_at, started_at, completed_at, retries)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			status = excluded.status,
			progress = excluded.progress,
			created_at = excluded.created_at,
			task = excluded.task,
			ratio = excluded.ratio,
			duration = excluded.duration,
			output_json = excluded.output_json,
			failure = excluded.failure,
			failure_code = excluded.failure_code,
			eta_ms = excluded.eta_ms,
			req_json = excluded.req_json,
			last_polled_at = excluded.last_polled_at,
			next_poll_at = excluded.next_poll_at,
			backoff_attempts = excluded.backoff_attempts,
			backoff_delay_ms = excluded.backoff_delay_ms,
			done = excluded.done,
			timeout_at = excluded.timeout_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			retries = excluded.retries`,
		rec.Job.ID, rec.OwnerID, string(rec.Job.Status), rec.Job.Progress,
		fmtTime(rec.Job.CreatedAt), rec.Job.Task, rec.Job.Ratio, rec.Job.Duration,
		outputJSON, rec.Job.Failure, rec.Job.FailureCode, rec.Job.ETA.Milliseconds(),
		string(reqJSON), fmtTimePtr(rec.LastPolledAt), fmtTimePtr(rec.NextPollAt),
		attempts, delayMS, boolInt(rec.Done), fmtTimePtr(rec.TimeoutAt),
		fmtTimePtr(rec.StartedAt), fmtTimePtr(rec.CompletedAt), rec.Retries,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

const selectColumns = `id, owner_id, status, progress, created_at, task, ratio, duration,
	output_json, failure, failure_code, eta_ms, req_json, last_polled_at, next_poll_at,
	backoff_attempts, backoff_delay_ms, done, timeout_at, started_at, completed_at, retries`

func (s *SQLiteStore) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) List() ([]*Record, error) {
	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows)
}

func (s *SQLiteStore) ListByOwner(ownerID string) ([]*Record, error) {
	rows, err := s.db.Query(`SELECT `+selectColumns+` FROM jobs WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by owner: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows)
}

func (s *SQLiteStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	var status, createdAt string
	var ratio, outputJSON, failure, failureCode, reqJSON sql.NullString
	var lastPolled, nextPoll, timeoutAt, startedAt, completedAt sql.NullString
	var duration, etaMS, attempts, delayMS sql.NullInt64
	var done int

	err := row.Scan(
		&rec.Job.ID, &rec.OwnerID, &status, &rec.Job.Progress, &createdAt,
		&rec.Job.Task, &ratio, &duration, &outputJSON, &failure, &failureCode,
		&etaMS, &reqJSON, &lastPolled, &nextPoll, &attempts, &delayMS,
		&done, &timeoutAt, &startedAt, &completedAt, &rec.Retries,
	)
	if err != nil {
		return nil, err
	}
	rec.Job.Status = Status(status)
	rec.Job.CreatedAt = parseTime(createdAt)
	rec.Job.Ratio = ratio.String
	rec.Job.Duration = int(duration.Int64)
	rec.Job.Failure = failure.String
	rec.Job.FailureCode = failureCode.String
	rec.Job.ETA = time.Duration(etaMS.Int64) * time.Millisecond
	if outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &rec.Job.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if reqJSON.String != "" {
		if err := json.Unmarshal([]byte(reqJSON.String), &rec.Req); err != nil {
			return nil, fmt.Errorf("unmarshal request: %w", err)
		}
	}
	rec.LastPolledAt = parseNullTime(lastPolled)
	rec.NextPollAt = parseNullTime(nextPoll)
	if attempts.Valid {
		rec.Backoff = &Backoff{
			Attempts:  int(attempts.Int64),
			NextDelay: time.Duration(delayMS.Int64) * time.Millisecond,
		}
	}
	rec.Done = done != 0
	rec.TimeoutAt = parseNullTime(timeoutAt)
	rec.StartedAt = parseNullTime(startedAt)
	rec.CompletedAt = parseNullTime(completedAt)
	return &rec, nil
}

func collect(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := fmtTime(t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	return parseTime(s.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
