// Package store provides SQLite persistence for alert submissions.
//
// The submissions table is the local idempotency ledger: a submission ID
// is inserted once, after the sink accepted it, and later submissions of
// the same ID are answered from here. The dead_letters table holds records
// that could not be delivered until a redrive resolves them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"entropyguard/internal/alert"
)

// Store represents the SQLite alert store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	// The store may hold paths of user files.
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Lookup returns the receipt stored for id.
func (s *Store) Lookup(ctx context.Context, id string) (alert.Receipt, bool, error) {
	var r alert.Receipt
	var reference sql.NullString
	var submittedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT submission_id, sink, reference, submitted_at_ns
		FROM submissions WHERE submission_id = ?`, id,
	).Scan(&r.SubmissionID, &r.Sink, &reference, &submittedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return alert.Receipt{}, false, nil
		}
		return alert.Receipt{}, false, fmt.Errorf("lookup submission: %w", err)
	}

	r.Reference = reference.String
	r.SubmittedAt = time.Unix(0, submittedAt).UTC()
	return r, true, nil
}

// Record stores a delivered submission. A second insert of the same ID is
// ignored.
func (s *Store) Record(ctx context.Context, rec alert.Record, receipt alert.Receipt) (bool, error) {
	partial := 0
	if rec.Partial {
		partial = 1
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO submissions
			(submission_id, device_id, path, score, threshold, decided_at_ns, bucket, sample_size, partial, sink, reference, submitted_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SubmissionID, rec.DeviceID, rec.Path, rec.Score, rec.Threshold, rec.DecidedAt.UnixNano(),
		rec.Bucket, rec.SampleSize, partial, receipt.Sink, receipt.Reference, receipt.SubmittedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Submission is a row of the submissions table.
type Submission struct {
	Record  alert.Record
	Receipt alert.Receipt
}

// ListSubmissions returns the most recent submissions, newest first.
func (s *Store) ListSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, device_id, path, score, threshold, decided_at_ns, bucket, sample_size, partial, sink, reference, submitted_at_ns
		FROM submissions
		ORDER BY submitted_at_ns DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var sub Submission
		var decidedAt, submittedAt int64
		var partial int
		var reference sql.NullString
		if err := rows.Scan(&sub.Record.SubmissionID, &sub.Record.DeviceID, &sub.Record.Path,
			&sub.Record.Score, &sub.Record.Threshold, &decidedAt, &sub.Record.Bucket,
			&sub.Record.SampleSize, &partial, &sub.Receipt.Sink, &reference, &submittedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.Record.DecidedAt = time.Unix(0, decidedAt).UTC()
		sub.Record.Partial = partial != 0
		sub.Receipt.SubmissionID = sub.Record.SubmissionID
		sub.Receipt.Reference = reference.String
		sub.Receipt.SubmittedAt = time.Unix(0, submittedAt).UTC()
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

// PutDeadLetter inserts dl or replaces the entry with the same submission
// ID, keeping its original creation time and clearing any resolution.
func (s *Store) PutDeadLetter(ctx context.Context, dl alert.DeadLetter) error {
	record, err := json.Marshal(dl.Record)
	if err != nil {
		return fmt.Errorf("encode dead letter record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(submission_id, record, kind, attempts, last_error, created_at_ns, updated_at_ns, resolved_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(submission_id) DO UPDATE SET
			record = excluded.record,
			kind = excluded.kind,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at_ns = excluded.updated_at_ns,
			resolved_at_ns = NULL`,
		dl.Record.SubmissionID, string(record), dl.Kind.String(), dl.Attempts, dl.LastError,
		dl.CreatedAt.UnixNano(), dl.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters matching f, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, f alert.DeadLetterFilter) ([]alert.DeadLetter, error) {
	query := `
		SELECT record, kind, attempts, last_error, created_at_ns, updated_at_ns, resolved_at_ns
		FROM dead_letters WHERE 1 = 1`
	var args []any
	if !f.IncludeResolved {
		query += " AND resolved_at_ns IS NULL"
	}
	if f.Kind != 0 {
		query += " AND kind = ?"
		args = append(args, f.Kind.String())
	}
	query += " ORDER BY created_at_ns ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []alert.DeadLetter
	for rows.Next() {
		var dl alert.DeadLetter
		var record, kind string
		var createdAt, updatedAt int64
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&record, &kind, &dl.Attempts, &dl.LastError, &createdAt, &updatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(record), &dl.Record); err != nil {
			return nil, fmt.Errorf("decode dead letter record: %w", err)
		}
		if dl.Kind, err = alert.ParseErrorKind(kind); err != nil {
			return nil, fmt.Errorf("dead letter %s: %w", dl.Record.SubmissionID, err)
		}
		dl.CreatedAt = time.Unix(0, createdAt).UTC()
		dl.UpdatedAt = time.Unix(0, updatedAt).UTC()
		if resolvedAt.Valid {
			t := time.Unix(0, resolvedAt.Int64).UTC()
			dl.ResolvedAt = &t
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// ResolveDeadLetter marks the unresolved dead letter id as delivered.
func (s *Store) ResolveDeadLetter(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET resolved_at_ns = ?, updated_at_ns = ?
		WHERE submission_id = ? AND resolved_at_ns IS NULL`,
		at.UnixNano(), at.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return alert.ErrDeadLetterNotFound
	}
	return nil
}

// Stats summarises the store contents.
type Stats struct {
	Submissions         int64
	PendingDeadLetters  int64
	ResolvedDeadLetters int64
}

// GetStats returns row counts.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM submissions),
			(SELECT COUNT(*) FROM dead_letters WHERE resolved_at_ns IS NULL),
			(SELECT COUNT(*) FROM dead_letters WHERE resolved_at_ns IS NOT NULL)`,
	).Scan(&st.Submissions, &st.PendingDeadLetters, &st.ResolvedDeadLetters)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return &st, nil
}
