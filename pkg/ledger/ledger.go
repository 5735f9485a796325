// Package ledger persists submission handles in sqlite so a timed-out mint
// can be re-checked after a restart. Signed requests are never stored.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	metatx "github.com/mintrelay/metatx"
)

// ErrNotFound is returned by Get for an unknown handle
var ErrNotFound = errors.New("submission not found")

// SQLiteLedger implements metatx.SubmissionLedger
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the ledger database at path. Use ":memory:" for a
// throwaway ledger.
func Open(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	// sqlite serializes writers anyway; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	l, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an existing database handle and creates the schema if needed
func New(db *sql.DB) (*SQLiteLedger, error) {
	if err := InitDB(db); err != nil {
		return nil, err
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

// InitDB creates the submissions table
func InitDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS submissions (
			handle TEXT PRIMARY KEY,
			from_addr TEXT NOT NULL,
			nonce TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			outcome_id TEXT NOT NULL DEFAULT '',
			submitted_at INTEGER NOT NULL,
			resolved_at INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("creating submissions table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS submissions_status ON submissions (status)`)
	if err != nil {
		return fmt.Errorf("creating status index: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// RecordSubmission inserts a pending record. Recording the same handle twice
// keeps the first record.
func (l *SQLiteLedger) RecordSubmission(ctx context.Context, rec metatx.SubmissionRecord) error {
	if rec.Handle == "" {
		return fmt.Errorf("submission handle is required")
	}
	status := rec.Status
	if status == "" {
		status = metatx.SubmissionPending
	}
	submittedAt := rec.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = l.now()
	}
	nonce := "0"
	if rec.Nonce != nil {
		nonce = rec.Nonce.String()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO submissions (handle, from_addr, nonce, target, status, outcome_id, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Handle.String(), rec.From.Hex(), nonce, rec.Target.Hex(), string(status), rec.OutcomeID, submittedAt.Unix())
	if err != nil {
		return fmt.Errorf("recording submission %s: %w", rec.Handle, err)
	}
	return nil
}

// RecordResolution moves a handle to its final status
func (l *SQLiteLedger) RecordResolution(ctx context.Context, handle metatx.SubmissionHandle, status metatx.SubmissionStatus, outcomeID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE submissions SET status = ?, outcome_id = ?, resolved_at = ?
		WHERE handle = ?
	`, string(status), outcomeID, l.now().Unix(), handle.String())
	if err != nil {
		return fmt.Errorf("recording resolution of %s: %w", handle, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording resolution of %s: %w", handle, err)
	}
	if n == 0 {
		return fmt.Errorf("recording resolution of %s: %w", handle, ErrNotFound)
	}
	return nil
}

// Get returns the record for handle
func (l *SQLiteLedger) Get(ctx context.Context, handle metatx.SubmissionHandle) (*metatx.SubmissionRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT handle, from_addr, nonce, target, status, outcome_id, submitted_at, resolved_at
		FROM submissions
		WHERE handle = ?
	`, handle.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListPending returns unresolved submissions, oldest first
func (l *SQLiteLedger) ListPending(ctx context.Context) ([]metatx.SubmissionRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT handle, from_addr, nonce, target, status, outcome_id, submitted_at, resolved_at
		FROM submissions
		WHERE status = ?
		ORDER BY submitted_at, handle
	`, string(metatx.SubmissionPending))
	if err != nil {
		return nil, fmt.Errorf("listing pending submissions: %w", err)
	}
	defer rows.Close()

	var records []metatx.SubmissionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*metatx.SubmissionRecord, error) {
	var (
		handle, from, nonce, target, status, outcomeID string
		submittedAt                                    int64
		resolvedAt                                     sql.NullInt64
	)
	if err := s.Scan(&handle, &from, &nonce, &target, &status, &outcomeID, &submittedAt, &resolvedAt); err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(nonce, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt nonce %q for %s", nonce, handle)
	}

	rec := &metatx.SubmissionRecord{
		Handle:      metatx.SubmissionHandle(handle),
		From:        common.HexToAddress(from),
		Nonce:       n,
		Target:      common.HexToAddress(target),
		Status:      metatx.SubmissionStatus(status),
		OutcomeID:   outcomeID,
		SubmittedAt: time.Unix(submittedAt, 0),
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = time.Unix(resolvedAt.Int64, 0)
	}
	return rec, nil
}
