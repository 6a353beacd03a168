package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.ReceiptError{
	Code:    "UNIQUE_CONSTRAINT",
	Status:  409,
	Message: "unique constraint violation",
}

const sessionColumns = `
	id, owner, current_step, payer, archive_name, api_costs_total,
	current_extraction_index, files_processed, progress_percentage,
	current_sort_index, is_complete, created_at, updated_at`

// InsertSession stores a new session. A second incomplete session for the
// same owner violates the partial unique index and returns ErrUniqueConstraint.
func InsertSession(ctx context.Context, q Querier, s *receipt.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		s.ID, s.Owner, int(s.CurrentStep), string(s.Payer), s.ArchiveName, s.APICostsTotal.String(),
		s.CurrentExtractionIndex, s.FilesProcessed, s.ProgressPercentage,
		s.CurrentSortIndex, s.IsComplete, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetActiveSession returns the owner's incomplete session.
func GetActiveSession(ctx context.Context, q Querier, owner string) (*receipt.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE owner = ? AND is_complete = 0`

	s, err := scanSession(q.QueryRowContext(ctx, query, owner))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("active session", owner)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return s, nil
}

// GetSession retrieves a session by its ULID, scoped to owner.
func GetSession(ctx context.Context, q Querier, owner, id string) (*receipt.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ? AND owner = ?`

	s, err := scanSession(q.QueryRowContext(ctx, query, id, owner))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("session", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return s, nil
}

// UpdateSession writes every mutable field of s and refreshes UpdatedAt.
func UpdateSession(ctx context.Context, q Querier, s *receipt.Session) error {
	now := time.Now().Unix()

	query := `
		UPDATE sessions
		SET current_step = ?, payer = ?, archive_name = ?, api_costs_total = ?,
			current_extraction_index = ?, files_processed = ?, progress_percentage = ?,
			current_sort_index = ?, is_complete = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := q.ExecContext(ctx, query,
		int(s.CurrentStep), string(s.Payer), s.ArchiveName, s.APICostsTotal.String(),
		s.CurrentExtractionIndex, s.FilesProcessed, s.ProgressPercentage,
		s.CurrentSortIndex, s.IsComplete, now,
		s.ID,
	)
	if err != nil {
		return errors.NewInternal(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound("session", s.ID)
	}

	s.UpdatedAt = now
	return nil
}

// ListSessions returns the owner's sessions newest first, and the total count.
func ListSessions(ctx context.Context, q Querier, owner string, limit, offset int) ([]receipt.Session, int, error) {
	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE owner = ?`, owner).Scan(&total); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE owner = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`

	rows, err := q.QueryContext(ctx, query, owner, limit, offset)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	sessions := make([]receipt.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, errors.NewInternal(err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	return sessions, total, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession scans a single row into a Session struct.
func scanSession(row rowScanner) (*receipt.Session, error) {
	var (
		s     receipt.Session
		step  int
		payer string
		costs string
	)
	err := row.Scan(
		&s.ID, &s.Owner, &step, &payer, &s.ArchiveName, &costs,
		&s.CurrentExtractionIndex, &s.FilesProcessed, &s.ProgressPercentage,
		&s.CurrentSortIndex, &s.IsComplete, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.CurrentStep = receipt.Step(step)
	if !s.CurrentStep.Valid() {
		s.CurrentStep = receipt.StepIntro
	}
	s.Payer = receipt.Person(payer)
	if s.APICostsTotal, err = parseDecimal(costs); err != nil {
		return nil, err
	}
	return &s, nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// parseDecimal reads a decimal stored as TEXT; empty means zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// toNullInt64 converts a *int64 to sql.NullInt64.
func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// fromNullInt64 converts a sql.NullInt64 to *int64.
func fromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
