package db

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

const fileColumns = `
	id, session_id, filename, relative_path, is_processed, is_skipped,
	extraction_cost, extracted_at`

// InsertFiles stores the unpacked images of a session and fills in their IDs.
func InsertFiles(ctx context.Context, q Querier, files []receipt.ExtractedFile) error {
	query := `
		INSERT INTO extracted_files (session_id, filename, relative_path, is_processed, is_skipped, extraction_cost, extracted_at)
		VALUES (?, ?, ?, 0, 0, '0', NULL)
	`
	for i := range files {
		f := &files[i]
		result, err := q.ExecContext(ctx, query, f.SessionID, f.Filename, f.RelativePath)
		if err != nil {
			if isUniqueConstraintError(err) {
				return errors.NewConflict("duplicate filename in session: " + f.Filename)
			}
			return errors.NewInternal(err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return errors.NewInternal(err)
		}
		f.ID = id
	}
	return nil
}

// ListFiles returns every file of a session ordered by filename.
func ListFiles(ctx context.Context, q Querier, sessionID string) ([]receipt.ExtractedFile, error) {
	query := `SELECT ` + fileColumns + ` FROM extracted_files WHERE session_id = ? ORDER BY filename, id`

	rows, err := q.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	files := make([]receipt.ExtractedFile, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return files, nil
}

// GetFileByID retrieves a file of the given session by ID.
func GetFileByID(ctx context.Context, q Querier, sessionID string, id int64) (*receipt.ExtractedFile, error) {
	query := `SELECT ` + fileColumns + ` FROM extracted_files WHERE session_id = ? AND id = ?`

	f, err := scanFile(q.QueryRowContext(ctx, query, sessionID, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("file", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return f, nil
}

// GetFileByName retrieves a file of the given session by filename.
func GetFileByName(ctx context.Context, q Querier, sessionID, filename string) (*receipt.ExtractedFile, error) {
	query := `SELECT ` + fileColumns + ` FROM extracted_files WHERE session_id = ? AND filename = ?`

	f, err := scanFile(q.QueryRowContext(ctx, query, sessionID, filename))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("file", filename)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return f, nil
}

// UpdateFile writes the status fields of f.
func UpdateFile(ctx context.Context, q Querier, f *receipt.ExtractedFile) error {
	query := `
		UPDATE extracted_files
		SET is_processed = ?, is_skipped = ?, extraction_cost = ?, extracted_at = ?
		WHERE id = ? AND session_id = ?
	`
	result, err := q.ExecContext(ctx, query,
		f.IsProcessed, f.IsSkipped, f.ExtractionCost.String(), toNullInt64(f.ExtractedAt),
		f.ID, f.SessionID,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound("file", f.Filename)
	}
	return nil
}

// FileCounts summarizes extraction progress of a session.
type FileCounts struct {
	Total     int
	Processed int
	Skipped   int
}

// Done is the number of files that are processed or skipped.
func (c FileCounts) Done() int {
	return c.Processed + c.Skipped
}

// Pending is the number of files still waiting for confirmation or skip.
func (c FileCounts) Pending() int {
	return c.Total - c.Done()
}

// CountFiles returns file counts for a session.
func CountFiles(ctx context.Context, q Querier, sessionID string) (FileCounts, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_processed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_processed = 0 AND is_skipped = 1 THEN 1 ELSE 0 END), 0)
		FROM extracted_files
		WHERE session_id = ?
	`
	var c FileCounts
	if err := q.QueryRowContext(ctx, query, sessionID).Scan(&c.Total, &c.Processed, &c.Skipped); err != nil {
		return FileCounts{}, errors.NewInternal(err)
	}
	return c, nil
}

// scanFile scans a single row into an ExtractedFile struct.
func scanFile(row rowScanner) (*receipt.ExtractedFile, error) {
	var (
		f           receipt.ExtractedFile
		cost        string
		extractedAt sql.NullInt64
	)
	err := row.Scan(
		&f.ID, &f.SessionID, &f.Filename, &f.RelativePath, &f.IsProcessed, &f.IsSkipped,
		&cost, &extractedAt,
	)
	if err != nil {
		return nil, err
	}
	if f.ExtractionCost, err = parseDecimal(cost); err != nil {
		return nil, err
	}
	f.ExtractedAt = fromNullInt64(extractedAt)
	return &f, nil
}

// DeleteSessionFiles removes every file of a session together with its items
// and assignments.
func DeleteSessionFiles(ctx context.Context, q Querier, sessionID string) (int, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM extracted_files WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}
