package db

import (
	"context"
	"database/sql"

	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

const itemColumns = `id, session_id, file_id, name, price, is_confirmed, created_at`

// ReplaceFileItems deletes every item of the file and inserts items in order.
// Must run inside a transaction for the replacement to be atomic.
func ReplaceFileItems(ctx context.Context, q Querier, sessionID string, fileID int64, items []receipt.ParsedItem, confirmed bool, now int64) ([]receipt.LineItem, error) {
	if err := DeleteFileItems(ctx, q, sessionID, fileID); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO line_items (session_id, file_id, name, price, is_confirmed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	out := make([]receipt.LineItem, 0, len(items))
	for _, it := range items {
		price := receipt.RoundPrice(it.Price)
		result, err := q.ExecContext(ctx, query, sessionID, fileID, it.Name, price.StringFixed(receipt.PricePlaces), confirmed, now)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, receipt.LineItem{
			ID:          id,
			SessionID:   sessionID,
			FileID:      fileID,
			Name:        it.Name,
			Price:       price,
			IsConfirmed: confirmed,
			CreatedAt:   now,
		})
	}
	return out, nil
}

// DeleteFileItems removes every item (and, by cascade, assignment) of the file.
func DeleteFileItems(ctx context.Context, q Querier, sessionID string, fileID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM line_items WHERE session_id = ? AND file_id = ?`, sessionID, fileID); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListFileItems returns the items of one file in insertion order.
func ListFileItems(ctx context.Context, q Querier, sessionID string, fileID int64) ([]receipt.LineItem, error) {
	query := `SELECT ` + itemColumns + ` FROM line_items WHERE session_id = ? AND file_id = ? ORDER BY id`
	return queryItems(ctx, q, query, sessionID, fileID)
}

// ListConfirmedItems returns the confirmed items of a session in insertion order.
func ListConfirmedItems(ctx context.Context, q Querier, sessionID string) ([]receipt.LineItem, error) {
	query := `SELECT ` + itemColumns + ` FROM line_items WHERE session_id = ? AND is_confirmed = 1 ORDER BY id`
	return queryItems(ctx, q, query, sessionID)
}

// CountConfirmedItems returns the number of confirmed items of a session.
func CountConfirmedItems(ctx context.Context, q Querier, sessionID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM line_items WHERE session_id = ? AND is_confirmed = 1`, sessionID).Scan(&n)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// NextUnassigned returns the lowest-id confirmed item without an assignment,
// or nil when every confirmed item is assigned.
func NextUnassigned(ctx context.Context, q Querier, sessionID string) (*receipt.LineItem, error) {
	query := `
		SELECT li.id, li.session_id, li.file_id, li.name, li.price, li.is_confirmed, li.created_at
		FROM line_items li
		LEFT JOIN assignments a ON a.line_item_id = li.id
		WHERE li.session_id = ? AND li.is_confirmed = 1 AND a.id IS NULL
		ORDER BY li.id
		LIMIT 1
	`
	it, err := scanItem(q.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return it, nil
}

// InsertAssignment stores an assignment. Assigning the same item twice
// returns ErrUniqueConstraint.
func InsertAssignment(ctx context.Context, q Querier, a *receipt.Assignment) error {
	query := `
		INSERT INTO assignments (session_id, line_item_id, assignee, assigned_at)
		VALUES (?, ?, ?, ?)
	`
	result, err := q.ExecContext(ctx, query, a.SessionID, a.LineItemID, string(a.Assignee), a.AssignedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return errors.NewInternal(err)
	}
	a.ID = id
	return nil
}

// CountAssignments returns the number of assignments of a session.
func CountAssignments(ctx context.Context, q Querier, sessionID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// CountFileAssignments returns the number of assigned items of one file.
func CountFileAssignments(ctx context.Context, q Querier, sessionID string, fileID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM assignments a
		JOIN line_items li ON li.id = a.line_item_id
		WHERE a.session_id = ? AND li.file_id = ?
	`
	var n int
	if err := q.QueryRowContext(ctx, query, sessionID, fileID).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// AssignedItem is a confirmed line item joined with its assignment.
type AssignedItem struct {
	receipt.LineItem
	Assignee   receipt.Assignee
	AssignedAt int64
}

// ListAssignedItems returns every assigned item of a session in item order.
func ListAssignedItems(ctx context.Context, q Querier, sessionID string) ([]AssignedItem, error) {
	query := `
		SELECT li.id, li.session_id, li.file_id, li.name, li.price, li.is_confirmed, li.created_at,
			a.assignee, a.assigned_at
		FROM assignments a
		JOIN line_items li ON li.id = a.line_item_id
		WHERE a.session_id = ?
		ORDER BY li.id
	`
	rows, err := q.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := make([]AssignedItem, 0)
	for rows.Next() {
		var (
			ai       AssignedItem
			price    string
			assignee string
		)
		if err := rows.Scan(
			&ai.ID, &ai.SessionID, &ai.FileID, &ai.Name, &price, &ai.IsConfirmed, &ai.CreatedAt,
			&assignee, &ai.AssignedAt,
		); err != nil {
			return nil, errors.NewInternal(err)
		}
		if ai.Price, err = parseDecimal(price); err != nil {
			return nil, errors.NewInternal(err)
		}
		ai.Assignee = receipt.Assignee(assignee)
		out = append(out, ai)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

func queryItems(ctx context.Context, q Querier, query string, args ...any) ([]receipt.LineItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	items := make([]receipt.LineItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return items, nil
}

// scanItem scans a single row into a LineItem struct.
func scanItem(row rowScanner) (*receipt.LineItem, error) {
	var (
		it    receipt.LineItem
		price string
	)
	if err := row.Scan(&it.ID, &it.SessionID, &it.FileID, &it.Name, &price, &it.IsConfirmed, &it.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if it.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	return &it, nil
}
