package db

import (
	"context"
	"database/sql"

	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// UpsertAggregation stores the aggregation of a session, replacing any previous one.
func UpsertAggregation(ctx context.Context, q Querier, a *receipt.Aggregation) error {
	query := `
		INSERT INTO aggregations (
			session_id, total_a, total_b, total_shared, grand_total,
			transfer_amount, transfer_direction, calculated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			total_a = excluded.total_a,
			total_b = excluded.total_b,
			total_shared = excluded.total_shared,
			grand_total = excluded.grand_total,
			transfer_amount = excluded.transfer_amount,
			transfer_direction = excluded.transfer_direction,
			calculated_at = excluded.calculated_at
	`
	_, err := q.ExecContext(ctx, query,
		a.SessionID,
		receipt.FormatMoney(a.TotalA), receipt.FormatMoney(a.TotalB), receipt.FormatMoney(a.TotalShared),
		receipt.FormatMoney(a.GrandTotal), receipt.FormatMoney(a.TransferAmount),
		a.TransferDirection, a.CalculatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetAggregation returns the stored aggregation of a session, or nil if none was calculated yet.
func GetAggregation(ctx context.Context, q Querier, sessionID string) (*receipt.Aggregation, error) {
	query := `
		SELECT session_id, total_a, total_b, total_shared, grand_total,
			transfer_amount, transfer_direction, calculated_at
		FROM aggregations
		WHERE session_id = ?
	`
	var (
		a                                        receipt.Aggregation
		totalA, totalB, shared, grand, transfer string
	)
	err := q.QueryRowContext(ctx, query, sessionID).Scan(
		&a.SessionID, &totalA, &totalB, &shared, &grand, &transfer, &a.TransferDirection, &a.CalculatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	if a.TotalA, err = parseDecimal(totalA); err != nil {
		return nil, errors.NewInternal(err)
	}
	if a.TotalB, err = parseDecimal(totalB); err != nil {
		return nil, errors.NewInternal(err)
	}
	if a.TotalShared, err = parseDecimal(shared); err != nil {
		return nil, errors.NewInternal(err)
	}
	if a.GrandTotal, err = parseDecimal(grand); err != nil {
		return nil, errors.NewInternal(err)
	}
	if a.TransferAmount, err = parseDecimal(transfer); err != nil {
		return nil, errors.NewInternal(err)
	}
	return &a, nil
}

// DeleteAggregation removes the stored aggregation of a session, if any.
func DeleteAggregation(ctx context.Context, q Querier, sessionID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM aggregations WHERE session_id = ?`, sessionID); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
