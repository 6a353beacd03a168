package ops

import (
	"context"
	"database/sql"
	"time"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// AggregateOutput contains the result of the Calculate operation.
type AggregateOutput struct {
	SessionID   string              `json:"session_id"`
	Payer       string              `json:"payer"`
	Aggregation receipt.Aggregation `json:"aggregation"`
	Assignments int                 `json:"assignments"`
}

// Calculate sums the assigned items of the owner's active session per bucket
// and stores the resulting settlement, replacing any earlier one. With no
// assignments the settlement is all zeros.
func Calculate(ctx context.Context, database *sql.DB, cfg *config.Config, owner string) (*AggregateOutput, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return nil, err
	}

	var out *AggregateOutput
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, _, err := activeSession(ctx, tx, owner)
		if err != nil {
			return err
		}
		agg, err := calculateInTx(ctx, tx, cfg, s)
		if err != nil {
			return err
		}
		n, err := db.CountAssignments(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		out = &AggregateOutput{
			SessionID:   s.ID,
			Payer:       namesFrom(cfg).Of(s.Payer),
			Aggregation: *agg,
			Assignments: n,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// calculateInTx recomputes and upserts the settlement of s.
func calculateInTx(ctx context.Context, q db.Querier, cfg *config.Config, s *receipt.Session) (*receipt.Aggregation, error) {
	assigned, err := db.ListAssignedItems(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}

	var totals receipt.Totals
	for _, it := range assigned {
		totals.Add(it.Assignee, it.Price)
	}

	agg := receipt.Settle(totals, s.Payer, namesFrom(cfg))
	agg.SessionID = s.ID
	agg.CalculatedAt = time.Now().Unix()

	if err := db.UpsertAggregation(ctx, q, &agg); err != nil {
		return nil, err
	}

	log.FromContext(ctx).DebugContext(ctx, "aggregation calculated",
		log.FieldSession, s.ID,
		log.FieldItems, len(assigned),
		"grand_total", receipt.FormatMoney(agg.GrandTotal),
		"transfer", receipt.FormatMoney(agg.TransferAmount),
	)
	return &agg, nil
}
