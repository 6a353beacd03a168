package ops

import (
	"context"
	"database/sql"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// HistoryInput contains parameters for the History operation.
type HistoryInput struct {
	Owner  string
	Limit  int // default: 20, max: 100
	Offset int // default: 0
}

// SessionSummary is one row of the session history.
type SessionSummary struct {
	ID             string `json:"id"`
	StepName       string `json:"step_name"`
	Payer          string `json:"payer"`
	ArchiveName    string `json:"archive_name,omitempty"`
	IsComplete     bool   `json:"is_complete"`
	APICostsTotal  string `json:"api_costs_total"`
	GrandTotal     string `json:"grand_total,omitempty"`
	TransferAmount string `json:"transfer_amount,omitempty"`
	Direction      string `json:"transfer_direction,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// HistoryOutput contains the result of the History operation.
type HistoryOutput struct {
	Items      []SessionSummary `json:"items"`
	Pagination Pagination       `json:"pagination"`
}

// History lists the owner's sessions newest first, with their settlement
// when one was calculated.
func History(ctx context.Context, database *sql.DB, cfg *config.Config, input HistoryInput) (*HistoryOutput, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	offset := max(input.Offset, 0)

	sessions, total, err := db.ListSessions(ctx, database, owner, limit, offset)
	if err != nil {
		return nil, err
	}

	names := namesFrom(cfg)
	items := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		sum := SessionSummary{
			ID:            s.ID,
			StepName:      s.CurrentStep.String(),
			Payer:         names.Of(s.Payer),
			ArchiveName:   s.ArchiveName,
			IsComplete:    s.IsComplete,
			APICostsTotal: receipt.FormatCost(s.APICostsTotal),
			CreatedAt:     s.CreatedAt,
			UpdatedAt:     s.UpdatedAt,
		}
		agg, err := db.GetAggregation(ctx, database, s.ID)
		if err != nil {
			return nil, err
		}
		if agg != nil {
			sum.GrandTotal = receipt.FormatMoney(agg.GrandTotal)
			sum.TransferAmount = receipt.FormatMoney(agg.TransferAmount)
			sum.Direction = agg.TransferDirection
		}
		items = append(items, sum)
	}

	return &HistoryOutput{
		Items: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(items) < total,
			Total:   total,
		},
	}, nil
}
