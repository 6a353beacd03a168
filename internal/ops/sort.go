package ops

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// ItemView is a line item as shown to callers.
type ItemView struct {
	ID       int64  `json:"id"`
	FileID   int64  `json:"file_id"`
	Name     string `json:"name"`
	Price    string `json:"price"`
	Assignee string `json:"assignee,omitempty"`
}

func itemView(it receipt.LineItem) ItemView {
	return ItemView{
		ID:     it.ID,
		FileID: it.FileID,
		Name:   it.Name,
		Price:  receipt.FormatMoney(it.Price),
	}
}

// NextOutput contains the result of the NextUnassigned operation.
type NextOutput struct {
	SessionID string    `json:"session_id"`
	Item      *ItemView `json:"item"`
	Position  int       `json:"position"` // 1-based position of Item among confirmed items
	Assigned  int       `json:"assigned"`
	Total     int       `json:"total"`
	Done      bool      `json:"done"`
}

// NextUnassigned returns the next confirmed item to sort: the one with the
// lowest id among those without assignment. Done is set when none remains.
func NextUnassigned(ctx context.Context, database *sql.DB, owner string) (*NextOutput, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return nil, err
	}
	s, err := db.GetActiveSession(ctx, database, owner)
	if err != nil {
		return nil, err
	}
	return nextUnassigned(ctx, database, s.ID)
}

func nextUnassigned(ctx context.Context, q db.Querier, sessionID string) (*NextOutput, error) {
	total, err := db.CountConfirmedItems(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	assigned, err := db.CountAssignments(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	next, err := db.NextUnassigned(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}

	out := &NextOutput{SessionID: sessionID, Assigned: assigned, Total: total, Done: next == nil}
	if next != nil {
		v := itemView(*next)
		out.Item = &v
		out.Position = assigned + 1
	}
	return out, nil
}

// AssignInput contains parameters for the Assign operation.
type AssignInput struct {
	Owner    string
	Assignee string // a, b or shared
}

// AssignOutput contains the result of the Assign operation.
type AssignOutput struct {
	SessionID   string               `json:"session_id"`
	Item        ItemView             `json:"item"`
	Assigned    int                  `json:"assigned"`
	Total       int                  `json:"total"`
	Next        *ItemView            `json:"next,omitempty"`
	Completed   bool                 `json:"completed"`
	Step        string               `json:"step"`
	Aggregation *receipt.Aggregation `json:"aggregation,omitempty"`
}

// Assign puts the next unassigned item into the assignee's bucket. When it
// was the last one, the session moves to Aggregate and the settlement is
// calculated in the same transaction.
func Assign(ctx context.Context, database *sql.DB, cfg *config.Config, input AssignInput) (*AssignOutput, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return nil, err
	}
	assignee, ok := receipt.ParseAssignee(input.Assignee)
	if !ok {
		return nil, errors.NewInvalidAssignee(input.Assignee)
	}

	var out *AssignOutput
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, err := db.GetActiveSession(ctx, tx, owner)
		if err != nil {
			return err
		}
		item, err := db.NextUnassigned(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		if item == nil {
			return errors.NewNoItemsRemaining(s.ID)
		}
		if err := requireStep(s, receipt.StepSort, "sorting"); err != nil {
			return err
		}

		a := &receipt.Assignment{
			SessionID:  s.ID,
			LineItemID: item.ID,
			Assignee:   assignee,
			AssignedAt: time.Now().Unix(),
		}
		if err := db.InsertAssignment(ctx, tx, a); err != nil {
			if stderrors.Is(err, db.ErrUniqueConstraint) {
				return errors.NewConflict("item already assigned")
			}
			return err
		}

		next, err := nextUnassigned(ctx, tx, s.ID)
		if err != nil {
			return err
		}

		view := itemView(*item)
		view.Assignee = string(assignee)
		out = &AssignOutput{
			SessionID: s.ID,
			Item:      view,
			Assigned:  next.Assigned,
			Total:     next.Total,
			Next:      next.Item,
			Completed: next.Done,
		}

		if next.Done {
			s.CurrentStep = receipt.StepAggregate
			if out.Aggregation, err = calculateInTx(ctx, tx, cfg, s); err != nil {
				return err
			}
		}
		if err := recomputeProgress(ctx, tx, s); err != nil {
			return err
		}
		if err := db.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		out.Step = s.CurrentStep.String()
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := log.FromContext(ctx)
	logger.DebugContext(ctx, "item assigned",
		log.FieldOwner, owner,
		log.FieldAssignee, string(assignee),
		"item_id", out.Item.ID,
	)
	if out.Completed {
		logger.InfoContext(ctx, "sorting complete",
			log.FieldOwner, owner,
			log.FieldSession, out.SessionID,
			log.FieldFromStep, receipt.StepSort.String(),
			log.FieldStep, out.Step,
		)
	}
	return out, nil
}
