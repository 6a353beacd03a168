package ops

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// ZeroItemsWarning is returned when extraction finishes without any confirmed item.
const ZeroItemsWarning = "no items were confirmed; nothing to sort, settlement is zero"

// TransitionOutput contains the result of a step change.
type TransitionOutput struct {
	SessionID   string               `json:"session_id"`
	From        string               `json:"from"`
	Step        string               `json:"step"`
	Changed     bool                 `json:"changed"`
	Warning     string               `json:"warning,omitempty"`
	Aggregation *receipt.Aggregation `json:"aggregation,omitempty"`
}

// NavigateInput contains parameters for the Navigate operation.
type NavigateInput struct {
	Owner string
	Step  receipt.Step
}

// Navigate moves the active session to another step. Moving back is always
// allowed; moving forward requires the guard of the target step:
//   - Upload: none
//   - Extract: an archive was uploaded
//   - Sort: every file is processed or skipped
//   - Aggregate: every file is done and every confirmed item is assigned
//
// Moving forward past Extract finishes extraction first, so a session without
// confirmed items lands in Aggregate with ZeroItemsWarning just as with
// FinishExtraction. Entering Aggregate recalculates the settlement.
func Navigate(ctx context.Context, database *sql.DB, cfg *config.Config, input NavigateInput) (*TransitionOutput, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return nil, err
	}
	target := input.Step
	if !target.Valid() {
		target = receipt.StepIntro
	}

	var out *TransitionOutput
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, _, err := activeSession(ctx, tx, owner)
		if err != nil {
			return err
		}
		out = &TransitionOutput{SessionID: s.ID, From: s.CurrentStep.String(), Step: s.CurrentStep.String()}

		if target == s.CurrentStep {
			if target == receipt.StepAggregate {
				out.Aggregation, err = calculateInTx(ctx, tx, cfg, s)
			}
			return err
		}

		if target > s.CurrentStep {
			leaving := s.CurrentStep <= receipt.StepExtract && target > receipt.StepExtract
			guard := target
			if leaving && target == receipt.StepSort {
				// finishExtractionInTx decides between Sort and Aggregate
				guard = receipt.StepExtract
			}
			if err := checkGuard(ctx, tx, s, guard); err != nil {
				return err
			}
			if leaving {
				if err := finishExtractionInTx(ctx, tx, cfg, s, out); err != nil {
					return err
				}
				if s.CurrentStep >= target {
					return nil
				}
			}
		}

		from := s.CurrentStep
		s.CurrentStep = target
		if err := recomputeProgress(ctx, tx, s); err != nil {
			return err
		}
		if target == receipt.StepAggregate {
			if out.Aggregation, err = calculateInTx(ctx, tx, cfg, s); err != nil {
				return err
			}
		}
		if err := db.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		out.Step = target.String()
		out.Changed = true
		logTransition(ctx, s, from)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkGuard verifies that s may move forward to target.
func checkGuard(ctx context.Context, q db.Querier, s *receipt.Session, target receipt.Step) error {
	from := s.CurrentStep.String()
	deny := func(reason string) error {
		return errors.NewInvalidTransition(from, target.String(), reason)
	}

	if target <= receipt.StepUpload {
		return nil
	}
	if s.ArchiveName == "" {
		return deny("no archive uploaded")
	}
	if target == receipt.StepExtract {
		return nil
	}

	counts, err := db.CountFiles(ctx, q, s.ID)
	if err != nil {
		return err
	}
	if counts.Pending() > 0 {
		return deny(fmt.Sprintf("%d file(s) still pending", counts.Pending()))
	}

	next, err := db.NextUnassigned(ctx, q, s.ID)
	if err != nil {
		return err
	}
	if next != nil {
		return deny("unassigned items remain")
	}
	return nil
}

// FinishExtraction leaves the Extract step once every file is processed or
// skipped. With confirmed items the session moves to Sort; without any it
// moves straight to Aggregate with a zero settlement and a warning.
// Calling it again after the move is a no-op.
func FinishExtraction(ctx context.Context, database *sql.DB, cfg *config.Config, owner string) (*TransitionOutput, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return nil, err
	}

	var out *TransitionOutput
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, _, err := activeSession(ctx, tx, owner)
		if err != nil {
			return err
		}
		out = &TransitionOutput{SessionID: s.ID, From: s.CurrentStep.String(), Step: s.CurrentStep.String()}

		switch s.CurrentStep {
		case receipt.StepSort, receipt.StepAggregate:
			return nil
		case receipt.StepExtract:
		default:
			return errors.NewInvalidTransition(s.CurrentStep.String(), receipt.StepSort.String(),
				"extraction has not started")
		}

		return finishExtractionInTx(ctx, tx, cfg, s, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// finishExtractionInTx moves s out of extraction: to Sort when it has
// confirmed items, otherwise to Aggregate with a zero settlement and
// ZeroItemsWarning. Every file must be processed or skipped.
func finishExtractionInTx(ctx context.Context, tx *sql.Tx, cfg *config.Config, s *receipt.Session, out *TransitionOutput) error {
	counts, err := db.CountFiles(ctx, tx, s.ID)
	if err != nil {
		return err
	}
	if counts.Pending() > 0 {
		return errors.NewInvalidTransition(s.CurrentStep.String(), receipt.StepSort.String(),
			fmt.Sprintf("%d file(s) still pending", counts.Pending()))
	}
	confirmed, err := db.CountConfirmedItems(ctx, tx, s.ID)
	if err != nil {
		return err
	}

	from := s.CurrentStep
	if confirmed == 0 {
		s.CurrentStep = receipt.StepAggregate
		out.Warning = ZeroItemsWarning
		if out.Aggregation, err = calculateInTx(ctx, tx, cfg, s); err != nil {
			return err
		}
	} else {
		s.CurrentStep = receipt.StepSort
	}
	if err := recomputeProgress(ctx, tx, s); err != nil {
		return err
	}
	if err := db.UpdateSession(ctx, tx, s); err != nil {
		return err
	}
	out.Step = s.CurrentStep.String()
	out.Changed = true
	logTransition(ctx, s, from)
	return nil
}

// recomputeProgress derives the progress counters of s from its rows.
// Counters are never incremented, so repeating an operation can't drift them.
func recomputeProgress(ctx context.Context, q db.Querier, s *receipt.Session) error {
	counts, err := db.CountFiles(ctx, q, s.ID)
	if err != nil {
		return err
	}
	assigned, err := db.CountAssignments(ctx, q, s.ID)
	if err != nil {
		return err
	}

	s.FilesProcessed = counts.Done()
	s.CurrentExtractionIndex = counts.Done()
	if counts.Total == 0 {
		s.ProgressPercentage = 0
		if s.ArchiveName != "" {
			s.ProgressPercentage = 100
		}
	} else {
		s.ProgressPercentage = counts.Done() * 100 / counts.Total
	}
	s.CurrentSortIndex = assigned
	return nil
}

func logTransition(ctx context.Context, s *receipt.Session, from receipt.Step) {
	log.FromContext(ctx).InfoContext(ctx, "step changed",
		log.FieldOwner, s.Owner,
		log.FieldSession, s.ID,
		log.FieldFromStep, from.String(),
		log.FieldStep, s.CurrentStep.String(),
	)
}

func namesFrom(cfg *config.Config) receipt.Names {
	names := receipt.DefaultNames()
	if cfg == nil {
		return names
	}
	if cfg.PersonAName != "" {
		names.A = cfg.PersonAName
	}
	if cfg.PersonBName != "" {
		names.B = cfg.PersonBName
	}
	return names
}
