package ops

import (
	"context"
	"database/sql"
	"time"

	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// Current returns the owner's active session, creating one at Intro on first access.
func Current(ctx context.Context, database *sql.DB, owner string) (*receipt.Session, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return nil, err
	}

	var s *receipt.Session
	var created bool
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, created, err = activeSession(ctx, tx, owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		log.FromContext(ctx).InfoContext(ctx, "session created",
			log.FieldOwner, owner, log.FieldSession, s.ID)
	}
	return s, nil
}

// RestartOutput contains the result of the Restart operation.
type RestartOutput struct {
	PreviousID string `json:"previous_id,omitempty"`
	SessionID  string `json:"session_id"`
	Step       string `json:"step"`
}

// Restart marks the active session complete and starts a fresh one at Intro.
// Rows of the old session are kept.
func Restart(ctx context.Context, database *sql.DB, owner string) (*RestartOutput, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return nil, err
	}

	out := &RestartOutput{}
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		old, err := db.GetActiveSession(ctx, tx, owner)
		switch {
		case err == nil:
			old.IsComplete = true
			old.UpdatedAt = time.Now().Unix()
			if err := db.UpdateSession(ctx, tx, old); err != nil {
				return err
			}
			out.PreviousID = old.ID
		case !isNotFound(err):
			return err
		}

		s, err := newSession(owner)
		if err != nil {
			return err
		}
		if err := db.InsertSession(ctx, tx, s); err != nil {
			return err
		}
		out.SessionID = s.ID
		out.Step = s.CurrentStep.String()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.FromContext(ctx).InfoContext(ctx, "session restarted",
		log.FieldOwner, owner, log.FieldSession, out.SessionID, "previous_session", out.PreviousID)
	return out, nil
}
