package ops

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// ItemsInput contains parameters for the SaveDraft and Confirm operations.
type ItemsInput struct {
	Owner string
	File  FileRef
	Items []receipt.ItemDraft
}

// ItemsOutput contains the result of the SaveDraft and Confirm operations.
type ItemsOutput struct {
	FileID             int64               `json:"file_id"`
	Filename           string              `json:"filename"`
	Items              []receipt.ItemDraft `json:"items"`
	Confirmed          bool                `json:"confirmed"`
	FilesProcessed     int                 `json:"files_processed"`
	ProgressPercentage int                 `json:"progress_percentage"`
	Remaining          int                 `json:"remaining"`
}

// SaveDraft replaces the items of a pending file with unconfirmed drafts.
// A confirmed file keeps its items; drafts can't downgrade it.
func SaveDraft(ctx context.Context, database *sql.DB, input ItemsInput) (*ItemsOutput, error) {
	return storeItems(ctx, database, input, false)
}

// Confirm replaces the items of a file with confirmed items and marks the
// file processed, in one transaction. Confirming an already confirmed file
// replaces its items again, so they are never duplicated; once any of them is
// assigned the file is locked until restart.
func Confirm(ctx context.Context, database *sql.DB, input ItemsInput) (*ItemsOutput, error) {
	return storeItems(ctx, database, input, true)
}

func storeItems(ctx context.Context, database *sql.DB, input ItemsInput, confirm bool) (*ItemsOutput, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return nil, err
	}
	items, err := receipt.ParseDrafts(input.Items)
	if err != nil {
		var itemErr *receipt.ItemError
		if stderrors.As(err, &itemErr) {
			return nil, errors.NewInvalidItem(itemErr.Index, itemErr.Reason)
		}
		return nil, errors.NewInvalidRequest(err.Error())
	}

	var out *ItemsOutput
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, err := db.GetActiveSession(ctx, tx, owner)
		if err != nil {
			return err
		}
		f, err := resolveFile(ctx, tx, s.ID, input.File)
		if err != nil {
			return err
		}
		if err := requireStep(s, receipt.StepExtract, "editing items"); err != nil {
			return err
		}
		if err := requireEditable(ctx, tx, f, confirm); err != nil {
			return err
		}

		now := time.Now().Unix()
		if _, err := db.ReplaceFileItems(ctx, tx, s.ID, f.ID, items, confirm, now); err != nil {
			return err
		}
		if confirm {
			f.IsProcessed = true
			f.ExtractedAt = &now
			if err := db.UpdateFile(ctx, tx, f); err != nil {
				return err
			}
		}
		if err := recomputeProgress(ctx, tx, s); err != nil {
			return err
		}
		if err := db.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		counts, err := db.CountFiles(ctx, tx, s.ID)
		if err != nil {
			return err
		}

		out = &ItemsOutput{
			FileID:             f.ID,
			Filename:           f.Filename,
			Items:              receipt.Drafts(items),
			Confirmed:          confirm,
			FilesProcessed:     s.FilesProcessed,
			ProgressPercentage: s.ProgressPercentage,
			Remaining:          counts.Pending(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := "draft saved"
	if confirm {
		msg = "file confirmed"
	}
	log.FromContext(ctx).InfoContext(ctx, msg,
		log.FieldOwner, owner,
		log.FieldFile, out.Filename,
		log.FieldItems, len(out.Items),
	)
	return out, nil
}

// requireEditable reports whether the items of f may be replaced. Drafts need
// a pending file; a confirm may also overwrite a confirmed file as long as
// none of its items is assigned.
func requireEditable(ctx context.Context, q db.Querier, f *receipt.ExtractedFile, confirm bool) error {
	if !confirm || !f.IsProcessed || f.IsSkipped {
		return requirePending(f)
	}
	assigned, err := db.CountFileAssignments(ctx, q, f.SessionID, f.ID)
	if err != nil {
		return err
	}
	if assigned > 0 {
		return errors.NewInvalidRequest("file " + f.Filename + " has assigned items; restart the session to change them")
	}
	return nil
}

// SkipInput contains parameters for the Skip operation.
type SkipInput struct {
	Owner string
	File  FileRef
}

// SkipOutput contains the result of the Skip operation.
type SkipOutput struct {
	FileID             int64  `json:"file_id"`
	Filename           string `json:"filename"`
	AlreadySkipped     bool   `json:"already_skipped,omitempty"`
	FilesProcessed     int    `json:"files_processed"`
	ProgressPercentage int    `json:"progress_percentage"`
	Remaining          int    `json:"remaining"`
}

// Skip marks a file as skipped and drops its draft items. Skipping a skipped
// file is a no-op; a confirmed file can't be skipped.
func Skip(ctx context.Context, database *sql.DB, input SkipInput) (*SkipOutput, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return nil, err
	}

	var out *SkipOutput
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, err := db.GetActiveSession(ctx, tx, owner)
		if err != nil {
			return err
		}
		f, err := resolveFile(ctx, tx, s.ID, input.File)
		if err != nil {
			return err
		}
		out = &SkipOutput{FileID: f.ID, Filename: f.Filename}

		if f.IsSkipped {
			out.AlreadySkipped = true
		} else {
			if err := requireStep(s, receipt.StepExtract, "skipping files"); err != nil {
				return err
			}
			if f.IsProcessed {
				return errors.NewInvalidRequest("file " + f.Filename + " is already confirmed")
			}
			if err := db.DeleteFileItems(ctx, tx, s.ID, f.ID); err != nil {
				return err
			}
			f.IsSkipped = true
			if err := db.UpdateFile(ctx, tx, f); err != nil {
				return err
			}
			if err := recomputeProgress(ctx, tx, s); err != nil {
				return err
			}
			if err := db.UpdateSession(ctx, tx, s); err != nil {
				return err
			}
		}

		counts, err := db.CountFiles(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		out.FilesProcessed = counts.Done()
		out.ProgressPercentage = s.ProgressPercentage
		out.Remaining = counts.Pending()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.AlreadySkipped {
		log.FromContext(ctx).InfoContext(ctx, "file skipped",
			log.FieldOwner, owner, log.FieldFile, out.Filename)
	}
	return out, nil
}
