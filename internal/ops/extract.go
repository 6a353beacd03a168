package ops

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
	"github.com/SebastianBehrens/receipt-processor/internal/vision"
)

// ExtractInput contains parameters for the Extract operation.
type ExtractInput struct {
	Owner string
	File  FileRef
}

// ExtractOutput contains the result of the Extract operation.
type ExtractOutput struct {
	FileID        int64               `json:"file_id"`
	Filename      string              `json:"filename"`
	Items         []receipt.ItemDraft `json:"items"`
	Cost          string              `json:"cost"`
	APICostsTotal string              `json:"api_costs_total"`
	Placeholder   bool                `json:"placeholder,omitempty"`
	Shared        bool                `json:"shared,omitempty"`
}

// Extract reads the items of one pending file with the vision extractor and
// stores them as unconfirmed drafts, replacing earlier drafts of the file.
// The call to the extractor runs outside any transaction. If it fails nothing
// is written and the same file can be retried. An unreadable reply is stored
// as a single placeholder item and its cost is still charged.
func Extract(ctx context.Context, database *sql.DB, extractor vision.Extractor, dataDir string, input ExtractInput) (*ExtractOutput, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, errors.NewInvalidRequest("no vision extractor configured")
	}

	s, err := db.GetActiveSession(ctx, database, owner)
	if err != nil {
		return nil, err
	}
	if err := requireStep(s, receipt.StepExtract, "extraction"); err != nil {
		return nil, err
	}
	f, err := resolveFile(ctx, database, s.ID, input.File)
	if err != nil {
		return nil, err
	}
	if err := requirePending(f); err != nil {
		return nil, err
	}
	p, err := imagePath(dataDir, f)
	if err != nil {
		return nil, err
	}

	logger := log.FromContext(ctx).WithComponent(log.ComponentVision)
	start := time.Now()

	var (
		items       []receipt.ParsedItem
		cost        decimal.Decimal
		placeholder bool
		shared      bool
	)
	res, err := extractor.Extract(ctx, p)
	var parseErr *vision.ParseError
	switch {
	case err == nil:
		items, cost, shared = res.Items, res.Cost, res.Shared
	case stderrors.As(err, &parseErr):
		logger.WarnContext(ctx, "unreadable extraction reply, storing placeholder",
			log.FieldSession, s.ID, log.FieldFile, f.Filename, log.FieldError, parseErr.Err)
		items, cost, shared, placeholder = receipt.Placeholder(), parseErr.Cost, parseErr.Shared, true
	case ctx.Err() != nil:
		return nil, errors.NewCancelled("extraction")
	default:
		logger.ErrorContext(ctx, "extraction failed",
			log.FieldSession, s.ID, log.FieldFile, f.Filename, log.FieldError, err)
		return nil, errors.NewExtractionFailed(f.Filename, err)
	}

	out := &ExtractOutput{
		FileID:      f.ID,
		Filename:    f.Filename,
		Items:       receipt.Drafts(items),
		Cost:        receipt.FormatCost(cost),
		Placeholder: placeholder,
		Shared:      shared,
	}
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, err := db.GetSession(ctx, tx, owner, s.ID)
		if err != nil {
			return err
		}
		if s.IsComplete {
			return errors.NewConflict("session was restarted during extraction")
		}
		if err := requireStep(s, receipt.StepExtract, "extraction"); err != nil {
			return err
		}
		f, err := db.GetFileByID(ctx, tx, s.ID, f.ID)
		if err != nil {
			return err
		}
		if err := requirePending(f); err != nil {
			return err
		}

		if _, err := db.ReplaceFileItems(ctx, tx, s.ID, f.ID, items, false, time.Now().Unix()); err != nil {
			return err
		}
		f.ExtractionCost = f.ExtractionCost.Add(cost).Round(receipt.CostPlaces)
		if err := db.UpdateFile(ctx, tx, f); err != nil {
			return err
		}
		s.APICostsTotal = s.APICostsTotal.Add(cost).Round(receipt.CostPlaces)
		if err := db.UpdateSession(ctx, tx, s); err != nil {
			return err
		}
		out.APICostsTotal = receipt.FormatCost(s.APICostsTotal)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "file extracted",
		log.FieldSession, s.ID,
		log.FieldFile, f.Filename,
		log.FieldItems, len(items),
		log.FieldCost, out.Cost,
		log.FieldDuration, time.Since(start).Milliseconds(),
		"shared", shared,
	)
	return out, nil
}

// ImagePathInput contains parameters for the ImagePath operation.
type ImagePathInput struct {
	Owner string
	File  FileRef
}

// ImagePath returns the on-disk path of an image of the owner's active session.
func ImagePath(ctx context.Context, database *sql.DB, dataDir string, input ImagePathInput) (string, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return "", err
	}
	s, err := db.GetActiveSession(ctx, database, owner)
	if err != nil {
		return "", err
	}
	f, err := resolveFile(ctx, database, s.ID, input.File)
	if err != nil {
		return "", err
	}
	return imagePath(dataDir, f)
}

// requirePending rejects changes to a file that was already confirmed or skipped.
func requirePending(f *receipt.ExtractedFile) error {
	switch {
	case f.IsProcessed:
		return errors.NewInvalidRequest("file " + f.Filename + " is already confirmed")
	case f.IsSkipped:
		return errors.NewInvalidRequest("file " + f.Filename + " was skipped")
	}
	return nil
}
