package ops

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/SebastianBehrens/receipt-processor/internal/archive"
	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// archiveFileName is the name the uploaded ZIP is stored under.
const archiveFileName = "archive.zip"

// uploadDirPrefix prefixes the per-upload directory below a session directory.
const uploadDirPrefix = "upload-"

// UploadInput contains parameters for the Upload operation.
type UploadInput struct {
	Owner       string
	ArchiveName string      // original file name, must end in .zip
	Archive     io.ReaderAt // archive content
	Size        int64       // archive size in bytes
	Payer       string      // "a", "b" or empty for no payer
}

// UploadOutput contains the result of the Upload operation.
type UploadOutput struct {
	SessionID   string   `json:"session_id"`
	ArchiveName string   `json:"archive_name"`
	Payer       string   `json:"payer"`
	Files       []string `json:"files"`
	Replaced    int      `json:"replaced"`
	Step        string   `json:"step"`
}

// Upload stores and unpacks a receipt archive for the owner's session, which
// must be at the Upload step. Images found in the archive become the files
// of the Extract step; an earlier upload of the same session is replaced
// unless it already has confirmed items, which only a restart discards.
// An archive without images is accepted and yields an empty file queue.
func Upload(ctx context.Context, database *sql.DB, cfg *config.Config, dataDir string, input UploadInput) (*UploadOutput, error) {
	owner, err := normalizeOwner(input.Owner)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.ArchiveName)
	if !strings.EqualFold(path.Ext(name), ".zip") {
		return nil, errors.NewInvalidRequest("archive must be a .zip file")
	}
	if input.Archive == nil {
		return nil, errors.NewInvalidRequest("archive is required")
	}
	if cfg.MaxUploadBytes > 0 && input.Size > cfg.MaxUploadBytes {
		return nil, errors.NewArchiveTooLarge(cfg.MaxUploadBytes)
	}
	payer, ok := receipt.ParsePayer(input.Payer)
	if !ok {
		return nil, errors.NewInvalidRequest("payer must be one of: a, b (or empty)")
	}

	s, err := Current(ctx, database, owner)
	if err != nil {
		return nil, err
	}
	if err := requireStep(s, receipt.StepUpload, "uploading"); err != nil {
		return nil, err
	}
	if err := requireReplaceable(ctx, database, s); err != nil {
		return nil, err
	}

	sessionDir := filepath.Join(dataDir, s.ID)
	uploadName, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	uploadName = uploadDirPrefix + strings.ToLower(uploadName)
	uploadDir := filepath.Join(sessionDir, uploadName)

	entries, err := unpackUpload(input, uploadDir, cfg.MaxUploadBytes)
	if err != nil {
		os.RemoveAll(uploadDir) //nolint:errcheck
		return nil, err
	}

	out := &UploadOutput{
		SessionID:   s.ID,
		ArchiveName: archive.SanitizeFilename(name),
		Payer:       string(payer),
		Files:       make([]string, 0, len(entries)),
	}
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		// Re-read under the write lock: the step may have moved meanwhile.
		s, err := db.GetSession(ctx, tx, owner, s.ID)
		if err != nil {
			return err
		}
		if s.IsComplete {
			return errors.NewConflict("session was restarted during upload")
		}
		if err := requireStep(s, receipt.StepUpload, "uploading"); err != nil {
			return err
		}
		if err := requireReplaceable(ctx, tx, s); err != nil {
			return err
		}

		if out.Replaced, err = db.DeleteSessionFiles(ctx, tx, s.ID); err != nil {
			return err
		}
		if err := db.DeleteAggregation(ctx, tx, s.ID); err != nil {
			return err
		}

		files := make([]receipt.ExtractedFile, len(entries))
		for i, e := range entries {
			files[i] = receipt.ExtractedFile{
				SessionID:    s.ID,
				Filename:     e.Filename,
				RelativePath: path.Join(uploadName, e.RelativePath),
			}
			out.Files = append(out.Files, e.Filename)
		}
		if err := db.InsertFiles(ctx, tx, files); err != nil {
			return err
		}

		s.ArchiveName = out.ArchiveName
		s.Payer = payer
		s.CurrentStep = receipt.StepExtract
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
		os.RemoveAll(uploadDir) //nolint:errcheck
		return nil, err
	}

	removeStaleUploads(sessionDir, uploadName)

	log.FromContext(ctx).InfoContext(ctx, "archive uploaded",
		log.FieldOwner, owner,
		log.FieldSession, s.ID,
		log.FieldFile, out.ArchiveName,
		log.FieldStep, out.Step,
		"files", len(out.Files),
		"payer", out.Payer,
	)
	return out, nil
}

// requireReplaceable rejects a new upload once the session has confirmed
// items. Assignments only exist on confirmed items, so they are covered too.
func requireReplaceable(ctx context.Context, q db.Querier, s *receipt.Session) error {
	confirmed, err := db.CountConfirmedItems(ctx, q, s.ID)
	if err != nil {
		return err
	}
	if confirmed > 0 {
		return errors.NewInvalidTransition(s.CurrentStep.String(), receipt.StepExtract.String(),
			fmt.Sprintf("session already has %d confirmed item(s); restart to upload a new archive", confirmed))
	}
	return nil
}

// unpackUpload keeps a copy of the archive next to its unpacked images.
func unpackUpload(input UploadInput, uploadDir string, maxBytes int64) ([]archive.Entry, error) {
	if err := os.MkdirAll(uploadDir, 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create upload directory: %w", err))
	}

	out, err := os.OpenFile(filepath.Join(uploadDir, archiveFileName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to store archive: %w", err))
	}
	_, err = io.Copy(out, io.NewSectionReader(input.Archive, 0, input.Size))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to store archive: %w", err))
	}

	entries, err := archive.Unpack(input.Archive, input.Size, filepath.Join(uploadDir, "files"), maxBytes)
	switch {
	case err == nil:
	case stderrors.Is(err, archive.ErrNotZip):
		return nil, errors.NewInvalidRequest("archive is not a valid zip file")
	case stderrors.Is(err, archive.ErrTooLarge):
		return nil, errors.NewArchiveTooLarge(maxBytes)
	default:
		return nil, errors.NewInvalidRequest(err.Error())
	}

	for i := range entries {
		entries[i].RelativePath = path.Join("files", entries[i].RelativePath)
	}
	return entries, nil
}

// removeStaleUploads deletes upload directories of a session other than keep.
func removeStaleUploads(sessionDir, keep string) {
	dirEntries, err := os.ReadDir(sessionDir)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		if de.IsDir() && de.Name() != keep && strings.HasPrefix(de.Name(), uploadDirPrefix) {
			os.RemoveAll(filepath.Join(sessionDir, de.Name())) //nolint:errcheck
		}
	}
}

// imagePath resolves the on-disk path of an extracted file.
func imagePath(dataDir string, f *receipt.ExtractedFile) (string, error) {
	rel := path.Clean(f.RelativePath)
	if rel == "." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", errors.NewInternal(fmt.Errorf("invalid stored path for %s", f.Filename))
	}
	return filepath.Join(dataDir, f.SessionID, filepath.FromSlash(rel)), nil
}
