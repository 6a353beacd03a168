package ops

import (
	"context"
	"crypto/rand"
	"database/sql"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// Pagination limits
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// FileRef addresses one extracted file of the active session.
type FileRef struct {
	ID       int64
	Filename string
}

// ValidateFileRef checks that exactly one addressing mode is used.
// Rules:
// - ID and Filename together → ErrAmbiguousAddressing
// - neither → ErrInvalidRequest
func ValidateFileRef(ref FileRef) (FileRef, error) {
	ref.Filename = strings.TrimSpace(ref.Filename)

	hasID := ref.ID != 0
	hasName := ref.Filename != ""

	if hasID && hasName {
		return FileRef{}, errors.NewAmbiguousAddressing()
	}
	if !hasID && !hasName {
		return FileRef{}, errors.NewInvalidRequest("must specify either file id or filename")
	}
	if ref.ID < 0 {
		return FileRef{}, errors.NewInvalidRequest("file id must be positive")
	}
	return ref, nil
}

// ParseFileRef builds a FileRef from a path segment: digits are an ID,
// anything else a filename.
func ParseFileRef(raw string) FileRef {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return FileRef{ID: id}
	}
	return FileRef{Filename: raw}
}

func (r FileRef) String() string {
	if r.ID != 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Filename
}

// resolveFile loads the referenced file, scoped to the session.
func resolveFile(ctx context.Context, q db.Querier, sessionID string, ref FileRef) (*receipt.ExtractedFile, error) {
	ref, err := ValidateFileRef(ref)
	if err != nil {
		return nil, err
	}
	if ref.ID != 0 {
		return db.GetFileByID(ctx, q, sessionID, ref.ID)
	}
	return db.GetFileByName(ctx, q, sessionID, ref.Filename)
}

func normalizeOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.NewInvalidRequest("owner is required")
	}
	return owner, nil
}

// withTx runs fn inside a write transaction and commits when fn succeeds.
// The connection is opened with _txlock=immediate, so BEGIN takes the write
// lock and the reads inside fn cannot race another writer.
func withTx(ctx context.Context, database *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return wrapCtxErr(ctx, "begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapCtxErr(ctx, "commit", err)
	}
	return nil
}

func wrapCtxErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewCancelled(op)
	}
	return errors.NewInternal(err)
}

// activeSession returns the owner's active session inside q, creating one at
// Intro when none exists.
func activeSession(ctx context.Context, q db.Querier, owner string) (*receipt.Session, bool, error) {
	s, err := db.GetActiveSession(ctx, q, owner)
	if err == nil {
		return s, false, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}

	s, err = newSession(owner)
	if err != nil {
		return nil, false, err
	}
	if err := db.InsertSession(ctx, q, s); err != nil {
		if stderrors.Is(err, db.ErrUniqueConstraint) {
			// Created concurrently outside this transaction.
			existing, getErr := db.GetActiveSession(ctx, q, owner)
			return existing, false, getErr
		}
		return nil, false, err
	}
	return s, true, nil
}

func newSession(owner string) (*receipt.Session, error) {
	id, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	now := time.Now().Unix()
	return &receipt.Session{
		ID:          id,
		Owner:       owner,
		CurrentStep: receipt.StepIntro,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, errors.ErrNotFound)
}

// requireStep fails unless the session is at want.
func requireStep(s *receipt.Session, want receipt.Step, action string) error {
	if s.CurrentStep != want {
		return errors.NewInvalidTransition(s.CurrentStep.String(), want.String(),
			action+" is only possible in the "+want.String()+" step")
	}
	return nil
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
