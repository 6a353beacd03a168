package receipt

import "github.com/shopspring/decimal"

// Session is one run of the workflow for one owner.
type Session struct {
	// ID is a ULID that uniquely identifies this session
	ID string

	// Owner is the authenticated user the session belongs to
	Owner string

	CurrentStep Step

	// Payer is who paid the receipts; PersonNone when not specified
	Payer Person

	// ArchiveName is the sanitized name of the uploaded ZIP (empty before upload)
	ArchiveName string

	// APICostsTotal accumulates vision API cost over successful extractions
	APICostsTotal decimal.Decimal

	// Progress counters, recomputed from rows on every mutation
	CurrentExtractionIndex int
	FilesProcessed         int
	ProgressPercentage     int
	CurrentSortIndex       int

	// IsComplete is set when the session is replaced by a restart
	IsComplete bool

	CreatedAt int64
	UpdatedAt int64
}

// ExtractedFile is one image unpacked from the uploaded archive.
type ExtractedFile struct {
	ID        int64
	SessionID string

	// Filename is unique within the session
	Filename string

	// RelativePath is the path of the image below the session's unpack directory
	RelativePath string

	IsProcessed    bool
	IsSkipped      bool
	ExtractionCost decimal.Decimal

	// ExtractedAt is the Unix timestamp of confirmation (nil while pending)
	ExtractedAt *int64
}

// Done reports whether the file no longer needs user attention.
func (f *ExtractedFile) Done() bool {
	return f.IsProcessed || f.IsSkipped
}

// LineItem is one purchased item read off a receipt.
type LineItem struct {
	// ID is monotonically increasing and defines assignment order
	ID        int64
	SessionID string
	FileID    int64
	Name      string
	Price     decimal.Decimal

	// IsConfirmed is false for drafts that have not been confirmed yet
	IsConfirmed bool
	CreatedAt   int64
}

// Assignment records which bucket a confirmed line item belongs to.
type Assignment struct {
	ID         int64
	SessionID  string
	LineItemID int64
	Assignee   Assignee
	AssignedAt int64
}

// Aggregation is the settlement computed for a session.
type Aggregation struct {
	SessionID         string          `json:"session_id"`
	TotalA            decimal.Decimal `json:"total_a"`
	TotalB            decimal.Decimal `json:"total_b"`
	TotalShared       decimal.Decimal `json:"total_shared"`
	GrandTotal        decimal.Decimal `json:"grand_total"`
	TransferAmount    decimal.Decimal `json:"transfer_amount"`
	TransferDirection string          `json:"transfer_direction"`
	CalculatedAt      int64           `json:"calculated_at"`
}
