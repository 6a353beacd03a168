package ops

import (
	"context"
	"database/sql"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/db"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// File statuses reported in FileView.
const (
	FileStatusPending   = "pending"
	FileStatusConfirmed = "confirmed"
	FileStatusSkipped   = "skipped"
)

// FileView is an extracted file as shown to callers.
type FileView struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Cost     string `json:"cost"`
}

// CurrentFile is the first pending file with its saved drafts.
type CurrentFile struct {
	FileView
	Items []receipt.ItemDraft `json:"items"`
}

// Consumption groups assigned items per bucket.
type Consumption struct {
	A      []ItemView `json:"a"`
	B      []ItemView `json:"b"`
	Shared []ItemView `json:"shared"`
}

// State is the snapshot of a session that every presentation layer renders.
type State struct {
	SessionID          string               `json:"session_id"`
	Owner              string               `json:"owner"`
	CurrentStep        receipt.Step         `json:"current_step"`
	StepName           string               `json:"step_name"`
	Payer              string               `json:"payer"`
	PayerName          string               `json:"payer_name,omitempty"`
	PersonAName        string               `json:"person_a_name"`
	PersonBName        string               `json:"person_b_name"`
	Currency           string               `json:"currency"`
	ArchiveName        string               `json:"archive_name,omitempty"`
	ExtractedFiles     []string             `json:"extracted_files"`
	Files              []FileView           `json:"files"`
	CurrentFile        *CurrentFile         `json:"current_file,omitempty"`
	APICostsTotal      string               `json:"api_costs_total"`
	ProgressPercentage int                  `json:"progress_percentage"`
	FilesProcessed     int                  `json:"files_processed"`
	FilesTotal         int                  `json:"files_total"`
	Consumption        Consumption          `json:"consumption"`
	SortItems          []ItemView           `json:"sort_items"`
	NextItem           *ItemView            `json:"next_item,omitempty"`
	SortIndex          int                  `json:"current_sort_index"`
	Aggregation        *receipt.Aggregation `json:"aggregation,omitempty"`
	CreatedAt          int64                `json:"created_at"`
	UpdatedAt          int64                `json:"updated_at"`
}

// GetState returns the snapshot of the owner's active session, creating the
// session on first access. Derived data is read from rows on every call.
func GetState(ctx context.Context, database *sql.DB, cfg *config.Config, owner string) (*State, error) {
	owner, err := normalizeOwner(owner)
	if err != nil {
		return nil, err
	}

	// One transaction so the snapshot is consistent.
	var st *State
	err = withTx(ctx, database, func(tx *sql.Tx) error {
		s, _, err := activeSession(ctx, tx, owner)
		if err != nil {
			return err
		}
		st, err = buildState(ctx, tx, cfg, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func buildState(ctx context.Context, q db.Querier, cfg *config.Config, s *receipt.Session) (*State, error) {
	names := namesFrom(cfg)
	st := &State{
		SessionID:          s.ID,
		Owner:              s.Owner,
		CurrentStep:        s.CurrentStep,
		StepName:           s.CurrentStep.String(),
		Payer:              string(s.Payer),
		PayerName:          names.Of(s.Payer),
		PersonAName:        names.A,
		PersonBName:        names.B,
		ArchiveName:        s.ArchiveName,
		APICostsTotal:      receipt.FormatCost(s.APICostsTotal),
		ProgressPercentage: s.ProgressPercentage,
		FilesProcessed:     s.FilesProcessed,
		SortIndex:          s.CurrentSortIndex,
		ExtractedFiles:     []string{},
		Files:              []FileView{},
		SortItems:          []ItemView{},
		Consumption:        Consumption{A: []ItemView{}, B: []ItemView{}, Shared: []ItemView{}},
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	if cfg != nil {
		st.Currency = cfg.Currency
	}

	files, err := db.ListFiles(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	st.FilesTotal = len(files)
	for i := range files {
		f := &files[i]
		v := FileView{ID: f.ID, Filename: f.Filename, Status: FileStatusPending, Cost: receipt.FormatCost(f.ExtractionCost)}
		switch {
		case f.IsProcessed:
			v.Status = FileStatusConfirmed
		case f.IsSkipped:
			v.Status = FileStatusSkipped
		default:
			st.ExtractedFiles = append(st.ExtractedFiles, f.Filename)
			if st.CurrentFile == nil {
				drafts, err := db.ListFileItems(ctx, q, s.ID, f.ID)
				if err != nil {
					return nil, err
				}
				cur := &CurrentFile{FileView: v, Items: make([]receipt.ItemDraft, 0, len(drafts))}
				for _, d := range drafts {
					cur.Items = append(cur.Items, receipt.ItemDraft{Name: d.Name, Price: receipt.FormatMoney(d.Price)})
				}
				st.CurrentFile = cur
			}
		}
		st.Files = append(st.Files, v)
	}

	confirmed, err := db.ListConfirmedItems(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	for _, it := range confirmed {
		st.SortItems = append(st.SortItems, itemView(it))
	}

	assigned, err := db.ListAssignedItems(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	for _, it := range assigned {
		v := itemView(it.LineItem)
		v.Assignee = string(it.Assignee)
		switch it.Assignee {
		case receipt.AssigneeA:
			st.Consumption.A = append(st.Consumption.A, v)
		case receipt.AssigneeB:
			st.Consumption.B = append(st.Consumption.B, v)
		case receipt.AssigneeShared:
			st.Consumption.Shared = append(st.Consumption.Shared, v)
		}
	}

	next, err := db.NextUnassigned(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	if next != nil {
		v := itemView(*next)
		st.NextItem = &v
	}

	if st.Aggregation, err = db.GetAggregation(ctx, q, s.ID); err != nil {
		return nil, err
	}
	return st, nil
}
