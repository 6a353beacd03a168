package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/ops"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
	"github.com/SebastianBehrens/receipt-processor/internal/vision"
)

// Handlers holds dependencies for MCP tool handlers. Every tool acts on the
// session of the configured default owner.
type Handlers struct {
	db        *sql.DB
	cfg       *config.Config
	extractor vision.Extractor
	dataDir   string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, cfg *config.Config, extractor vision.Extractor, dataDir string) *Handlers {
	return &Handlers{db: db, cfg: cfg, extractor: extractor, dataDir: dataDir}
}

func (h *Handlers) owner() string {
	return h.cfg.DefaultOwner
}

// Request types for each tool

// NavigateRequest represents the arguments for receipt_navigate.
type NavigateRequest struct {
	Step string `json:"step"`
}

// UploadRequest represents the arguments for receipt_upload.
type UploadRequest struct {
	ArchivePath string `json:"archive_path"`
	Payer       string `json:"payer,omitempty"`
}

// FileRequest addresses one extracted file by id or by filename.
type FileRequest struct {
	FileID   int64  `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
}

func (r FileRequest) ref() ops.FileRef {
	return ops.FileRef{ID: r.FileID, Filename: r.Filename}
}

// ItemArg is one draft item. Clients send the price either as a string or
// as a JSON number.
type ItemArg struct {
	Item  string `json:"item"`
	Name  string `json:"name,omitempty"`
	Price any    `json:"price"`
}

// ItemsRequest represents the arguments for receipt_save_draft and receipt_confirm.
type ItemsRequest struct {
	FileRequest
	Items []ItemArg `json:"items"`
}

func (r ItemsRequest) drafts() []receipt.ItemDraft {
	out := make([]receipt.ItemDraft, 0, len(r.Items))
	for _, it := range r.Items {
		name := it.Item
		if name == "" {
			name = it.Name
		}
		out = append(out, receipt.ItemDraft{Name: name, Price: priceString(it.Price)})
	}
	return out
}

func priceString(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case float64:
		return strconv.FormatFloat(p, 'f', -1, 64)
	case nil:
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// AssignRequest represents the arguments for receipt_assign.
type AssignRequest struct {
	Assignee string `json:"assignee"`
}

// ReportRequest represents the arguments for receipt_report.
type ReportRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Format    string `json:"format,omitempty"`
}

// HistoryRequest represents the arguments for receipt_history.
type HistoryRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Handler implementations

// HandleState handles the receipt_state tool call.
func (h *Handlers) HandleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.GetState(ctx, h.db, h.cfg, h.owner())
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleNavigate handles the receipt_navigate tool call.
func (h *Handlers) HandleNavigate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[NavigateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Step) == "" {
		return errorResult(errors.NewInvalidRequest("step is required")), nil
	}

	result, err := ops.Navigate(ctx, h.db, h.cfg, ops.NavigateInput{
		Owner: h.owner(),
		Step:  receipt.ParseStep(input.Step),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleRestart handles the receipt_restart tool call.
func (h *Handlers) HandleRestart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.Restart(ctx, h.db, h.owner())
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleUpload handles the receipt_upload tool call.
func (h *Handlers) HandleUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[UploadRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.ArchivePath) == "" {
		return errorResult(errors.NewInvalidRequest("archive_path is required")), nil
	}

	f, err := os.Open(input.ArchivePath)
	if err != nil {
		return errorResult(errors.NewNotFound("archive", input.ArchivePath)), nil
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return errorResult(errors.NewInvalidRequest("archive_path must be a regular file")), nil
	}

	result, err := ops.Upload(ctx, h.db, h.cfg, h.dataDir, ops.UploadInput{
		Owner:       h.owner(),
		ArchiveName: filepath.Base(input.ArchivePath),
		Archive:     f,
		Size:        info.Size(),
		Payer:       input.Payer,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleExtract handles the receipt_extract tool call.
func (h *Handlers) HandleExtract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FileRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Extract(ctx, h.db, h.extractor, h.dataDir, ops.ExtractInput{
		Owner: h.owner(),
		File:  input.ref(),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSaveDraft handles the receipt_save_draft tool call.
func (h *Handlers) HandleSaveDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.storeItems(ctx, req, ops.SaveDraft)
}

// HandleConfirm handles the receipt_confirm tool call.
func (h *Handlers) HandleConfirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.storeItems(ctx, req, ops.Confirm)
}

func (h *Handlers) storeItems(ctx context.Context, req mcp.CallToolRequest, op func(context.Context, *sql.DB, ops.ItemsInput) (*ops.ItemsOutput, error)) (*mcp.CallToolResult, error) {
	input, err := decode[ItemsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := op(ctx, h.db, ops.ItemsInput{
		Owner: h.owner(),
		File:  input.ref(),
		Items: input.drafts(),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSkip handles the receipt_skip tool call.
func (h *Handlers) HandleSkip(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FileRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Skip(ctx, h.db, ops.SkipInput{Owner: h.owner(), File: input.ref()})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleFinishExtraction handles the receipt_finish_extraction tool call.
func (h *Handlers) HandleFinishExtraction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.FinishExtraction(ctx, h.db, h.cfg, h.owner())
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleNextItem handles the receipt_next_item tool call.
func (h *Handlers) HandleNextItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.NextUnassigned(ctx, h.db, h.owner())
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleAssign handles the receipt_assign tool call.
func (h *Handlers) HandleAssign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AssignRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Assign(ctx, h.db, h.cfg, ops.AssignInput{Owner: h.owner(), Assignee: input.Assignee})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleAggregate handles the receipt_aggregate tool call.
func (h *Handlers) HandleAggregate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := ops.Calculate(ctx, h.db, h.cfg, h.owner())
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleReport handles the receipt_report tool call. Markdown reports are
// returned as plain text.
func (h *Handlers) HandleReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ReportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Report(ctx, h.db, h.cfg, ops.ReportInput{
		Owner:     h.owner(),
		SessionID: input.SessionID,
		Format:    input.Format,
	})
	if err != nil {
		return errorResult(err), nil
	}
	if result.Report == nil {
		return mcp.NewToolResultText(result.Markdown), nil
	}
	return successResult(result)
}

// HandleHistory handles the receipt_history tool call.
func (h *Handlers) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.History(ctx, h.db, h.cfg, ops.HistoryInput{
		Owner:  h.owner(),
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	rErr := errors.As(err)
	errorObj := map[string]any{
		"code":    rErr.Code,
		"message": rErr.Message,
		"status":  rErr.Status,
	}
	// Internal errors may carry file paths or SQL text
	if rErr.Code == errors.ErrInternal {
		errorObj["message"] = "an internal error occurred"
	} else if rErr.Details != nil {
		errorObj["details"] = rErr.Details
	}
	payload := map[string]any{"error": errorObj}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
