package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/ops"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
	Owner   string
	Nav     string // active nav item: "app", "history", "report"
}

// StepLink is one entry of the step navigation bar.
type StepLink struct {
	Step    receipt.Step
	Name    string
	Current bool
}

// AppPageData is the template data for the workflow page.
type AppPageData struct {
	PageData
	State    *ops.State
	Steps    []StepLink
	Intro    template.HTML
	MaxBytes int64
	Flash    string
}

// HistoryPageData is the template data for the session history page.
type HistoryPageData struct {
	PageData
	Items      []ops.SessionSummary
	Pagination ops.Pagination
	Currency   string
}

// ReportPageData is the template data for the settlement report page.
type ReportPageData struct {
	PageData
	SessionID    string
	RenderedHTML template.HTML
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Code       string
	Message    string
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string) *Renderer {
	funcMap := template.FuncMap{
		"add":        func(a, b int) int { return a + b },
		"sub":        func(a, b int) int { return a - b },
		"formatTime": formatTime,
		"money":      formatMoney,
		"stepIs":     func(s receipt.Step, name string) bool { return strings.EqualFold(s.String(), name) },
	}

	// Parse layout as the base template
	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"app":     "app.html",
		"history": "history.html",
		"report":  "report.html",
		"error":   "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	return &Renderer{
		templates: templates,
		version:   version,
	}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, req *http.Request, name string, data any) {
	r.renderPageStatus(w, req, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
// For HTMX requests, only the "content" block is rendered to avoid duplicating the layout.
func (r *Renderer) renderPageStatus(w http.ResponseWriter, req *http.Request, status int, name string, data any) {
	block := "layout"
	if isHTMX(req) {
		block = "content"
	}
	r.renderBlock(w, req, status, name, block, data)
}

// renderBlock renders a specific named block from a page template.
func (r *Renderer) renderBlock(w http.ResponseWriter, req *http.Request, status int, page, block string, data any) {
	logger := log.FromContext(req.Context())
	t, ok := r.templates[page]
	if !ok {
		logger.Error("template not found", "template", page)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, block, data); err != nil {
		logger.Error("template execution failed", "template", page, "block", block, log.FieldError, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error response with content negotiation.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	rErr := errors.As(err)
	status := rErr.Status
	message := rErr.Message

	logger := log.FromContext(req.Context())
	if status >= 500 {
		logger.ErrorContext(req.Context(), "request failed", log.FieldErrorCode, rErr.Code, log.FieldError, message)
	} else {
		logger.DebugContext(req.Context(), "request rejected", log.FieldErrorCode, rErr.Code, log.FieldError, message)
	}

	// HTMX request: return HTML fragment
	if isHTMX(req) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, `<div class="error-message" role="alert">%s</div>`, template.HTMLEscapeString(message))
		return
	}

	// JSON request
	if wantsJSON(req) {
		body := map[string]any{
			"code":    string(rErr.Code),
			"message": message,
			"status":  status,
		}
		if len(rErr.Details) > 0 {
			body["details"] = rErr.Details
		}
		renderJSON(w, status, map[string]any{"error": body})
		return
	}

	// Full error page
	r.renderPageStatus(w, req, status, "error", ErrorPageData{
		PageData: PageData{
			Title:   fmt.Sprintf("Error %d", status),
			Version: r.version,
		},
		StatusCode: status,
		Code:       string(rErr.Code),
		Message:    message,
	})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// renderMarkdown converts markdown text to HTML using goldmark.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

func isHTMX(req *http.Request) bool {
	return req != nil && req.Header.Get("HX-Request") == "true"
}

func wantsJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/json") || isJSONBody(req)
}

func isJSONBody(req *http.Request) bool {
	return strings.HasPrefix(req.Header.Get("Content-Type"), "application/json")
}

// formatTime formats a Unix timestamp as "2006-01-02 15:04" UTC.
func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04")
}

// formatMoney formats a decimal amount with two fraction digits.
func formatMoney(d decimal.Decimal) string {
	return receipt.FormatMoney(d)
}
