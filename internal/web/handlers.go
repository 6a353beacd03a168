package web

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SebastianBehrens/receipt-processor/internal/archive"
	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/ops"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
	"github.com/SebastianBehrens/receipt-processor/internal/vision"
)

// multipartMemory is the part of an upload kept in memory before spilling to disk.
const multipartMemory = 8 << 20

// Handlers contains HTTP route handlers for the web UI.
type Handlers struct {
	db        *sql.DB
	cfg       *config.Config
	extractor vision.Extractor
	dataDir   string
	renderer  *Renderer
}

type ownerKey struct{}

// identity resolves the owner from the proxy identity header. Without the
// header the request is rejected, unless anonymous access is allowed.
func (h *Handlers) identity(next http.Handler) http.Handler {
	header := h.cfg.RemoteUserHeader
	if header == "" {
		header = config.DefaultRemoteUserHeader
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(header))
		if owner == "" && h.cfg.AllowAnonymous {
			owner = h.cfg.DefaultOwner
		}
		if owner == "" {
			h.renderer.renderError(w, r, errors.NewUnauthenticated(header))
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		ctx = log.NewContext(ctx, log.FromContext(ctx).With(log.FieldOwner, owner))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (h *Handlers) page(r *http.Request, title, nav string) PageData {
	return PageData{
		Title:   title,
		Version: h.renderer.version,
		Owner:   ownerFrom(r),
		Nav:     nav,
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		renderJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": h.renderer.version})
}

// HandleApp handles GET /app: the workflow page for the current step.
func (h *Handlers) HandleApp(w http.ResponseWriter, r *http.Request) {
	h.renderApp(w, r, "")
}

func (h *Handlers) renderApp(w http.ResponseWriter, r *http.Request, flash string) {
	st, err := ops.GetState(r.Context(), h.db, h.cfg, ownerFrom(r))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	steps := make([]StepLink, 0, 5)
	for _, s := range receipt.AllSteps() {
		steps = append(steps, StepLink{Step: s, Name: s.String(), Current: s == st.CurrentStep})
	}
	data := AppPageData{
		PageData: h.page(r, st.StepName, "app"),
		State:    st,
		Steps:    steps,
		MaxBytes: h.cfg.MaxUploadBytes,
		Flash:    flash,
	}
	if st.CurrentStep == receipt.StepIntro {
		data.Intro = renderMarkdown(introMarkdown)
	}
	h.renderer.renderPage(w, r, "app", data)
}

// respond answers a workflow mutation: JSON clients get the operation result,
// htmx gets the re-rendered workflow content, and plain forms are redirected.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, result any, flash string) {
	switch {
	case wantsJSON(r):
		renderJSON(w, http.StatusOK, result)
	case isHTMX(r):
		h.renderApp(w, r, flash)
	default:
		http.Redirect(w, r, "/app", http.StatusSeeOther)
	}
}

// HandleState handles GET /app/state: the session snapshot as JSON.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	st, err := ops.GetState(r.Context(), h.db, h.cfg, ownerFrom(r))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, st)
}

// HandleStep handles POST /app/step/{step}: navigation between steps.
func (h *Handlers) HandleStep(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Navigate(r.Context(), h.db, h.cfg, ops.NavigateInput{
		Owner: ownerFrom(r),
		Step:  receipt.ParseStep(r.PathValue("step")),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.respond(w, r, out, out.Warning)
}

// HandleRestart handles POST /app/restart: abandon the session and start over.
func (h *Handlers) HandleRestart(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Restart(r.Context(), h.db, ownerFrom(r))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.respond(w, r, out, "")
}

// HandleUpload handles POST /app/upload: multipart form with "archive" and "payer".
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if limit := h.cfg.MaxUploadBytes; limit > 0 {
		// Leave room for the other form fields and multipart framing.
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			h.renderer.renderError(w, r, errors.NewArchiveTooLarge(h.cfg.MaxUploadBytes))
			return
		}
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("archive")
	if err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("archive file is required"))
		return
	}
	defer file.Close()

	out, err := ops.Upload(r.Context(), h.db, h.cfg, h.dataDir, ops.UploadInput{
		Owner:       ownerFrom(r),
		ArchiveName: header.Filename,
		Archive:     file,
		Size:        header.Size,
		Payer:       r.FormValue("payer"),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.respond(w, r, out, "")
}

// HandleImage handles GET /app/files/{id}/image: a receipt image of the
// caller's active session.
func (h *Handlers) HandleImage(w http.ResponseWriter, r *http.Request) {
	p, err := ops.ImagePath(r.Context(), h.db, h.dataDir, ops.ImagePathInput{
		Owner: ownerFrom(r),
		File:  ops.ParseFileRef(r.PathValue("id")),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	f, err := archive.OpenImage(p)
	if err != nil {
		h.renderer.renderError(w, r, errors.NewNotFound("image", r.PathValue("id")))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.renderer.renderError(w, r, errors.NewInternal(err))
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, filepath.Base(p), info.ModTime(), f)
}

// HandleExtract handles POST /app/files/{id}/extract: run the vision extraction.
func (h *Handlers) HandleExtract(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Extract(r.Context(), h.db, h.extractor, h.dataDir, ops.ExtractInput{
		Owner: ownerFrom(r),
		File:  ops.ParseFileRef(r.PathValue("id")),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	flash := ""
	if out.Placeholder {
		flash = "The reply could not be read. Enter the items manually."
	}
	h.respond(w, r, out, flash)
}

// HandleDraft handles POST /app/files/{id}/draft: save items without confirming.
func (h *Handlers) HandleDraft(w http.ResponseWriter, r *http.Request) {
	h.storeItems(w, r, ops.SaveDraft)
}

// HandleConfirm handles POST /app/files/{id}/confirm: confirm the file's items.
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	h.storeItems(w, r, ops.Confirm)
}

type itemsOp func(context.Context, *sql.DB, ops.ItemsInput) (*ops.ItemsOutput, error)

func (h *Handlers) storeItems(w http.ResponseWriter, r *http.Request, op itemsOp) {
	items, err := parseItems(r)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	out, err := op(r.Context(), h.db, ops.ItemsInput{
		Owner: ownerFrom(r),
		File:  ops.ParseFileRef(r.PathValue("id")),
		Items: items,
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.respond(w, r, out, "")
}

// HandleSkip handles POST /app/files/{id}/skip.
func (h *Handlers) HandleSkip(w http.ResponseWriter, r *http.Request) {
	out, err := ops.Skip(r.Context(), h.db, ops.SkipInput{
		Owner: ownerFrom(r),
		File:  ops.ParseFileRef(r.PathValue("id")),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.respond(w, r, out, "")
}

// HandleFinish handles POST /app/extraction/finish: leave the Extract step.
func (h *Handlers) HandleFinish(w http.ResponseWriter, r *http.Request) {
	out, err := ops.FinishExtraction(r.Context(), h.db, h.cfg, ownerFrom(r))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.respond(w, r, out, out.Warning)
}

// HandleAssign handles POST /app/assign: sort the next item into a bucket.
func (h *Handlers) HandleAssign(w http.ResponseWriter, r *http.Request) {
	var assignee string
	if isJSONBody(r) {
		var body struct {
			Assignee string `json:"assignee"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid JSON body"))
			return
		}
		assignee = body.Assignee
	} else {
		assignee = r.FormValue("assignee")
	}

	out, err := ops.Assign(r.Context(), h.db, h.cfg, ops.AssignInput{Owner: ownerFrom(r), Assignee: assignee})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if out.Completed {
		w.Header().Set("HX-Trigger", "sortingComplete")
	}
	h.respond(w, r, out, "")
}

// HandleReport handles GET /app/report: the settlement of the active or a past session.
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" && wantsJSON(r) {
		format = "json"
	}
	out, err := ops.Report(r.Context(), h.db, h.cfg, ops.ReportInput{
		Owner:     ownerFrom(r),
		SessionID: q.Get("session"),
		Format:    format,
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	switch {
	case out.Report != nil:
		renderJSON(w, http.StatusOK, out)
	case format == "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(out.Markdown))
	default:
		h.renderer.renderPage(w, r, "report", ReportPageData{
			PageData:     h.page(r, "Settlement", "report"),
			SessionID:    out.SessionID,
			RenderedHTML: renderMarkdown(out.Markdown),
		})
	}
}

// HandleHistory handles GET /app/history: the owner's sessions, newest first.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	out, err := ops.History(r.Context(), h.db, h.cfg, ops.HistoryInput{
		Owner:  ownerFrom(r),
		Limit:  parseIntParam(r, "limit", ops.DefaultHistoryLimit),
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, out)
		return
	}
	h.renderer.renderPage(w, r, "history", HistoryPageData{
		PageData:   h.page(r, "History", "history"),
		Items:      out.Items,
		Pagination: out.Pagination,
		Currency:   h.cfg.Currency,
	})
}

// parseItems reads draft items from a JSON body {"items": [{"item", "price"}]}
// or from repeated "name"/"price" form fields. Rows left fully blank in the
// form are dropped.
func parseItems(r *http.Request) ([]receipt.ItemDraft, error) {
	if isJSONBody(r) {
		var body struct {
			Items []receipt.ItemDraft `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, errors.NewInvalidRequest("invalid JSON body")
		}
		if body.Items == nil {
			body.Items = []receipt.ItemDraft{}
		}
		return body.Items, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, errors.NewInvalidRequest("invalid form data")
	}
	names, prices := r.PostForm["name"], r.PostForm["price"]
	if len(names) != len(prices) {
		return nil, errors.NewInvalidRequest("every item needs a name and a price")
	}
	items := make([]receipt.ItemDraft, 0, len(names))
	for i := range names {
		if strings.TrimSpace(names[i]) == "" && strings.TrimSpace(prices[i]) == "" {
			continue
		}
		items = append(items, receipt.ItemDraft{Name: names[i], Price: prices[i]})
	}
	return items, nil
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
