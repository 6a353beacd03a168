package web

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/vision"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

//go:embed docs/intro.md
var introMarkdown string

// Deps are the collaborators of the web UI.
type Deps struct {
	DB        *sql.DB
	Config    *config.Config
	Extractor vision.Extractor
	DataDir   string
	Logger    *log.Logger
}

// NewServer creates and configures the HTTP server for the receipts web UI.
func NewServer(deps Deps, version, bind string, port int) (*http.Server, error) {
	// Create sub-FS for templates (strip "templates/" prefix)
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("template sub-FS: %w", err)
	}

	// Create sub-FS for static files (strip "static/" prefix)
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("static sub-FS: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	h := &Handlers{
		db:        deps.DB,
		cfg:       deps.Config,
		extractor: deps.Extractor,
		dataDir:   deps.DataDir,
		renderer:  NewRenderer(templateSub, version),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app", http.StatusFound)
	})
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticSub)))

	// Everything under /app acts on behalf of the authenticated owner.
	app := http.NewServeMux()
	h.routes(app)
	mux.Handle("/app", h.identity(app))
	mux.Handle("/app/", h.identity(app))

	handler := log.Middleware(logger)(securityHeaders(mux))

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// routes registers the workflow routes using Go 1.22+ pattern syntax.
func (h *Handlers) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /app", h.HandleApp)
	mux.HandleFunc("GET /app/state", h.HandleState)
	mux.HandleFunc("POST /app/step/{step}", h.HandleStep)
	mux.HandleFunc("POST /app/restart", h.HandleRestart)
	mux.HandleFunc("POST /app/upload", h.HandleUpload)
	mux.HandleFunc("GET /app/files/{id}/image", h.HandleImage)
	mux.HandleFunc("POST /app/files/{id}/extract", h.HandleExtract)
	mux.HandleFunc("POST /app/files/{id}/draft", h.HandleDraft)
	mux.HandleFunc("POST /app/files/{id}/confirm", h.HandleConfirm)
	mux.HandleFunc("POST /app/files/{id}/skip", h.HandleSkip)
	mux.HandleFunc("POST /app/extraction/finish", h.HandleFinish)
	mux.HandleFunc("POST /app/assign", h.HandleAssign)
	mux.HandleFunc("GET /app/report", h.HandleReport)
	mux.HandleFunc("GET /app/history", h.HandleHistory)
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'; img-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
func Run(srv *http.Server, logger *log.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("receipts UI running", "addr", "http://"+srv.Addr)

	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		logger.Warn("server is binding to all interfaces; make sure the identity proxy is in front of it")
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
