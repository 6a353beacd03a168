package mcp

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/vision"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"receipt_state": {
		def:     stateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleState },
	},
	"receipt_navigate": {
		def:     navigateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleNavigate },
	},
	"receipt_restart": {
		def:     restartToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRestart },
	},
	"receipt_upload": {
		def:     uploadToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleUpload },
	},
	"receipt_extract": {
		def:     extractToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExtract },
	},
	"receipt_save_draft": {
		def:     saveDraftToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSaveDraft },
	},
	"receipt_confirm": {
		def:     confirmToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleConfirm },
	},
	"receipt_skip": {
		def:     skipToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSkip },
	},
	"receipt_finish_extraction": {
		def:     finishToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFinishExtraction },
	},
	"receipt_next_item": {
		def:     nextItemToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleNextItem },
	},
	"receipt_assign": {
		def:     assignToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAssign },
	},
	"receipt_aggregate": {
		def:     aggregateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAggregate },
	},
	"receipt_report": {
		def:     reportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReport },
	},
	"receipt_history": {
		def:     historyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistory },
	},
}

// AllToolNames returns all valid tool names, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with the receipt tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(db *sql.DB, cfg *config.Config, extractor vision.Extractor, dataDir, version string, logger *log.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"receipts",
		version,
		server.WithToolCapabilities(true),
	)

	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentMCP)
	h := NewHandlers(db, cfg, extractor, dataDir)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, withLogging(logger, name, entry.handler(h)))
	}

	return s
}

// withLogging attaches the logger to the call context and records each call.
func withLogging(logger *log.Logger, name string, next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		ctx = log.NewContext(ctx, logger.With(log.FieldTool, name))
		res, err := next(ctx, req)
		failed := err != nil || (res != nil && res.IsError)
		logger.DebugContext(ctx, "tool call",
			log.FieldTool, name,
			log.FieldDuration, time.Since(start).Milliseconds(),
			"failed", failed,
		)
		return res, err
	}
}

// Run starts the MCP server using stdio transport.
func Run(db *sql.DB, cfg *config.Config, extractor vision.Extractor, dataDir, version string, logger *log.Logger) error {
	s := NewServer(db, cfg, extractor, dataDir, version, logger)
	return server.ServeStdio(s)
}
