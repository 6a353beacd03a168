package mcp

import "github.com/mark3labs/mcp-go/mcp"

// fileOptions are the two ways of addressing an extracted file. Exactly one
// of them must be given.
func fileOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("file_id", mcp.Description("Id of the extracted file (from receipt_state)")),
		mcp.WithString("filename", mcp.Description("Filename of the extracted file, alternative to file_id")),
	}
}

func withFile(name string, opts ...mcp.ToolOption) mcp.Tool {
	return mcp.NewTool(name, append(opts, fileOptions()...)...)
}

var itemsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"item":  map[string]any{"type": "string", "description": "Item name as printed on the receipt"},
		"price": map[string]any{"type": []string{"string", "number"}, "description": "Price after discounts, e.g. \"4.50\""},
	},
	"required": []string{"item", "price"},
}

var stateToolDef = mcp.NewTool("receipt_state",
	mcp.WithDescription("Return the current receipt-splitting session: step, files, current file drafts, progress, items to sort, buckets and the settlement. Creates a session on first use."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var navigateToolDef = mcp.NewTool("receipt_navigate",
	mcp.WithDescription("Move the session to another step (Intro, Upload, Extract, Sort, Aggregate or 0-4). Going back is always allowed; going forward requires the step's guard."),
	mcp.WithString("step", mcp.Required(), mcp.Description("Target step name or number")),
)

var restartToolDef = mcp.NewTool("receipt_restart",
	mcp.WithDescription("Mark the current session complete and start a new one at Intro. The old session stays in the history."),
	mcp.WithDestructiveHintAnnotation(false),
)

var uploadToolDef = mcp.NewTool("receipt_upload",
	mcp.WithDescription("Upload a local ZIP archive of receipt photos (JPEG/PNG) while at the Upload step. Replaces an earlier upload of the session (only while nothing is confirmed; otherwise restart first) and moves to Extract."),
	mcp.WithString("archive_path", mcp.Required(), mcp.Description("Path of the .zip file on this machine")),
	mcp.WithString("payer", mcp.Enum("a", "b", ""), mcp.Description("Who paid: a, b, or empty if unknown")),
)

var extractToolDef = withFile("receipt_extract",
	mcp.WithDescription("Read the line items of a pending file with the vision service and store them as unconfirmed drafts. Costs API credits."),
)

var saveDraftToolDef = withFile("receipt_save_draft",
	mcp.WithDescription("Replace the draft items of a pending file without confirming it."),
	mcp.WithArray("items", mcp.Required(), mcp.Items(itemsSchema), mcp.Description("Items of the receipt")),
)

var confirmToolDef = withFile("receipt_confirm",
	mcp.WithDescription("Replace the items of a file and confirm it. A confirmed file can be confirmed again to correct it until one of its items is assigned. Confirmed items are sorted in the Sort step."),
	mcp.WithArray("items", mcp.Required(), mcp.Items(itemsSchema), mcp.Description("Items of the receipt, may be empty")),
)

var skipToolDef = withFile("receipt_skip",
	mcp.WithDescription("Skip a pending file; its draft items are dropped."),
)

var finishToolDef = mcp.NewTool("receipt_finish_extraction",
	mcp.WithDescription("Leave the Extract step once every file is confirmed or skipped. Moves to Sort, or straight to Aggregate when no item was confirmed."),
)

var nextItemToolDef = mcp.NewTool("receipt_next_item",
	mcp.WithDescription("Return the next confirmed item to sort and the sorting progress."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var assignToolDef = mcp.NewTool("receipt_assign",
	mcp.WithDescription("Assign the next unsorted item to a, b or shared. Assigning the last item moves to Aggregate and calculates the settlement."),
	mcp.WithString("assignee", mcp.Required(), mcp.Enum("a", "b", "shared"), mcp.Description("Bucket for the item")),
)

var aggregateToolDef = mcp.NewTool("receipt_aggregate",
	mcp.WithDescription("Recalculate the settlement from the assigned items. Idempotent."),
	mcp.WithIdempotentHintAnnotation(true),
)

var reportToolDef = mcp.NewTool("receipt_report",
	mcp.WithDescription("Settlement report of the current or a past session: items per bucket, totals, transfer and API cost."),
	mcp.WithString("session_id", mcp.Description("Session id from receipt_history; default: the current session")),
	mcp.WithString("format", mcp.Enum("markdown", "json"), mcp.Description("Output format (default: markdown)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var historyToolDef = mcp.NewTool("receipt_history",
	mcp.WithDescription("List sessions newest first with their settlement."),
	mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default: 20, max: 100)")),
	mcp.WithNumber("offset", mcp.Description("Number of sessions to skip")),
	mcp.WithReadOnlyHintAnnotation(true),
)
