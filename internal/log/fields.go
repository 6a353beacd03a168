package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldOwner      = "owner"
	FieldSession    = "session_id"
	FieldFile       = "file"
	FieldStep       = "step"
	FieldFromStep   = "from_step"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldClientIP   = "client_ip"
	FieldError      = "error"
	FieldErrorCode  = "error_code"
	FieldCost       = "cost"
	FieldItems      = "items"
	FieldAssignee   = "assignee"
	FieldTool       = "tool"
)

// Component names
const (
	ComponentApp      = "app"
	ComponentHTTP     = "http"
	ComponentWorkflow = "workflow"
	ComponentVision   = "vision"
	ComponentStorage  = "storage"
	ComponentMCP      = "mcp"
)
