package mcp

// Tool names exposed by the bridge
const (
	ToolExecuteCommand        = "execute_command"
	ToolListSessions          = "list_sessions"
	ToolCreateSession         = "create_session"
	ToolDestroySession        = "destroy_session"
	ToolGetSessionStatus      = "get_session_status"
	ToolGetServerStatus       = "get_server_status"
	ToolGetExecutionStats     = "get_execution_stats"
	ToolGetCommandHistory     = "get_command_history"
	ToolGetCommandSuggestions = "get_command_suggestions"
	ToolCancelExecution       = "cancel_execution"
)

var serverSchema = map[string]any{
	"type":        "string",
	"description": "Configured server name; \"default\" selects the default server",
	"default":     "default",
}

func object(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// BridgeTools returns the tool catalogue served over MCP
func BridgeTools() []Tool {
	return []Tool{
		{
			Name:        ToolExecuteCommand,
			Description: "Run a shell command in the session bound to a server and return its output",
			InputSchema: object(map[string]any{
				"command":           map[string]any{"type": "string", "description": "Command to run"},
				"server":            serverSchema,
				"timeout":           map[string]any{"type": "number", "description": "Timeout in seconds", "default": 30},
				"working_directory": map[string]any{"type": "string", "description": "Directory to run the command in"},
				"priority": map[string]any{
					"type":    "string",
					"enum":    []string{"low", "normal", "high", "urgent"},
					"default": "normal",
				},
				"retry_count": map[string]any{"type": "integer", "description": "Retries after a failed or timed out attempt", "default": 0},
			}, "command"),
		},
		{
			Name:        ToolListSessions,
			Description: "List sessions on a server",
			InputSchema: object(map[string]any{"server": serverSchema}),
		},
		{
			Name:        ToolCreateSession,
			Description: "Create a session on a server",
			InputSchema: object(map[string]any{
				"server":            serverSchema,
				"session_name":      map[string]any{"type": "string", "description": "Name of the new session"},
				"working_directory": map[string]any{"type": "string", "description": "Initial working directory"},
			}, "session_name"),
		},
		{
			Name:        ToolDestroySession,
			Description: "Destroy a session",
			InputSchema: object(map[string]any{
				"server":     serverSchema,
				"session_id": map[string]any{"type": "string", "description": "Session name"},
			}, "session_id"),
		},
		{
			Name:        ToolGetSessionStatus,
			Description: "Describe one session",
			InputSchema: object(map[string]any{
				"server":     serverSchema,
				"session_id": map[string]any{"type": "string", "description": "Session name"},
			}, "session_id"),
		},
		{
			Name:        ToolGetServerStatus,
			Description: "Show configured servers and whether their sessions are reachable",
			InputSchema: object(map[string]any{}),
		},
		{
			Name:        ToolGetExecutionStats,
			Description: "Executor, queue and history statistics",
			InputSchema: object(map[string]any{}),
		},
		{
			Name:        ToolGetCommandHistory,
			Description: "Recent executions, newest first",
			InputSchema: object(map[string]any{
				"server": serverSchema,
				"limit":  map[string]any{"type": "integer", "default": 20},
			}),
		},
		{
			Name:        ToolGetCommandSuggestions,
			Description: "Previously run commands starting with a prefix",
			InputSchema: object(map[string]any{
				"server": serverSchema,
				"prefix": map[string]any{"type": "string"},
				"limit":  map[string]any{"type": "integer", "default": 10},
			}),
		},
		{
			Name:        ToolCancelExecution,
			Description: "Cancel a pending, running or retrying execution",
			InputSchema: object(map[string]any{
				"execution_id": map[string]any{"type": "string"},
			}, "execution_id"),
		},
	}
}
