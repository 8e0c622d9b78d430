package bridge

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
	"github.com/hochfrequenz/cursor-bridge/internal/mcp"
)

const (
	defaultHistoryLimit    = 20
	defaultSuggestionLimit = 10
)

// CallTool implements mcp.Handler
func (b *Bridge) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	a := toolArgs(args)

	switch name {
	case mcp.ToolExecuteCommand:
		req, err := a.executeRequest()
		if err != nil {
			return nil, err
		}
		return b.Execute(ctx, req), nil

	case mcp.ToolListSessions:
		return b.ListSessions(ctx, a.str("server"))

	case mcp.ToolCreateSession:
		return b.CreateSession(ctx, a.str("server"), a.str("session_name"), a.str("working_directory"))

	case mcp.ToolDestroySession:
		return b.DestroySession(ctx, a.str("server"), a.str("session_id"))

	case mcp.ToolGetSessionStatus:
		return b.SessionStatus(ctx, a.str("server"), a.str("session_id"))

	case mcp.ToolGetServerStatus:
		return b.ServerStatus(ctx), nil

	case mcp.ToolGetExecutionStats:
		return b.ExecutionStats(ctx)

	case mcp.ToolGetCommandHistory:
		limit, err := a.integer("limit", defaultHistoryLimit)
		if err != nil {
			return nil, err
		}
		return b.History(ctx, a.str("server"), limit)

	case mcp.ToolGetCommandSuggestions:
		limit, err := a.integer("limit", defaultSuggestionLimit)
		if err != nil {
			return nil, err
		}
		return b.Suggestions(ctx, a.str("server"), a.str("prefix"), limit)

	case mcp.ToolCancelExecution:
		return b.Cancel(a.str("execution_id"))
	}
	return nil, &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "unknown tool: " + name}
}

type toolArgs map[string]any

func invalidArg(key string, v any) error {
	return &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: fmt.Sprintf("invalid value for '%s': %v", key, v)}
}

func (a toolArgs) str(key string) string {
	v, _ := a[key].(string)
	return v
}

func (a toolArgs) number(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		if n == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, invalidArg(key, v)
		}
		return f, nil
	}
	return 0, invalidArg(key, v)
}

func (a toolArgs) integer(key string, def int) (int, error) {
	f, err := a.number(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, invalidArg(key, a[key])
	}
	return int(f), nil
}

func (a toolArgs) executeRequest() (ExecuteRequest, error) {
	req := ExecuteRequest{
		Server:           a.str("server"),
		Command:          a.str("command"),
		WorkingDirectory: a.str("working_directory"),
	}

	seconds, err := a.number("timeout", 0)
	if err != nil {
		return req, err
	}
	if seconds < 0 {
		return req, invalidArg("timeout", a["timeout"])
	}
	req.Timeout = time.Duration(seconds * float64(time.Second))

	if req.RetryCount, err = a.integer("retry_count", 0); err != nil {
		return req, err
	}

	if p := a.str("priority"); p != "" {
		if req.Priority, err = execution.ParsePriority(p); err != nil {
			return req, invalidArg("priority", p)
		}
	}
	return req, nil
}
