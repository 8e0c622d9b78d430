package bridge

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/cursor-bridge/internal/mcp"
)

const (
	ResourceServerStatus = "cursor-bridge://server-status"
	ResourceConfig       = "cursor-bridge://config"
)

// ListResources implements mcp.ResourceProvider
func (b *Bridge) ListResources() []mcp.Resource {
	return []mcp.Resource{
		{
			URI:         ResourceServerStatus,
			Name:        "Server Status",
			Description: "Connection status of every configured server and the executor queue",
			MimeType:    "application/json",
		},
		{
			URI:         ResourceConfig,
			Name:        "Configuration",
			Description: "Configured servers with their backend type and session",
			MimeType:    "application/json",
		},
	}
}

// ReadResource implements mcp.ResourceProvider
func (b *Bridge) ReadResource(ctx context.Context, uri string) (any, error) {
	switch uri {
	case ResourceServerStatus:
		return b.ServerStatus(ctx), nil
	case ResourceConfig:
		return b.configSummary(), nil
	}
	return nil, fmt.Errorf("%w: %s", mcp.ErrUnknownResource, uri)
}

func (b *Bridge) configSummary() map[string]any {
	servers := make(map[string]any, len(b.servers))
	for name, srv := range b.servers {
		entry := map[string]any{
			"type":        srv.Type,
			"description": srv.Description,
		}
		if binding, ok := b.registry.ForServer(name); ok {
			entry["session"] = binding.Session
			if binding.Window != "" {
				entry["window"] = binding.Window
			}
		}
		servers[name] = entry
	}
	return map[string]any{
		"default_server": b.defaultServer,
		"servers":        servers,
	}
}
