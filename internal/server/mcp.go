package server

import (
	"context"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/registry"
)

const (
	serverName    = "mcpgate"
	serverVersion = "1.0.0"
)

// scope is one logical view of the catalog: the default view or a
// profile-restricted one. Each scope owns its own MCP server instance and
// streamable HTTP wrapper; the registry keeps it in sync with the catalog.
type scope struct {
	name       string
	mcpServer  *mcpserver.MCPServer
	streamable *mcpserver.StreamableHTTPServer
}

// newScope builds an MCP server for a catalog view and attaches it to the
// registry. profileID is empty for the default scope.
func newScope(name, profileID string, reg *registry.Registry, sessions *SessionStore, filter registry.BackendFilter, logger *zap.Logger) *scope {
	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, sess mcpserver.ClientSession) {
		sessionID := sess.SessionID()

		var clientName, clientVersion string
		if withInfo, ok := sess.(mcpserver.SessionWithClientInfo); ok {
			info := withInfo.GetClientInfo()
			clientName = info.Name
			clientVersion = info.Version
		}

		sessions.SetSession(sessionID, clientName, clientVersion, profileID)
		logger.Info("client session opened",
			zap.String("session_id", sessionID),
			zap.String("client_name", clientName),
			zap.String("client_version", clientVersion),
			zap.String("profile", profileID),
		)
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, sess mcpserver.ClientSession) {
		sessions.RemoveSession(sess.SessionID())
	})

	srv := mcpserver.NewMCPServer(
		serverName,
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)

	reg.AttachServer(name, srv, filter)

	return &scope{
		name:       name,
		mcpServer:  srv,
		streamable: mcpserver.NewStreamableHTTPServer(srv),
	}
}
