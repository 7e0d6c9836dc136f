package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/transport"
)

// Connection pairs a backend descriptor with an open MCP client. It is
// owned exclusively by the Manager and never persisted; the manager
// guarantees at most one Connection per backend ID.
type Connection struct {
	backendID string
	code      string
	resolved  *config.BackendConfig // placeholder-substituted snapshot
	kind      string

	mu         sync.RWMutex
	client     *client.Client
	serverInfo *mcp.InitializeResult
	logger     *zap.Logger
}

func newConnection(resolved *config.BackendConfig, bearerToken string, logger *zap.Logger) (*Connection, error) {
	mcpClient, kind, err := transport.NewClient(resolved, bearerToken)
	if err != nil {
		return nil, err
	}
	return &Connection{
		backendID: resolved.ID,
		code:      resolved.EffectiveCode(),
		resolved:  resolved,
		kind:      kind,
		client:    mcpClient,
		logger: logger.Named("connection").With(
			zap.String("backend", resolved.ID),
			zap.String("transport", kind)),
	}, nil
}

// connect starts the transport and performs the MCP initialize handshake.
func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpgate",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := c.client.Initialize(ctx, initRequest)
	if err != nil {
		c.client.Close()
		return fmt.Errorf("MCP initialize failed: %w", err)
	}
	c.serverInfo = serverInfo

	c.logger.Info("backend connected",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))
	return nil
}

// BackendID returns the owning backend's identifier.
func (c *Connection) BackendID() string { return c.backendID }

// Code returns the backend's wrapper-name component.
func (c *Connection) Code() string { return c.code }

// Kind returns the transport kind in use.
func (c *Connection) Kind() string { return c.kind }

// ServerInfo returns the initialize result, or nil before connect.
func (c *Connection) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools fetches the backend's current tool list. Backends that do not
// advertise the tools capability yield an empty list.
func (c *Connection) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	mcpClient := c.client
	serverInfo := c.serverInfo
	c.mu.RUnlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("connection closed")
	}
	if serverInfo != nil && serverInfo.Capabilities.Tools == nil {
		return nil, nil
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool by its original (unwrapped) name.
func (c *Connection) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	mcpClient := c.client
	c.mu.RUnlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("connection closed")
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = args
	return mcpClient.CallTool(ctx, request)
}

// Close tears down the transport. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
