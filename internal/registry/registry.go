// Package registry maintains the aggregated wrapper-tool catalog and
// mirrors it onto the gateway's MCP server instances.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/storage"
	"github.com/mcpgate/mcpgate-go/internal/upstream"
)

// BackendFilter limits a target MCP server to tools from a subset of
// backends. A nil filter admits everything.
type BackendFilter func(backendID string) bool

// target is one MCP server instance mirroring a slice of the catalog.
type target struct {
	srv        *server.MCPServer
	filter     BackendFilter
	registered map[string]struct{}
}

// Registry owns the wrapper-name catalog. It re-discovers tools when the
// connection manager signals a change and applies diff-based
// register/unregister to every attached MCP server.
type Registry struct {
	manager *upstream.Manager
	config  *config.Store
	storage *storage.BoltDB
	logger  *zap.Logger

	mu      sync.RWMutex
	tools   map[string]*upstream.ToolEntry
	targets map[string]*target

	statsMu sync.RWMutex
	onStats func(*config.CallStats)
}

// NewRegistry creates a registry. The bolt database is optional; without
// it only the configuration-store counters are recorded.
func NewRegistry(manager *upstream.Manager, cfg *config.Store, db *storage.BoltDB, logger *zap.Logger) *Registry {
	r := &Registry{
		manager: manager,
		config:  cfg,
		storage: db,
		logger:  logger.Named("registry"),
		tools:   make(map[string]*upstream.ToolEntry),
		targets: make(map[string]*target),
	}
	manager.OnToolsChanged(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.Refresh(ctx)
	})
	return r
}

// OnStatsUpdated registers the callback fired with a stats snapshot after
// every recorded call.
func (r *Registry) OnStatsUpdated(fn func(*config.CallStats)) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.onStats = fn
}

// AttachServer mirrors the current catalog onto an MCP server and keeps it
// in sync across future discovery passes. Attaching under an existing name
// replaces the previous target.
func (r *Registry) AttachServer(name string, srv *server.MCPServer, filter BackendFilter) {
	t := &target{srv: srv, filter: filter, registered: make(map[string]struct{})}

	r.mu.Lock()
	r.targets[name] = t
	r.syncTargetLocked(t)
	r.mu.Unlock()

	r.logger.Debug("server attached", zap.String("scope", name))
}

// DetachServer stops syncing a target. The server's registered tools are
// left in place since the instance is being torn down anyway.
func (r *Registry) DetachServer(name string) {
	r.mu.Lock()
	delete(r.targets, name)
	r.mu.Unlock()
}

// Refresh runs one discovery pass: pulls the aggregated catalog from the
// connection manager, swaps it in, and diffs every attached server against
// it.
func (r *Registry) Refresh(ctx context.Context) {
	entries := r.manager.DiscoverTools(ctx)

	next := make(map[string]*upstream.ToolEntry, len(entries))
	for _, e := range entries {
		next[e.WrapperName] = e
	}

	r.mu.Lock()
	r.tools = next
	for _, t := range r.targets {
		r.syncTargetLocked(t)
	}
	r.mu.Unlock()

	r.logger.Info("tool catalog refreshed", zap.Int("tools", len(next)))
}

// syncTargetLocked registers missing tools and deletes vanished ones on a
// single target. Caller holds r.mu.
func (r *Registry) syncTargetLocked(t *target) {
	want := make(map[string]*upstream.ToolEntry, len(r.tools))
	for name, e := range r.tools {
		if t.filter == nil || t.filter(e.BackendID) {
			want[name] = e
		}
	}

	var gone []string
	for name := range t.registered {
		if _, ok := want[name]; !ok {
			gone = append(gone, name)
			delete(t.registered, name)
		}
	}
	if len(gone) > 0 {
		t.srv.DeleteTools(gone...)
	}

	for name, e := range want {
		if _, ok := t.registered[name]; ok {
			continue
		}
		t.srv.AddTool(wrapperTool(e), r.handlerFor(name))
		t.registered[name] = struct{}{}
	}
}

// wrapperTool builds the MCP tool definition exposed under the wrapper
// name, carrying the backend's schema through unchanged.
func wrapperTool(e *upstream.ToolEntry) mcp.Tool {
	return mcp.Tool{
		Name:        e.WrapperName,
		Description: e.Description,
		InputSchema: e.InputSchema,
		Annotations: e.Annotations,
	}
}

// handlerFor returns the MCP handler dispatching a wrapper name. Lookup
// happens per call so a renamed or vanished tool fails cleanly.
func (r *Registry) handlerFor(wrapperName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return r.Dispatch(ctx, wrapperName, request.GetArguments())
	}
}

// Dispatch routes a wrapper-tool call to its backend connection and
// records usage on success. Failed calls are never counted.
func (r *Registry) Dispatch(ctx context.Context, wrapperName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	entry, ok := r.tools[wrapperName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", wrapperName)
	}

	started := time.Now()
	result, err := entry.Conn.CallTool(ctx, entry.OriginalName, args)
	if err != nil {
		r.logger.Warn("tool call failed",
			zap.String("tool", wrapperName),
			zap.String("backend", entry.BackendID),
			zap.Error(err))
		return nil, err
	}

	r.recordCall(entry, wrapperName, time.Since(started))
	return result, nil
}

func (r *Registry) recordCall(entry *upstream.ToolEntry, wrapperName string, duration time.Duration) {
	stats := r.config.RecordCall(entry.BackendID)

	if r.storage != nil {
		if err := r.storage.RecordToolCall(wrapperName, entry.BackendID, duration); err != nil {
			r.logger.Warn("failed to record tool call", zap.Error(err))
		}
	}

	r.statsMu.RLock()
	fn := r.onStats
	r.statsMu.RUnlock()
	if fn != nil && stats != nil {
		fn(stats)
	}
}

// Tools returns a snapshot of the current catalog.
func (r *Registry) Tools() []*upstream.ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*upstream.ToolEntry, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e)
	}
	return out
}

// Lookup resolves a wrapper name.
func (r *Registry) Lookup(wrapperName string) (*upstream.ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[wrapperName]
	return e, ok
}
