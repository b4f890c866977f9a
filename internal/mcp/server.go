package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/profile"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"profile_list": {
		def:     listToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleList },
	},
	"profile_active": {
		def:     activeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleActive },
	},
	"profile_create": {
		def:     createToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCreate },
	},
	"profile_save": {
		def:     saveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSave },
	},
	"profile_delete": {
		def:     deleteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDelete },
	},
	"profile_rename": {
		def:     renameToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRename },
	},
	"profile_switch": {
		def:     switchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSwitch },
	},
	"profile_inspect": {
		def:     inspectToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleInspect },
	},
	"profile_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"profile_import": {
		def:     importToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleImport },
	},
}

// AllToolNames returns every tool name, sorted.
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

// NewServer creates an MCP server with the profile tools registered.
// Tools listed in cfg.DisabledTools are left out.
func NewServer(orch *profile.Orchestrator, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"daydream",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(orch, cfg)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves the tools over stdio until the client disconnects.
func Run(orch *profile.Orchestrator, cfg *config.Config, version string) error {
	s := NewServer(orch, cfg, version)
	return server.ServeStdio(s)
}
