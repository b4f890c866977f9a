package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/ops"
	"github.com/NightProxy/DayDream-sub000/internal/profile"
	"github.com/NightProxy/DayDream-sub000/internal/registry"
	"github.com/NightProxy/DayDream-sub000/internal/report"
	"github.com/NightProxy/DayDream-sub000/internal/state"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	orch *profile.Orchestrator
	cfg  *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(orch *profile.Orchestrator, cfg *config.Config) *Handlers {
	return &Handlers{orch: orch, cfg: cfg}
}

// Request types for each tool

// NameRequest is the argument shape of tools that take a single identity.
type NameRequest struct {
	Name string `json:"name"`
}

// CreateRequest represents the arguments for profile_create.
type CreateRequest struct {
	Name        string `json:"name"`
	FromCurrent bool   `json:"from_current,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// RenameRequest represents the arguments for profile_rename.
type RenameRequest struct {
	Name    string `json:"name"`
	NewName string `json:"new_name"`
}

// SwitchRequest represents the arguments for profile_switch.
type SwitchRequest struct {
	Name     string `json:"name"`
	SkipSave bool   `json:"skip_save,omitempty"`
	Create   bool   `json:"create,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// ExportRequest represents the arguments for profile_export.
type ExportRequest struct {
	Path  string   `json:"path,omitempty"`
	Names []string `json:"names,omitempty"`
}

// ImportRequest represents the arguments for profile_import.
type ImportRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// Output types

// IdentityItem is one entry of profile_list.
type IdentityItem struct {
	registry.Summary
	Active bool `json:"active"`
}

// ListOutput is the result of profile_list.
type ListOutput struct {
	Identities []IdentityItem `json:"identities"`
	Active     *string        `json:"active"`
	Count      int            `json:"count"`
	Max        int            `json:"max_profiles"`
}

// ActiveOutput is the result of profile_active.
type ActiveOutput struct {
	Active *string `json:"active"`
}

// CreateOutput is the result of profile_create.
type CreateOutput struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// SaveOutput is the result of profile_save.
type SaveOutput struct {
	Name   string        `json:"name"`
	Report state.Summary `json:"report"`
}

// InspectOutput is the result of profile_inspect.
type InspectOutput struct {
	Name       string         `json:"name,omitempty"`
	Live       bool           `json:"live"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
	Stats      report.Stats   `json:"stats"`
	Markdown   string         `json:"markdown"`
	Report     *state.Summary `json:"report,omitempty"`
}

// Handler implementations

// HandleList handles the profile_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := h.orch.List(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	active := h.orch.GetActive()
	items := make([]IdentityItem, len(list))
	for i, s := range list {
		items[i] = IdentityItem{Summary: s, Active: s.Name == active}
	}
	return successResult(ListOutput{
		Identities: items,
		Active:     optional(active),
		Count:      len(items),
		Max:        h.cfg.MaxProfiles,
	})
}

// HandleActive handles the profile_active tool call.
func (h *Handlers) HandleActive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(ActiveOutput{Active: optional(h.orch.GetActive())})
}

// HandleCreate handles the profile_create tool call.
func (h *Handlers) HandleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CreateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	id, err := h.orch.Create(ctx, input.Name, input.FromCurrent, createOptions(input.Force))
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(CreateOutput{
		Name:      id.Name,
		CreatedAt: id.CreatedAt,
		Active:    h.orch.GetActive() == id.Name,
	})
}

// HandleSave handles the profile_save tool call.
func (h *Handlers) HandleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, err := h.orch.Save(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(SaveOutput{Name: h.orch.GetActive(), Report: r.Summary()})
}

// HandleDelete handles the profile_delete tool call.
func (h *Handlers) HandleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[NameRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Name == "" {
		return errorResult(errors.NewInvalidRequest("name is required")), nil
	}

	if err := h.orch.Delete(ctx, input.Name); err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"deleted": input.Name})
}

// HandleRename handles the profile_rename tool call.
func (h *Handlers) HandleRename(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RenameRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if err := h.orch.Rename(ctx, input.Name, input.NewName); err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"name": input.NewName, "previous": input.Name})
}

// HandleSwitch handles the profile_switch tool call.
func (h *Handlers) HandleSwitch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SwitchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Name == "" {
		return errorResult(errors.NewInvalidRequest("name is required")), nil
	}

	res, err := h.orch.SwitchTo(ctx, input.Name, profile.SwitchOptions{
		SkipSavingCurrent: input.SkipSave,
		CreateMissing:     input.Create,
		Create:            createOptions(input.Force),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(res)
}

// HandleInspect handles the profile_inspect tool call.
func (h *Handlers) HandleInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[NameRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	snap, r, err := h.orch.Inspect(ctx, input.Name)
	if err != nil {
		return errorResult(err), nil
	}

	out := InspectOutput{
		Name:       input.Name,
		Live:       input.Name == "",
		SnapshotID: snap.ID,
		CapturedAt: snap.CapturedAt,
		Stats:      report.StatsOf(snap),
		Markdown:   report.Markdown(report.Input{Name: input.Name, Snapshot: snap, Report: r}),
	}
	if r != nil {
		sum := r.Summary()
		out.Report = &sum
	}
	return successResult(out)
}

// HandleExport handles the profile_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Export(ctx, h.orch.DB(), h.cfg, ops.ExportInput{Path: input.Path, Names: input.Names})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleImport handles the profile_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Import(ctx, h.orch.DB(), h.cfg, ops.ImportInput{Path: input.Path, Mode: ops.ImportMode(input.Mode)})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

func createOptions(force bool) registry.CreateOptions {
	if !force {
		return registry.CreateOptions{}
	}
	return registry.CreateOptions{Override: func(int, int) bool { return true }}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Details of internal errors are never exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var pErr *errors.ProfileError
	if stderrors.As(err, &pErr) {
		message := pErr.Message
		if err != error(pErr) && pErr.Code != errors.ErrInternal {
			// Keep the wrapper's context, e.g. "store app: ...".
			message = err.Error()
		}
		errorObj := map[string]any{
			"code":    pErr.Code,
			"message": message,
			"status":  pErr.Status,
		}
		if pErr.Code != errors.ErrInternal && pErr.Details != nil {
			errorObj["details"] = pErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
