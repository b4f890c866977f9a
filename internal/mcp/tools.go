package mcp

import "github.com/mark3labs/mcp-go/mcp"

var listToolDef = mcp.NewTool("profile_list",
	mcp.WithDescription("List stored identities in creation order, with the active one marked."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var activeToolDef = mcp.NewTool("profile_active",
	mcp.WithDescription("Return the name of the active identity, or null when none is active."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var createToolDef = mcp.NewTool("profile_create",
	mcp.WithDescription("Register a new identity. It starts empty unless from_current is set. "+
		"If no identity is active the new one becomes active."),
	mcp.WithString("name", mcp.Required(), mcp.Description("Identity name (1-128 characters, case-sensitive)")),
	mcp.WithBoolean("from_current", mcp.Description("Seed the identity with the current live state")),
	mcp.WithBoolean("force", mcp.Description("Create even when the identity limit is reached")),
)

var saveToolDef = mcp.NewTool("profile_save",
	mcp.WithDescription("Capture live state into the active identity."),
)

var deleteToolDef = mcp.NewTool("profile_delete",
	mcp.WithDescription("Delete a stored identity. The active identity cannot be deleted."),
	mcp.WithString("name", mcp.Required(), mcp.Description("Identity to delete")),
	mcp.WithDestructiveHintAnnotation(true),
)

var renameToolDef = mcp.NewTool("profile_rename",
	mcp.WithDescription("Rename an identity. The active pointer follows the rename."),
	mcp.WithString("name", mcp.Required(), mcp.Description("Current name")),
	mcp.WithString("new_name", mcp.Required(), mcp.Description("New name")),
)

var switchToolDef = mcp.NewTool("profile_switch",
	mcp.WithDescription("Make an identity active: save the outgoing identity, clear live state, "+
		"then load the target's snapshot."),
	mcp.WithString("name", mcp.Required(), mcp.Description("Identity to switch to")),
	mcp.WithBoolean("skip_save", mcp.Description("Discard the outgoing identity's unsaved changes")),
	mcp.WithBoolean("create", mcp.Description("Create the target with an empty snapshot if it does not exist")),
	mcp.WithBoolean("force", mcp.Description("With create: ignore the identity limit")),
	mcp.WithDestructiveHintAnnotation(true),
)

var inspectToolDef = mcp.NewTool("profile_inspect",
	mcp.WithDescription("Summarize a stored identity's snapshot, or the live state when name is omitted. "+
		"Keys are listed; values are not returned."),
	mcp.WithString("name", mcp.Description("Identity to inspect (default: live state)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var exportToolDef = mcp.NewTool("profile_export",
	mcp.WithDescription("Write identities to a JSONL file under ~/.daydream/exports or an allowed path."),
	mcp.WithString("path", mcp.Description("Destination .jsonl file (default: generated in ~/.daydream/exports)")),
	mcp.WithArray("names", mcp.Description("Identities to export (default: all)"), mcp.Items(map[string]any{"type": "string"})),
)

var importToolDef = mcp.NewTool("profile_import",
	mcp.WithDescription("Load identities from a JSONL export file."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Source .jsonl file")),
	mcp.WithString("mode", mcp.Description("Collision handling (default: error)"), mcp.Enum("error", "replace", "rename")),
)
