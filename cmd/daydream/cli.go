package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/logger"
	"github.com/NightProxy/DayDream-sub000/internal/ops"
	"github.com/NightProxy/DayDream-sub000/internal/profile"
	"github.com/NightProxy/DayDream-sub000/internal/registry"
	"github.com/NightProxy/DayDream-sub000/internal/report"
	"github.com/NightProxy/DayDream-sub000/internal/snapshot"
	"github.com/NightProxy/DayDream-sub000/internal/state"
	"github.com/NightProxy/DayDream-sub000/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(orch *profile.Orchestrator, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "daydream",
		Usage:   "Identity snapshots for browser state",
		Version: Version,
		Commands: []*cli.Command{
			listCmd(orch, cfg),
			activeCmd(orch),
			createCmd(orch),
			saveCmd(orch),
			deleteCmd(orch),
			renameCmd(orch),
			switchCmd(orch),
			captureCmd(orch),
			clearCmd(orch),
			inspectCmd(orch),
			exportCmd(orch, cfg),
			importCmd(orch, cfg),
			emergencySaveCmd(orch),
			webCmd(orch, cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

type listItem struct {
	registry.Summary
	Active bool `json:"active"`
}

type listOutput struct {
	Identities []listItem `json:"identities"`
	Active     string     `json:"active,omitempty"`
	Count      int        `json:"count"`
	Max        int        `json:"max_profiles"`
}

// listCmd creates the list command.
func listCmd(orch *profile.Orchestrator, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List identities in creation order",
		Action: func(c *cli.Context) error {
			list, err := orch.List(c.Context)
			if err != nil {
				return outputError(err)
			}
			active := orch.GetActive()
			items := make([]listItem, len(list))
			for i, s := range list {
				items[i] = listItem{Summary: s, Active: s.Name == active}
			}
			return outputJSON(listOutput{
				Identities: items,
				Active:     active,
				Count:      len(items),
				Max:        cfg.MaxProfiles,
			})
		},
	}
}

// activeCmd creates the active command.
func activeCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:  "active",
		Usage: "Print the active identity",
		Action: func(c *cli.Context) error {
			var active *string
			if name := orch.GetActive(); name != "" {
				active = &name
			}
			return outputJSON(map[string]any{"active": active})
		},
	}
}

// createCmd creates the create command.
func createCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Register a new identity",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "from-current", Aliases: []string{"c"}, Usage: "Seed the identity with the current live state"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Create even when the identity limit is reached"},
		},
		Action: func(c *cli.Context) error {
			name, err := requireArgs(c, 1)
			if err != nil {
				return outputError(err)
			}

			id, err := orch.Create(c.Context, name[0], c.Bool("from-current"), createOptions(c.Bool("force")))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"name":       id.Name,
				"created_at": id.CreatedAt,
				"active":     orch.GetActive() == id.Name,
			})
		},
	}
}

// saveCmd creates the save command.
func saveCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:  "save",
		Usage: "Capture live state into the active identity",
		Action: func(c *cli.Context) error {
			r, err := orch.Save(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"name": orch.GetActive(), "report": r.Summary()})
		},
	}
}

// deleteCmd creates the delete command.
func deleteCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a stored identity (not the active one)",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			name, err := requireArgs(c, 1)
			if err != nil {
				return outputError(err)
			}
			if err := orch.Delete(c.Context, name[0]); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"deleted": name[0]})
		},
	}
}

// renameCmd creates the rename command.
func renameCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:      "rename",
		Usage:     "Rename an identity",
		ArgsUsage: "OLD NEW",
		Action: func(c *cli.Context) error {
			names, err := requireArgs(c, 2)
			if err != nil {
				return outputError(err)
			}
			if err := orch.Rename(c.Context, names[0], names[1]); err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"name": names[1], "previous": names[0]})
		},
	}
}

// switchCmd creates the switch command.
func switchCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:      "switch",
		Usage:     "Save the active identity and load another",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "skip-save", Usage: "Discard the outgoing identity's unsaved changes"},
			&cli.BoolFlag{Name: "create", Usage: "Create the target with an empty snapshot if missing"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "With --create: ignore the identity limit"},
		},
		Action: func(c *cli.Context) error {
			name, err := requireArgs(c, 1)
			if err != nil {
				return outputError(err)
			}

			res, err := orch.SwitchTo(c.Context, name[0], profile.SwitchOptions{
				SkipSavingCurrent: c.Bool("skip-save"),
				CreateMissing:     c.Bool("create"),
				Create:            createOptions(c.Bool("force")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(res)
		},
	}
}

// captureCmd creates the capture command.
func captureCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Print a snapshot of the live state, values included",
		Action: func(c *cli.Context) error {
			snap, r, err := orch.Inspect(c.Context, "")
			if err != nil {
				return outputError(err)
			}
			for _, issue := range r.Issues() {
				fmt.Fprintf(os.Stderr, "%s: %s\n", issue.Level, issue.Message)
			}
			data, err := snapshot.Encode(snap)
			if err != nil {
				return outputError(err)
			}
			var v json.RawMessage = data
			return outputJSON(v)
		},
	}
}

// clearCmd creates the clear command.
func clearCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Empty live state and deactivate the current identity without saving",
		Action: func(c *cli.Context) error {
			r, err := orch.Clear(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"cleared": true, "report": r.Summary()})
		},
	}
}

type inspectOutput struct {
	Name       string         `json:"name,omitempty"`
	Live       bool           `json:"live"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
	Stats      report.Stats   `json:"stats"`
	Report     *state.Summary `json:"report,omitempty"`
}

// inspectCmd creates the inspect command.
func inspectCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a stored identity, or live state when NAME is omitted",
		ArgsUsage: "[NAME]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "json", Usage: "Output format: json|markdown|html"},
		},
		Action: func(c *cli.Context) error {
			format := c.String("format")
			switch format {
			case "json", "markdown", "md", "html":
			default:
				return outputError(errors.NewInvalidRequest("format must be json, markdown or html"))
			}

			name := c.Args().First()
			snap, r, err := orch.Inspect(c.Context, name)
			if err != nil {
				return outputError(err)
			}
			in := report.Input{Name: name, Snapshot: snap, Report: r}

			switch format {
			case "markdown", "md":
				_, err := fmt.Fprint(os.Stdout, report.Markdown(in))
				return err
			case "html":
				page, err := report.HTML(in)
				if err != nil {
					return outputError(err)
				}
				_, err = os.Stdout.Write(page)
				return err
			}

			out := inspectOutput{
				Name:       name,
				Live:       name == "",
				SnapshotID: snap.ID,
				CapturedAt: snap.CapturedAt,
				Stats:      report.StatsOf(snap),
			}
			if r != nil {
				sum := r.Summary()
				out.Report = &sum
			}
			return outputJSON(out)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(orch *profile.Orchestrator, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export identities to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.daydream/exports/<name>-<timestamp>.jsonl)"},
			&cli.StringSliceFlag{Name: "name", Aliases: []string{"n"}, Usage: "Identity to export (repeatable, default: all)"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Export(c.Context, orch.DB(), cfg, ops.ExportInput{
				Path:  c.String("path"),
				Names: c.StringSlice("name"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// importCmd creates the import command.
func importCmd(orch *profile.Orchestrator, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import identities from a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Import file path"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|replace|rename"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Import(c.Context, orch.DB(), cfg, ops.ImportInput{
				Path: c.String("path"),
				Mode: ops.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// emergencySaveCmd creates the emergency-save command.
func emergencySaveCmd(orch *profile.Orchestrator) *cli.Command {
	return &cli.Command{
		Name:  "emergency-save",
		Usage: "Write a backup of the active identity's flat and pair state into live state",
		Action: func(c *cli.Context) error {
			active := orch.GetActive()
			if active == "" {
				return outputError(errors.NewInvalidRequest("no identity is active"))
			}
			if !orch.EmergencySave(c.Context) {
				return outputError(errors.NewInternal(fmt.Errorf("emergency save of %q failed", active)))
			}
			return outputJSON(map[string]any{"saved": active})
		},
	}
}

// webCmd creates the web command.
func webCmd(orch *profile.Orchestrator, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "Serve a local viewer for stored identities",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Value: 7787, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			srv, err := web.NewServer(orch, cfg.MaxProfiles, Version, c.String("bind"), c.Int("port"), logger.Logger)
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			if err := web.Run(srv, logger.Logger); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// Helper functions

// requireArgs returns exactly n positional arguments.
func requireArgs(c *cli.Context, n int) ([]string, error) {
	if c.NArg() != n {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("%s expects %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage))
	}
	return c.Args().Slice(), nil
}

func createOptions(force bool) registry.CreateOptions {
	if !force {
		return registry.CreateOptions{}
	}
	return registry.CreateOptions{Override: func(int, int) bool { return true }}
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI. Internal details are not printed.
func outputError(err error) error {
	var pErr *errors.ProfileError
	if stderrors.As(err, &pErr) {
		message := pErr.Message
		if err != error(pErr) && pErr.Code != errors.ErrInternal {
			message = err.Error()
		}
		return cli.Exit(fmt.Sprintf("[%s] %s", pErr.Code, message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
