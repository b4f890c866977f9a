package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/db"
	"github.com/NightProxy/DayDream-sub000/internal/logger"
	"github.com/NightProxy/DayDream-sub000/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"list": true, "active": true, "create": true, "save": true,
	"delete": true, "rename": true, "switch": true,
	"capture": true, "clear": true, "inspect": true,
	"export": true, "import": true, "emergency-save": true, "web": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   ___               ___
  |   \ __ _ _  _   |   \ _ _ ___ __ _ _ __
  | |) / _' | || |  | |) | '_/ -_) _' | '  \
  |___/\__,_|\_, |  |___/|_| \___\__,_|_|_|_|
             |__/

  Identity snapshots for browser state

  Usage: daydream <command> [options]
         daydream --help

  MCP server mode requires piped input.`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before any setup
	if isHelpOrVersion() {
		app := newCLIApp(nil, nil)
		if err := app.Run(os.Args); err != nil {
			fatalf("%v", err)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if !isCLIMode() && len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'daydream --help' for usage.\n")
		os.Exit(1)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fatalf("could not determine home directory: %v", err)
	}
	baseDir := filepath.Join(homeDir, ".daydream")

	cwd, err := os.Getwd()
	if err != nil {
		cwd = baseDir
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		fatalf("unknown tools in disabled_tools: %v", unknown)
	}

	logger.Init(cfg.LogLevel)
	if err := logger.AddFileLogger(baseDir); err != nil {
		logger.Logger.Warn().Err(err).Msg("file logging disabled")
	}
	log := logger.Logger

	database, err := db.Init(baseDir)
	if err != nil {
		fatalf("failed to initialize database: %v", err)
	}
	defer database.Close()
	db.ConfigurePool(database, cfg)

	ctx := context.Background()

	live, err := openLive(ctx, baseDir, cfg, log)
	if err != nil {
		fatalf("failed to open %s backend: %v", cfg.Backend, err)
	}
	if live.Close != nil {
		defer func() {
			if err := live.Close(); err != nil {
				log.Warn().Err(err).Msg("closing live backend")
			}
		}()
	}

	orch, err := newOrchestrator(ctx, database, live, cfg, log)
	if err != nil {
		fatalf("failed to restore active identity: %v", err)
	}

	if isCLIMode() {
		app := newCLIApp(orch, cfg)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// MCP server mode (default)
	serveErr := mcp.Run(orch, cfg, Version)
	if orch.EmergencySave(ctx) {
		log.Info().Str("identity", orch.GetActive()).Msg("emergency backup written on shutdown")
	}
	if serveErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", serveErr)
		os.Exit(1)
	}
}
