package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
	"github.com/NightProxy/DayDream-sub000/internal/backend/browser"
	"github.com/NightProxy/DayDream-sub000/internal/backend/memory"
	"github.com/NightProxy/DayDream-sub000/internal/backend/sqlite"
	"github.com/NightProxy/DayDream-sub000/internal/config"
	"github.com/NightProxy/DayDream-sub000/internal/db"
	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/profile"
	"github.com/NightProxy/DayDream-sub000/internal/registry"
	"github.com/NightProxy/DayDream-sub000/internal/state"
)

// openLive opens the live environment selected by cfg.Backend.
func openLive(ctx context.Context, baseDir string, cfg *config.Config, log zerolog.Logger) (backend.Live, error) {
	switch cfg.Backend {
	case "", config.BackendSQLite:
		l, err := sqlite.Open(baseDir)
		if err != nil {
			return backend.Live{}, fmt.Errorf("open live store: %w", err)
		}
		db.ConfigurePool(l.DB(), cfg)
		return l.Backend(), nil
	case config.BackendBrowser:
		env, err := browser.Open(ctx, browser.Config{
			ControlURL: cfg.BrowserControlURL,
			PageURL:    cfg.BrowserPageURL,
			Stealth:    cfg.BrowserStealth,
			Logger:     log,
		})
		if err != nil {
			return backend.Live{}, err
		}
		return env.Backend(), nil
	case config.BackendMemory:
		return memory.NewLive(), nil
	default:
		return backend.Live{}, errors.NewInvalidRequest(fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}

// newOrchestrator wires the registry and state manager around live.
func newOrchestrator(ctx context.Context, database *sql.DB, live backend.Live, cfg *config.Config, log zerolog.Logger) (*profile.Orchestrator, error) {
	reg := registry.New(database, cfg, log)
	mgr := state.NewManager(live, state.OptionsFromConfig(cfg), log)
	return profile.Open(ctx, reg, mgr, log)
}
