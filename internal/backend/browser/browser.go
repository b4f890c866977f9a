// Package browser drives a real Chromium page through Rod and exposes its
// localStorage, sessionStorage and IndexedDB as the live environment.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"

	"github.com/NightProxy/DayDream-sub000/internal/backend"
)

// Config configures the browser environment.
type Config struct {
	// ControlURL is the DevTools WebSocket URL of a running browser.
	// Empty launches a local headless browser.
	ControlURL string

	// PageURL is the origin whose storage is managed. Required.
	PageURL string

	// Stealth masks automation fingerprints on the managed page.
	Stealth bool

	// NavigateTimeout bounds the initial navigation. Default: 30s.
	NavigateTimeout time.Duration

	Logger zerolog.Logger
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
}

// Env is one managed page and the browser behind it.
type Env struct {
	cfg     Config
	browser *rod.Browser
	page    *rod.Page
	lnch    *launcher.Launcher

	mu     sync.Mutex
	nextID int
}

// Open connects to (or launches) a browser and opens cfg.PageURL.
func Open(ctx context.Context, cfg Config) (*Env, error) {
	cfg.defaults()
	if cfg.PageURL == "" {
		return nil, fmt.Errorf("browser: page URL is required")
	}
	log := cfg.Logger

	e := &Env{cfg: cfg}
	wsURL := cfg.ControlURL
	if wsURL == "" {
		l := launcher.New().Headless(true)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		e.lnch = l
		log.Info().Str("url", wsURL).Msg("browser: launched local chrome")
	} else {
		log.Info().Str("url", wsURL).Msg("browser: connecting to remote")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		e.cleanupLauncher()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	e.browser = b

	var (
		page *rod.Page
		err  error
	)
	if cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	e.page = page

	navCtx, cancel := context.WithTimeout(ctx, cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(cfg.PageURL); err != nil {
		e.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", cfg.PageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn().Str("url", cfg.PageURL).Err(err).Msg("browser: wait load timeout")
	}
	if _, err := page.Context(ctx).Eval(installScript); err != nil {
		e.Close()
		return nil, fmt.Errorf("browser: install helpers: %w", err)
	}

	return e, nil
}

// Backend returns the three live backends of the managed page.
func (e *Env) Backend() backend.Live {
	return backend.Live{
		Flat:       &Storage{env: e, area: "localStorage"},
		Pair:       &Storage{env: e, area: "sessionStorage"},
		Structured: &IndexedDB{env: e},
		Close:      e.Close,
	}
}

// Close closes the page, and the browser when it was launched locally.
func (e *Env) Close() error {
	var errs []error
	if e.page != nil {
		if err := e.page.Close(); err != nil {
			errs = append(errs, err)
		}
		e.page = nil
	}
	if e.lnch != nil && e.browser != nil {
		if err := e.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.cleanupLauncher()
	return errors.Join(errs...)
}

func (e *Env) cleanupLauncher() {
	if e.lnch != nil {
		e.lnch.Cleanup()
		e.lnch = nil
	}
}

func (e *Env) handleID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}

// call evaluates js on the page. Scripts answer with a JSON envelope string.
func (e *Env) call(ctx context.Context, js string, out any, args ...any) error {
	if e.page == nil {
		return fmt.Errorf("browser: environment closed")
	}
	res, err := e.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return fmt.Errorf("browser: eval: %w", err)
	}
	return decodeEnvelope(res.Value.Str(), out)
}

type envelope struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Blocked bool            `json:"blocked,omitempty"`
	Missing bool            `json:"missing,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// decodeEnvelope maps a script reply onto out and the backend sentinels.
func decodeEnvelope(raw string, out any) error {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("browser: bad script reply: %w", err)
	}
	switch {
	case env.Missing:
		return backend.ErrNoSuchStore
	case env.Blocked:
		return backend.ErrDeleteBlocked
	case !env.OK:
		return fmt.Errorf("browser: %s", env.Error)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("browser: decode reply data: %w", err)
	}
	return nil
}
