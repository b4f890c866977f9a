package web

import (
	"net/http"

	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/profile"
	"github.com/NightProxy/DayDream-sub000/internal/report"
)

// Handlers contains HTTP route handlers for the identity viewer.
type Handlers struct {
	orch        *profile.Orchestrator
	maxProfiles int
	renderer    *Renderer
}

// HandleList handles GET /identities.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.orch.List(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	active := h.orch.GetActive()
	rows := make([]IdentityRow, len(list))
	for i, s := range list {
		rows[i] = IdentityRow{
			Name:       s.Name,
			SnapshotID: s.SnapshotID,
			CreatedAt:  s.CreatedAt,
			UpdatedAt:  s.UpdatedAt,
			Active:     s.Name == active,
		}
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{
			"identities":   list,
			"active":       active,
			"count":        len(list),
			"max_profiles": h.maxProfiles,
		})
		return
	}

	h.renderer.renderPage(w, r, "list", ListPageData{
		PageData: PageData{
			Title:   "Identities",
			Version: h.renderer.version,
			Nav:     "identities",
		},
		Items:  rows,
		Active: active,
		Count:  len(rows),
		Max:    h.maxProfiles,
	})
}

// HandleDetail handles GET /identities/{name}: the stored snapshot summary.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("identity name is required"))
		return
	}
	h.renderSummary(w, r, name)
}

// HandleLive handles GET /live: a summary of what is live right now.
// Nothing is saved.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.renderSummary(w, r, "")
}

func (h *Handlers) renderSummary(w http.ResponseWriter, r *http.Request, name string) {
	snap, rep, err := h.orch.Inspect(r.Context(), name)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	in := report.Input{Name: name, Snapshot: snap, Report: rep}
	stats := report.StatsOf(snap)

	if wantsJSON(r) {
		out := map[string]any{
			"name":        name,
			"live":        name == "",
			"snapshot_id": snap.ID,
			"stats":       stats,
		}
		if rep != nil {
			out["report"] = rep.Summary()
		}
		renderJSON(w, http.StatusOK, out)
		return
	}

	rendered, err := report.Fragment(in)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	active := name != "" && name == h.orch.GetActive()
	title, nav := name, "identities"
	if name == "" {
		title, nav = "Live state", "live"
	}
	h.renderer.renderPage(w, r, "detail", DetailPageData{
		PageData: PageData{
			Title:   title,
			Version: h.renderer.version,
			Nav:     nav,
		},
		Name:      name,
		Live:      name == "",
		Active:    active,
		Stats:     stats,
		Rendered:  rendered,
		Deletable: name != "" && !active,
	})
}

// HandleDelete handles DELETE /identities/{name}.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("identity name is required"))
		return
	}

	if err := h.orch.Delete(r.Context(), name); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", "/identities")
		w.WriteHeader(http.StatusOK)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{"deleted": name})
		return
	}

	http.Redirect(w, r, "/identities", http.StatusFound)
}
