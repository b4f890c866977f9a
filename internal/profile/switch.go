package profile

import (
	"context"

	"github.com/NightProxy/DayDream-sub000/internal/errors"
	"github.com/NightProxy/DayDream-sub000/internal/registry"
	"github.com/NightProxy/DayDream-sub000/internal/state"
)

// SwitchOptions modifies a switch.
type SwitchOptions struct {
	// SkipSavingCurrent drops the outgoing identity's unsaved live changes.
	SkipSavingCurrent bool

	// CreateMissing registers the target with an empty snapshot instead of
	// failing with NOT_FOUND. The identity limit still applies.
	CreateMissing bool

	// Create is passed to the registry when CreateMissing creates the target.
	Create registry.CreateOptions
}

// SwitchResult describes a completed (or failed) switch.
type SwitchResult struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Created bool   `json:"created,omitempty"`

	// Saved is true when the outgoing identity's state was stored.
	Saved     bool           `json:"saved"`
	SaveError string         `json:"save_error,omitempty"`
	Capture   *state.Summary `json:"capture,omitempty"`

	Apply state.Summary `json:"apply"`
}

// SwitchTo makes name the active identity: save the outgoing identity's
// live state (best-effort), replace live state with name's snapshot, then
// persist the pointer. Switches are serialized.
//
// When applying fails outright no identity is left active, so no later
// save can overwrite a stored snapshot with the half-applied live state.
func (o *Orchestrator) SwitchTo(ctx context.Context, name string, opts SwitchOptions) (*SwitchResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := o.GetActive()
	res := &SwitchResult{From: from, To: name}
	log := o.log.With().Str("from", from).Str("to", name).Logger()

	target, err := o.reg.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if target == nil {
		if !opts.CreateMissing {
			return nil, errors.NewNotFound(name)
		}
		target, err = o.reg.Create(ctx, name, opts.Create)
		if err != nil {
			return nil, err
		}
		res.Created = true
	}

	if from != "" && !opts.SkipSavingCurrent {
		o.saveOutgoing(ctx, from, res)
	}

	report, err := o.mgr.ApplyState(ctx, target.Snapshot)
	if report != nil {
		res.Apply = report.Summary()
	}
	if err != nil {
		log.Error().Err(err).Msg("switch failed while applying state")
		if perr := o.persistActive(""); perr != nil {
			log.Error().Err(perr).Msg("clear active pointer")
		}
		return res, err
	}
	if !report.Complete() {
		log.Warn().
			Int("errors", len(report.Errors())).
			Int("warnings", len(report.Warnings())).
			Strs("failed_stores", report.FailedStores()).
			Msg("switch applied with degraded stores")
	}

	if err := o.persistActive(name); err != nil {
		return res, err
	}
	log.Info().Bool("saved", res.Saved).Msg("switched identity")
	return res, nil
}

// saveOutgoing stores live state under from. Failures are recorded in res
// and logged; they never stop the switch.
func (o *Orchestrator) saveOutgoing(ctx context.Context, from string, res *SwitchResult) {
	captured, err := o.mgr.CaptureCurrentState(ctx)
	if captured != nil {
		summary := captured.Report.Summary()
		res.Capture = &summary
	}
	if err == nil {
		err = o.reg.Save(ctx, from, captured.Snapshot)
	}
	if err != nil {
		res.SaveError = err.Error()
		o.log.Warn().Err(err).Str("identity", from).Msg("outgoing identity not saved, switching anyway")
		return
	}
	res.Saved = true
}
