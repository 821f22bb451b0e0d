package filter

import (
	"fmt"

	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/pf"
)

// Decision is the verdict of a pass plus the side effects performed for it.
type Decision struct {
	Verdict
	// Packet is the packet after translation.
	Packet      Packet
	Translation *Translation
	State       *StateHandle
}

// Process evaluates p, logs the matching rules that ask for it, and for
// passed packets performs address translation and creates state. A failing
// translator or state table turns the decision into a drop; the error is
// returned alongside it. Steps whose collaborator is not configured are
// skipped.
func (e *Engine) Process(p Packet) (Decision, error) {
	v := e.Evaluate(p)
	d := Decision{Verdict: v, Packet: p}
	e.emitMatches(p, &d.Verdict)

	if !d.Pass() {
		return d, nil
	}

	if h := d.Translate; h != nil && e.cfg.Translator != nil && translates(h.Rule.Action) {
		t, err := e.cfg.Translator.Translate(&d.Verdict, h.Rule, p)
		e.metrics.RecordTranslation(h.Rule.Action.String(), err)
		if err != nil {
			return e.fail(d, h.Nr, CollabTranslator, err)
		}
		d.Translation = &t
		d.Packet = t.Apply(p)
	}

	if d.KeepState != pf.StateNo && e.cfg.States != nil {
		sh, err := e.cfg.States.Create(d.Packet, d.KeepState, d.Flags, d.Rule, d.Generation)
		if err != nil {
			return e.fail(d, d.Nr, CollabState, err)
		}
		d.State = &sh
	}
	return d, nil
}

// translates reports whether the action asks for a rewrite; the "no"
// variants only suppress one.
func translates(a pf.Action) bool {
	switch a {
	case pf.ActionNAT, pf.ActionBINAT, pf.ActionRDR, pf.ActionMatch:
		return true
	}
	return false
}

func (e *Engine) fail(d Decision, nr int, collab string, err error) (Decision, error) {
	err = collabErr(collab, err)
	e.diagnose(&d.Verdict, nr, err)
	d.Action = pf.ActionDrop
	d.KeepState = pf.StateNo
	d.Translation = nil
	d.State = nil
	return d, fmt.Errorf("%s failed for %s: %w", collab, d.Packet, err)
}

func (e *Engine) emitMatches(p Packet, v *Verdict) {
	for _, h := range v.Logged {
		r := h.Rule
		text := r.String()
		e.logger.Match(logging.MatchRecord{
			Generation: v.Generation,
			Anchor:     h.Anchor,
			Nr:         h.Nr,
			Rule:       text,
			Action:     r.Action.String(),
			LogIf:      r.LogIf,
			Packet:     p.String(),
		})
		e.hub.EmitRuleMatch(events.RuleMatchData{
			Generation: v.Generation,
			Anchor:     h.Anchor,
			Nr:         h.Nr,
			Rule:       text,
			Label:      r.Label,
			Action:     r.Action.String(),
			Direction:  p.Direction.String(),
			SrcIP:      p.Src.String(),
			DstIP:      p.Dst.String(),
			SrcPort:    p.SrcPort,
			DstPort:    p.DstPort,
			Protocol:   p.Proto.String(),
			Bytes:      p.Len,
			LogIf:      r.LogIf,
		})
	}
}
