package filter

import (
	"fmt"
	"strings"

	"grimm.is/pfeval/internal/pf"
)

// Hit identifies a matching rule within a rule set.
type Hit struct {
	Anchor string
	Nr     int
	Rule   *pf.Rule
}

func (h Hit) String() string {
	if h.Anchor != "" {
		return fmt.Sprintf("@%s:%d", h.Anchor, h.Nr)
	}
	return fmt.Sprintf("@%d", h.Nr)
}

// Verdict is the result of one evaluation pass. Rule is nil and Default is
// true when no rule decided the packet.
type Verdict struct {
	Action  pf.Action
	Default bool
	Rule    *pf.Rule
	Nr      int
	Anchor  string

	Generation uint64
	Quick      bool
	Return     bool
	KeepState  pf.State
	Flags      pf.RuleFlag

	// Scrub is set when the last matching scrub-class rule was scrub
	// rather than no scrub.
	Scrub bool
	// Translate is the last matching translation rule, if any.
	Translate *Hit
	// Logged lists the matching rules with logging enabled, in match order.
	Logged []Hit

	// Matches counts every rule that matched during the pass.
	Matches     int
	Diagnostics int

	rs *RuleSet
}

func (v *Verdict) decide(h Hit) {
	r := h.Rule
	v.Action = r.Action
	v.Default = false
	v.Rule = r
	v.Nr = h.Nr
	v.Anchor = h.Anchor
	v.Quick = r.Quick
	v.Return = r.Return()
	v.KeepState = r.KeepState
	v.Flags = r.Flags
}

// Pass reports whether the packet is allowed. Only a quick rule can leave
// a scrub, translation or match action as the verdict, and those let the
// packet through.
func (v Verdict) Pass() bool { return !v.Action.Terminal() }

// Terminal reports whether the packet is discarded.
func (v Verdict) Terminal() bool { return v.Action.Terminal() }

// NoSync reports whether a resulting state is excluded from pfsync.
func (v Verdict) NoSync() bool { return v.Flags&pf.RuleFlagNoSync != 0 }

// SourceTrack reports whether a resulting state is source tracked.
func (v Verdict) SourceTrack() bool {
	return v.Flags&(pf.RuleFlagSrcTrack|pf.RuleFlagRuleSrcTrack) != 0
}

// Reassemble reports whether the deciding rule asked for fragment
// reassembly.
func (v Verdict) Reassemble() bool { return v.Flags&pf.RuleFlagFragment != 0 }

// RuleSet returns the rule set the verdict was computed against.
func (v Verdict) RuleSet() *RuleSet { return v.rs }

func (v Verdict) String() string {
	var b strings.Builder
	b.WriteString(v.Action.String())
	if v.Default {
		b.WriteString(" (default)")
	} else {
		b.WriteString(" ")
		b.WriteString(Hit{Anchor: v.Anchor, Nr: v.Nr}.String())
	}
	if v.Quick {
		b.WriteString(" quick")
	}
	if v.Return {
		b.WriteString(" return")
	}
	if v.KeepState != pf.StateNo && v.Pass() {
		b.WriteString(" ")
		b.WriteString(v.KeepState.String())
	}
	if v.Translate != nil {
		fmt.Fprintf(&b, " %s %s", v.Translate.Rule.Action, v.Translate)
	}
	fmt.Fprintf(&b, " gen %d", v.Generation)
	return b.String()
}
