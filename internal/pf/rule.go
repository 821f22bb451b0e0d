package pf

import "fmt"

const (
	// LabelSize bounds rule labels, including the terminating NUL.
	LabelSize = 64
	// MaxPathLen bounds anchor paths, including the terminating NUL.
	MaxPathLen = 1024
)

// Rule is the match specification of one filter rule plus a reference to
// its counters. Match fields are not modified once the rule is committed
// to a rule set; only the counters change.
type Rule struct {
	Src RuleAddr
	Dst RuleAddr

	Action    Action
	Direction Direction
	Log       LogFlags
	LogIf     uint8
	Quick     bool
	Proto     Protocol
	KeepState State
	AF        AddressFamily
	Flags     RuleFlag
	TCPFlags  Flags

	// Anchor names the sub-ruleset consulted by a defer rule.
	Anchor string
	// Pool names the translation pool used by nat, binat and rdr rules.
	Pool  string
	Label string

	counters *Counters
}

// Clone returns a copy of r with its own zeroed counters.
func (r Rule) Clone() *Rule {
	r.counters = new(Counters)
	return &r
}

// Counters returns the live counters, or nil for a rule that was never
// cloned into a rule set.
func (r *Rule) Counters() *Counters { return r.counters }

// Stats copies the rule statistics into the passed RuleStats struct.
func (r *Rule) Stats(stats *RuleStats) {
	*stats = r.counters.Snapshot()
}

// LogEnabled reports whether matching packets are logged.
func (r *Rule) LogEnabled() bool { return r.Log&(LogFlagLog|LogFlagAll) != 0 }

// LogAll reports whether, for rules keeping state, all packets are logged
// instead of just the initial one.
func (r *Rule) LogAll() bool { return r.Log&LogFlagAll != 0 }

// Return reports whether a TCP RST or ICMP unreachable is sent back.
func (r *Rule) Return() bool { return r.Flags&RuleFlagReturnAnyMask != 0 }

// Normalize infers the address family from the endpoints when the rule
// does not declare one, as pfctl does for rules naming concrete addresses.
func (r *Rule) Normalize() {
	if r.AF != AddressFamilyAny {
		return
	}
	if af := r.Src.Addr.Family(); af != AddressFamilyAny {
		r.AF = af
		return
	}
	r.AF = r.Dst.Addr.Family()
}

// Validate rejects rules that could never be evaluated consistently.
func (r *Rule) Validate() error {
	if !r.Action.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownAction, uint8(r.Action))
	}
	if r.Direction > DirectionOut {
		return fmt.Errorf("%w: %d", ErrUnknownDirection, uint8(r.Direction))
	}
	if r.KeepState > StateSynproxy {
		return fmt.Errorf("%w: %d", ErrUnknownState, uint8(r.KeepState))
	}
	switch r.AF {
	case AddressFamilyAny, AddressFamilyInet, AddressFamilyInet6:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFamily, uint8(r.AF))
	}
	if r.Flags&^ruleFlagKnown != 0 {
		return fmt.Errorf("%w: unknown rule flags %#x", ErrInvalidRule, uint32(r.Flags))
	}
	if r.Log&^logFlagKnown != 0 {
		return fmt.Errorf("%w: unknown log flags %#x", ErrInvalidRule, uint8(r.Log))
	}

	for _, ep := range []struct {
		side string
		ra   RuleAddr
	}{{"from", r.Src}, {"to", r.Dst}} {
		if err := ep.ra.Validate(); err != nil {
			return fmt.Errorf("%s: %w", ep.side, err)
		}
		if af := ep.ra.Addr.Family(); af != AddressFamilyAny && af != r.AF {
			return fmt.Errorf("%s: %w: %s address in %s rule", ep.side, ErrFamilyMismatch, af, r.AF)
		}
		if ep.ra.HasPorts() && !r.Proto.HasPorts() {
			return fmt.Errorf("%s: %w: port only valid with tcp or udp, not %s", ep.side, ErrInvalidRule, r.Proto)
		}
	}

	if !r.TCPFlags.Any() && r.Proto != ProtocolTCP {
		return fmt.Errorf("%w: flags only valid with tcp", ErrInvalidRule)
	}
	if r.KeepState == StateSynproxy && r.Proto != ProtocolTCP {
		return fmt.Errorf("%w: synproxy state only valid with tcp", ErrInvalidRule)
	}
	if r.Action == ActionDefer && r.Anchor == "" {
		return fmt.Errorf("%w: defer without anchor", ErrInvalidRule)
	}
	if r.Action != ActionDefer && r.Anchor != "" {
		return fmt.Errorf("%w: anchor %q on %s rule", ErrInvalidRule, r.Anchor, r.Action)
	}
	if len(r.Anchor) >= MaxPathLen || len(r.Label) >= LabelSize || len(r.Pool) >= TableNameSize {
		return fmt.Errorf("%w: name too long", ErrInvalidRule)
	}
	return nil
}
