package pf

import (
	"fmt"
	"strings"
)

// Action is performed when a rule matches.
type Action uint8

const (
	ActionPass Action = iota
	ActionDrop
	ActionScrub
	ActionNoScrub
	ActionNAT
	ActionNoNAT
	ActionBINAT
	ActionNoBINAT
	ActionRDR
	ActionNoRDR
	ActionSynproxyDrop
	ActionDefer
	ActionMatch
)

var actionNames = [...]string{
	ActionPass:         "pass",
	ActionDrop:         "block",
	ActionScrub:        "scrub",
	ActionNoScrub:      "no scrub",
	ActionNAT:          "nat",
	ActionNoNAT:        "no nat",
	ActionBINAT:        "binat",
	ActionNoBINAT:      "no binat",
	ActionRDR:          "rdr",
	ActionNoRDR:        "no rdr",
	ActionSynproxyDrop: "synproxy drop",
	ActionDefer:        "defer",
	ActionMatch:        "match",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return int(a) < len(actionNames) }

// Terminal reports whether the action ends the flow.
func (a Action) Terminal() bool { return a == ActionDrop || a == ActionSynproxyDrop }

// Translation reports whether the action is handled by the address
// translation collaborator.
func (a Action) Translation() bool { return a >= ActionNAT && a <= ActionNoRDR }

// ParseAction accepts pf.conf spellings plus "drop", and "-" or "_" in
// place of the space in the negated forms.
func ParseAction(s string) (Action, error) {
	s = strings.NewReplacer("-", " ", "_", " ").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch s {
	case "drop":
		return ActionDrop, nil
	case "redirect":
		return ActionRDR, nil
	case "no redirect":
		return ActionNoRDR, nil
	case "bi nat":
		return ActionBINAT, nil
	case "no bi nat":
		return ActionNoBINAT, nil
	}
	for i, n := range actionNames {
		if n == s {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Direction is the traffic direction a rule applies to.
type Direction uint8

const (
	DirectionInOut Direction = iota
	DirectionIn
	DirectionOut
)

func (d Direction) String() string {
	switch d {
	case DirectionInOut:
		return "inout"
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Index returns the counter slot for a packet direction: 0 for in, 1 for out.
func (d Direction) Index() int {
	if d == DirectionOut {
		return 1
	}
	return 0
}

// Covers reports whether a rule with direction d applies to a packet
// travelling in direction pkt.
func (d Direction) Covers(pkt Direction) bool {
	return d == DirectionInOut || d == pkt
}

// ParseDirection parses "in", "out" or "inout"/"both".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inout", "both", "any":
		return DirectionInOut, nil
	case "in":
		return DirectionIn, nil
	case "out":
		return DirectionOut, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, s)
}

// State selects how connection state is kept for passed traffic.
type State uint8

const (
	StateNo State = iota
	StateNormal
	StateModulate
	StateSynproxy
)

func (s State) String() string {
	switch s {
	case StateNo:
		return "no state"
	case StateNormal:
		return "keep state"
	case StateModulate:
		return "modulate state"
	case StateSynproxy:
		return "synproxy state"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ParseState parses "no", "keep", "modulate" or "synproxy", with or
// without the trailing " state".
func ParseState(s string) (State, error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), " state")
	switch s {
	case "", "no", "none":
		return StateNo, nil
	case "keep", "normal":
		return StateNormal, nil
	case "modulate":
		return StateModulate, nil
	case "synproxy":
		return StateSynproxy, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownState, s)
}

// LogFlags control packet logging for a rule.
type LogFlags uint8

const (
	LogFlagLog LogFlags = 0x01
	LogFlagAll LogFlags = 0x02

	logFlagKnown = LogFlagLog | LogFlagAll
)

// RuleFlag is the rule_flag bitset.
type RuleFlag uint32

const (
	RuleFlagDrop          RuleFlag = 0x0000
	RuleFlagReturnRST     RuleFlag = 0x0001
	RuleFlagFragment      RuleFlag = 0x0002
	RuleFlagReturnICMP    RuleFlag = 0x0004
	RuleFlagReturn        RuleFlag = 0x0008
	RuleFlagNoSync        RuleFlag = 0x0010
	RuleFlagSrcTrack      RuleFlag = 0x0020
	RuleFlagRuleSrcTrack  RuleFlag = 0x0040
	ruleFlagKnown         RuleFlag = 0x007f
	RuleFlagReturnAnyMask RuleFlag = RuleFlagReturnRST | RuleFlagReturnICMP | RuleFlagReturn
)

var ruleFlagNames = []struct {
	f    RuleFlag
	name string
}{
	{RuleFlagReturnRST, "return-rst"},
	{RuleFlagFragment, "fragment"},
	{RuleFlagReturnICMP, "return-icmp"},
	{RuleFlagReturn, "return"},
	{RuleFlagNoSync, "no-sync"},
	{RuleFlagSrcTrack, "source-track"},
	{RuleFlagRuleSrcTrack, "source-track rule"},
}

func (f RuleFlag) String() string {
	var parts []string
	for _, n := range ruleFlagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, " ")
}
