// Package events provides the pub/sub bus for rule evaluation. Logged rule
// matches, counter snapshots and rule set lifecycle changes flow through
// the hub to the statistics recorder, the CLI and the log.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Evaluation events
	EventRuleMatch    EventType = "rule.match"    // a logged rule matched
	EventRuleCounters EventType = "rule.counters" // periodic counter snapshot

	// Rule set lifecycle
	EventRuleSetCommitted EventType = "ruleset.committed"
	EventRuleSetRetired   EventType = "ruleset.retired"
	EventRuleSetReaped    EventType = "ruleset.reaped"

	// Collaborator events
	EventStateCreated EventType = "state.created"
	EventStateExpired EventType = "state.expired"
	EventTableUpdated EventType = "table.updated"
	EventDiagnostic   EventType = "diagnostic"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "filter", "state", "tables", ...
	Data      any       `json:"data"`
}

// RuleMatchData is the payload for EventRuleMatch.
type RuleMatchData struct {
	Generation uint64 `json:"generation"`
	Anchor     string `json:"anchor,omitempty"`
	Nr         int    `json:"nr"`
	Rule       string `json:"rule"`
	Label      string `json:"label,omitempty"`
	Action     string `json:"action"`
	Direction  string `json:"direction"`
	SrcIP      string `json:"src_ip"`
	DstIP      string `json:"dst_ip"`
	SrcPort    uint16 `json:"src_port,omitempty"`
	DstPort    uint16 `json:"dst_port,omitempty"`
	Protocol   string `json:"protocol"`
	Bytes      uint64 `json:"bytes,omitempty"`
	LogIf      uint8  `json:"log_if,omitempty"`
}

// RuleCountersData is the payload for EventRuleCounters.
type RuleCountersData struct {
	Generation  uint64 `json:"generation"`
	Anchor      string `json:"anchor,omitempty"`
	Nr          int    `json:"nr"`
	Label       string `json:"label,omitempty"`
	Action      string `json:"action"`
	Evaluations uint64 `json:"evaluations"`
	PacketsIn   uint64 `json:"packets_in"`
	PacketsOut  uint64 `json:"packets_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
}

// RuleSetData is the payload for the rule set lifecycle events.
type RuleSetData struct {
	Generation uint64 `json:"generation"`
	Ticket     uint32 `json:"ticket,omitempty"`
	Rules      int    `json:"rules"`
	Anchors    int    `json:"anchors"`
	LiveStates int    `json:"live_states,omitempty"`
}

// StateData is the payload for EventStateCreated/EventStateExpired.
type StateData struct {
	ID         string `json:"id"`
	Generation uint64 `json:"generation"`
	Mode       string `json:"mode"`
	Key        string `json:"key"`
}

// TableData is the payload for EventTableUpdated.
type TableData struct {
	Name       string `json:"name"`
	Source     string `json:"source,omitempty"`
	Generation uint64 `json:"generation"`
	Entries    int    `json:"entries"`
}

// DiagnosticData is the payload for EventDiagnostic.
type DiagnosticData struct {
	Collaborator string `json:"collaborator"`
	Nr           int    `json:"nr"`
	Error        string `json:"error"`
}
