// Package config loads rule set files.
//
// A rule set file is HCL or JSON and describes the default action, address
// tables with their sources, translation pools, anchors and the main rule
// list. Endpoint expressions use pf.conf syntax:
//
//	rule {
//	  action    = "block"
//	  direction = "in"
//	  quick     = true
//	  proto     = "tcp"
//	  from      = "<blocked>"
//	  to        = "any port 1:1023"
//	}
package config

// CurrentSchemaVersion is the schema version written by Encode.
const CurrentSchemaVersion = "1.0"

// Config is a rule set file.
type Config struct {
	SchemaVersion  string `hcl:"schema_version,optional" json:"schema_version,omitempty"`
	DefaultAction  string `hcl:"default_action,optional" json:"default_action,omitempty"`
	LogLevel       string `hcl:"log_level,optional" json:"log_level,omitempty"`
	MaxAnchorDepth int    `hcl:"max_anchor_depth,optional" json:"max_anchor_depth,omitempty"`

	States      *States      `hcl:"states,block" json:"states,omitempty"`
	Translation *Translation `hcl:"translation,block" json:"translation,omitempty"`

	Tables  []Table  `hcl:"table,block" json:"tables,omitempty"`
	Pools   []Pool   `hcl:"pool,block" json:"pools,omitempty"`
	Anchors []Anchor `hcl:"anchor,block" json:"anchors,omitempty"`
	Rules   []Rule   `hcl:"rule,block" json:"rules,omitempty"`
}

// States configures the state table. Timeouts are Go durations.
type States struct {
	Limit        int    `hcl:"limit,optional" json:"limit,omitempty"`
	SourceLimit  int    `hcl:"source_limit,optional" json:"source_limit,omitempty"`
	TCPTimeout   string `hcl:"tcp_timeout,optional" json:"tcp_timeout,omitempty"`
	UDPTimeout   string `hcl:"udp_timeout,optional" json:"udp_timeout,omitempty"`
	ICMPTimeout  string `hcl:"icmp_timeout,optional" json:"icmp_timeout,omitempty"`
	OtherTimeout string `hcl:"other_timeout,optional" json:"other_timeout,omitempty"`
	Interval     string `hcl:"expire_interval,optional" json:"expire_interval,omitempty"`
}

// Translation configures nat port allocation.
type Translation struct {
	// PortRange is "low:high".
	PortRange string `hcl:"port_range,optional" json:"port_range,omitempty"`
	Timeout   string `hcl:"timeout,optional" json:"timeout,omitempty"`
}

// Table is a named address table. Addresses are loaded at commit; hosts
// and the nftables set are fetched by the refresher.
type Table struct {
	Name       string   `hcl:"name,label" json:"name"`
	Addresses  []string `hcl:"addresses,optional" json:"addresses,omitempty"`
	Hosts      []string `hcl:"hosts,optional" json:"hosts,omitempty"`
	Nameserver string   `hcl:"nameserver,optional" json:"nameserver,omitempty"`
	// NFTSet is "family table set", for example "inet filter blocked".
	NFTSet  string `hcl:"nft_set,optional" json:"nft_set,omitempty"`
	Refresh string `hcl:"refresh,optional" json:"refresh,omitempty"`
}

// Pool is a named translation pool.
type Pool struct {
	Name      string   `hcl:"name,label" json:"name"`
	Addresses []string `hcl:"addresses" json:"addresses"`
}

// Anchor is a named sub rule set consulted by defer rules.
type Anchor struct {
	Name  string `hcl:"name,label" json:"name"`
	Rules []Rule `hcl:"rule,block" json:"rules,omitempty"`
}

// Rule is one filter rule.
type Rule struct {
	Action    string `hcl:"action" json:"action"`
	Direction string `hcl:"direction,optional" json:"direction,omitempty"`
	Quick     bool   `hcl:"quick,optional" json:"quick,omitempty"`
	// Log is "", "log" or "all".
	Log   string `hcl:"log,optional" json:"log,omitempty"`
	LogIf int    `hcl:"log_if,optional" json:"log_if,omitempty"`
	AF    string `hcl:"af,optional" json:"af,omitempty"`
	Proto string `hcl:"proto,optional" json:"proto,omitempty"`
	From  string `hcl:"from,optional" json:"from,omitempty"`
	To    string `hcl:"to,optional" json:"to,omitempty"`
	// Flags is a tcp flag check such as "S/SA".
	Flags    string `hcl:"flags,optional" json:"flags,omitempty"`
	Fragment bool   `hcl:"fragment,optional" json:"fragment,omitempty"`
	// State is "keep", "modulate" or "synproxy".
	State string `hcl:"state,optional" json:"state,omitempty"`
	// SourceTrack is "global" or "rule".
	SourceTrack string `hcl:"source_track,optional" json:"source_track,omitempty"`
	NoSync      bool   `hcl:"no_sync,optional" json:"no_sync,omitempty"`
	// Return is "rst", "icmp" or "return" for block rules.
	Return string `hcl:"return,optional" json:"return,omitempty"`
	Anchor string `hcl:"anchor,optional" json:"anchor,omitempty"`
	Pool   string `hcl:"pool,optional" json:"pool,omitempty"`
	Label  string `hcl:"label,optional" json:"label,omitempty"`
}
