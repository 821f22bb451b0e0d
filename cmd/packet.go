package cmd

import (
	"fmt"
	"strings"

	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/pf"
)

// PacketSpec describes a packet in text, as given on the command line or
// in a replay file.
type PacketSpec struct {
	Name      string `yaml:"name" json:"name,omitempty"`
	Direction string `yaml:"direction" json:"direction"`
	Proto     string `yaml:"proto" json:"proto"`
	Src       string `yaml:"src" json:"src"`
	Dst       string `yaml:"dst" json:"dst"`
	SrcPort   uint16 `yaml:"src_port" json:"src_port,omitempty"`
	DstPort   uint16 `yaml:"dst_port" json:"dst_port,omitempty"`
	// Flags is the tcp header flags, for example "S" or "SA".
	Flags    string `yaml:"flags" json:"flags,omitempty"`
	Fragment bool   `yaml:"fragment" json:"fragment,omitempty"`
	Iface    string `yaml:"iface" json:"iface,omitempty"`
	Len      uint64 `yaml:"len" json:"len,omitempty"`

	// Expect is the action the packet should get, for replay.
	Expect string `yaml:"expect" json:"expect,omitempty"`
	// ExpectLabel is the label of the deciding rule, for replay.
	ExpectLabel string `yaml:"expect_label" json:"expect_label,omitempty"`
}

// Packet parses the spec. The direction defaults to in and the protocol
// to tcp.
func (s PacketSpec) Packet() (filter.Packet, error) {
	var p filter.Packet
	var err error

	switch strings.ToLower(s.Direction) {
	case "", "in":
		p.Direction = pf.DirectionIn
	case "out":
		p.Direction = pf.DirectionOut
	default:
		return p, fmt.Errorf("direction %q: want in or out", s.Direction)
	}
	proto := s.Proto
	if proto == "" {
		proto = "tcp"
	}
	if p.Proto, err = pf.ParseProtocol(proto); err != nil {
		return p, err
	}
	if p.Src, err = pf.ParseAddr(s.Src); err != nil {
		return p, fmt.Errorf("src: %w", err)
	}
	if p.Dst, err = pf.ParseAddr(s.Dst); err != nil {
		return p, fmt.Errorf("dst: %w", err)
	}
	if s.Flags != "" {
		if p.TCPFlags, err = pf.ParseFlagHeader(s.Flags); err != nil {
			return p, err
		}
	}
	p.SrcPort, p.DstPort = s.SrcPort, s.DstPort
	p.Fragment, p.Iface, p.Len = s.Fragment, s.Iface, s.Len
	return p, p.Validate()
}

// label returns the name used for the packet in reports.
func (s PacketSpec) label(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("#%d", i)
}
