package filter

import (
	"grimm.is/pfeval/internal/pf"
)

// TableResolver answers membership queries for named address tables.
type TableResolver interface {
	Contains(table string, a pf.Addr) (bool, error)
}

// TableSnapshotter is implemented by table collaborators that can freeze
// their contents. A committed rule set evaluates against the snapshot taken
// at commit time, so table changes only take effect with the next
// generation.
type TableSnapshotter interface {
	Snapshot() (view TableResolver, generation uint64)
}

// InterfaceResolver returns the addresses currently bound to an interface
// under the given mode.
type InterfaceResolver interface {
	Resolve(ifname string, flags pf.IfaceFlags, af pf.AddressFamily) ([]pf.AddrMask, error)
}

// Router classifies addresses for the no-route and urpf-failed matchers.
type Router interface {
	HasRoute(a pf.Addr) (bool, error)
	URPFCheck(a pf.Addr, ingress string) (bool, error)
}

// Stable is implemented by collaborators whose answers cannot change during
// one evaluation pass. Answers from stable collaborators are cached for the
// duration of the pass.
type Stable interface {
	Stable() bool
}

func isStable(c any) bool {
	s, ok := c.(Stable)
	return ok && s.Stable()
}

// Translation is the outcome of an address translation.
type Translation struct {
	Action  pf.Action
	Pool    string
	Src     pf.Addr
	Dst     pf.Addr
	SrcPort uint16
	DstPort uint16
}

// Apply returns p with the translated addresses and ports.
func (t Translation) Apply(p Packet) Packet {
	if t.Src.IsValid() {
		p.Src, p.SrcPort = t.Src, t.SrcPort
	}
	if t.Dst.IsValid() {
		p.Dst, p.DstPort = t.Dst, t.DstPort
	}
	return p
}

// Translator performs nat, binat and rdr for a matching translation rule.
type Translator interface {
	Translate(v *Verdict, r *pf.Rule, p Packet) (Translation, error)
}

// StateHandle identifies a state entry created for a passed packet.
type StateHandle struct {
	ID         string
	Generation uint64
	Mode       pf.State
	// SeqOffset is the sequence number offset of modulated TCP states.
	SeqOffset uint32
}

// StateTable creates connection state and reports how many live states
// still reference a rule set generation.
type StateTable interface {
	Create(p Packet, mode pf.State, flags pf.RuleFlag, r *pf.Rule, generation uint64) (StateHandle, error)
	Live(generation uint64) int
}
