package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/pf"
	"grimm.is/pfeval/internal/state"
	"grimm.is/pfeval/internal/tables"
	"grimm.is/pfeval/internal/translate"
	"grimm.is/pfeval/internal/validation"
)

// DefaultRefresh is the refresh interval of tables with dynamic sources
// that do not set one.
const DefaultRefresh = 5 * time.Minute

// ValidationError locates a problem in a rule set file.
type ValidationError struct {
	// Section is "rule", "anchor", "table", "pool" or "option".
	Section string
	// Name is the anchor, table or pool name.
	Name string
	// Index is the rule position, or -1.
	Index int
	Err   error
}

func (e *ValidationError) Error() string {
	var where string
	switch {
	case e.Section == "rule" && e.Name != "":
		where = fmt.Sprintf("anchor %q rule %d", e.Name, e.Index)
	case e.Section == "rule":
		where = fmt.Sprintf("rule %d", e.Index)
	case e.Name != "":
		where = fmt.Sprintf("%s %q", e.Section, e.Name)
	default:
		where = e.Section
	}
	return where + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NFTRef names a kernel nftables set.
type NFTRef struct {
	Family string
	Table  string
	Set    string
}

// TableSpec is a validated table definition.
type TableSpec struct {
	Name       string
	Entries    []tables.Entry
	Hosts      []string
	Nameserver string
	NFT        *NFTRef
	Refresh    time.Duration
}

// Dynamic reports whether the table has sources besides its addresses.
func (t TableSpec) Dynamic() bool { return len(t.Hosts) > 0 || t.NFT != nil }

// PoolSpec is a validated pool.
type PoolSpec struct {
	Name  string
	Addrs []pf.AddrMask
}

// AnchorSpec is a validated anchor.
type AnchorSpec struct {
	Name  string
	Rules []pf.Rule
}

// Compiled is a validated rule set file ready to be applied.
type Compiled struct {
	DefaultPass    bool
	LogLevel       logging.Level
	MaxAnchorDepth int

	StateLimit     int
	SourceLimit    int
	Timeouts       state.Timeouts
	ExpireInterval time.Duration

	PortRange          translate.PortRange
	TranslationTimeout time.Duration

	Tables  []TableSpec
	Pools   []PoolSpec
	Anchors []AnchorSpec
	Rules   []pf.Rule

	// Referenced lists tables named by rules but not declared. They are
	// created empty.
	Referenced []string
}

// Compile validates cfg. Every problem is reported; nothing is returned
// unless the whole file is valid.
func Compile(cfg *Config) (*Compiled, error) {
	c := &Compiled{
		LogLevel:           logging.LevelInfo,
		Timeouts:           state.DefaultTimeouts,
		ExpireInterval:     10 * time.Second,
		PortRange:          translate.DefaultPortRange,
		TranslationTimeout: translate.DefaultTimeout,
	}
	var errs []error
	option := func(err error) {
		errs = append(errs, &ValidationError{Section: "option", Index: -1, Err: err})
	}

	switch strings.ToLower(cfg.DefaultAction) {
	case "", "drop", "block":
	case "pass":
		c.DefaultPass = true
	default:
		option(fmt.Errorf("default_action %q: want pass or drop", cfg.DefaultAction))
	}
	if cfg.LogLevel != "" {
		lvl, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			option(err)
		}
		c.LogLevel = lvl
	}
	if cfg.MaxAnchorDepth < 0 {
		option(fmt.Errorf("max_anchor_depth %d is negative", cfg.MaxAnchorDepth))
	}
	c.MaxAnchorDepth = cfg.MaxAnchorDepth

	if s := cfg.States; s != nil {
		c.StateLimit, c.SourceLimit = s.Limit, s.SourceLimit
		for _, d := range []struct {
			name string
			in   string
			out  *time.Duration
		}{
			{"tcp_timeout", s.TCPTimeout, &c.Timeouts.TCP},
			{"udp_timeout", s.UDPTimeout, &c.Timeouts.UDP},
			{"icmp_timeout", s.ICMPTimeout, &c.Timeouts.ICMP},
			{"other_timeout", s.OtherTimeout, &c.Timeouts.Other},
			{"expire_interval", s.Interval, &c.ExpireInterval},
		} {
			if err := parseDuration(d.in, d.out); err != nil {
				option(fmt.Errorf("states %s: %w", d.name, err))
			}
		}
	}
	if t := cfg.Translation; t != nil {
		if t.PortRange != "" {
			pr, err := parsePortRange(t.PortRange)
			if err != nil {
				option(fmt.Errorf("translation port_range: %w", err))
			}
			c.PortRange = pr
		}
		if err := parseDuration(t.Timeout, &c.TranslationTimeout); err != nil {
			option(fmt.Errorf("translation timeout: %w", err))
		}
	}

	declared := make(map[string]bool)
	for _, t := range cfg.Tables {
		spec, err := compileTable(t)
		if err == nil && declared[t.Name] {
			err = errors.New("defined twice")
		}
		if err != nil {
			errs = append(errs, &ValidationError{Section: "table", Name: t.Name, Index: -1, Err: err})
			continue
		}
		declared[t.Name] = true
		c.Tables = append(c.Tables, spec)
	}

	pools := make(map[string]bool)
	for _, p := range cfg.Pools {
		spec, err := compilePool(p)
		if err == nil && pools[p.Name] {
			err = errors.New("defined twice")
		}
		if err != nil {
			errs = append(errs, &ValidationError{Section: "pool", Name: p.Name, Index: -1, Err: err})
			continue
		}
		pools[p.Name] = true
		c.Pools = append(c.Pools, spec)
	}

	anchors := make(map[string]bool)
	for _, a := range cfg.Anchors {
		err := validation.ValidateAnchorPath(a.Name, pf.MaxPathLen)
		if err == nil && anchors[a.Name] {
			err = errors.New("duplicate name")
		}
		if err != nil {
			errs = append(errs, &ValidationError{Section: "anchor", Name: a.Name, Index: -1, Err: err})
			continue
		}
		anchors[a.Name] = true
	}

	referenced := make(map[string]bool)
	compileRules := func(anchor string, in []Rule) []pf.Rule {
		out := make([]pf.Rule, 0, len(in))
		for i, r := range in {
			pr, err := r.Compile()
			if err == nil {
				err = checkRefs(pr, anchors, pools)
			}
			if err != nil {
				errs = append(errs, &ValidationError{Section: "rule", Name: anchor, Index: i, Err: err})
				continue
			}
			for _, ra := range []pf.RuleAddr{pr.Src, pr.Dst} {
				if ra.Addr.Type() == pf.AddrTypeTable && !declared[ra.Addr.Name()] {
					referenced[ra.Addr.Name()] = true
				}
			}
			out = append(out, pr)
		}
		return out
	}
	for _, a := range cfg.Anchors {
		if anchors[a.Name] {
			c.Anchors = append(c.Anchors, AnchorSpec{Name: a.Name, Rules: compileRules(a.Name, a.Rules)})
		}
	}
	c.Rules = compileRules("", cfg.Rules)
	c.Referenced = sortedSet(referenced)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func parseDuration(s string, out *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("%s is not positive", s)
	}
	*out = d
	return nil
}

func parsePortRange(s string) (translate.PortRange, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return translate.PortRange{}, fmt.Errorf("%q: want low:high", s)
	}
	l, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return translate.PortRange{}, err
	}
	h, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil {
		return translate.PortRange{}, err
	}
	if l == 0 || l > h {
		return translate.PortRange{}, fmt.Errorf("%q: empty range", s)
	}
	return translate.PortRange{Low: uint16(l), High: uint16(h)}, nil
}

func compileTable(t Table) (TableSpec, error) {
	spec := TableSpec{Name: t.Name, Hosts: t.Hosts, Nameserver: t.Nameserver}
	if err := validation.ValidateIdentifier(t.Name, pf.TableNameSize); err != nil {
		return spec, err
	}
	for _, a := range t.Addresses {
		e, err := tables.ParseEntry(a)
		if err != nil {
			return spec, err
		}
		spec.Entries = append(spec.Entries, e)
	}
	if t.NFTSet != "" {
		f := strings.Fields(t.NFTSet)
		if len(f) != 3 {
			return spec, fmt.Errorf("nft_set %q: want \"family table set\"", t.NFTSet)
		}
		spec.NFT = &NFTRef{Family: f[0], Table: f[1], Set: f[2]}
	}
	if spec.Dynamic() {
		spec.Refresh = DefaultRefresh
	}
	if err := parseDuration(t.Refresh, &spec.Refresh); err != nil {
		return spec, fmt.Errorf("refresh: %w", err)
	}
	return spec, nil
}

func compilePool(p Pool) (PoolSpec, error) {
	spec := PoolSpec{Name: p.Name}
	if err := validation.ValidateIdentifier(p.Name, pf.TableNameSize); err != nil {
		return spec, err
	}
	if len(p.Addresses) == 0 {
		return spec, errors.New("no addresses")
	}
	for _, a := range p.Addresses {
		e, err := tables.ParseEntry(a)
		if err != nil {
			return spec, err
		}
		if e.Neg {
			return spec, fmt.Errorf("%q: negated pool address", a)
		}
		spec.Addrs = append(spec.Addrs, e.Prefix)
	}
	return spec, nil
}

func checkRefs(r pf.Rule, anchors, pools map[string]bool) error {
	if r.Action == pf.ActionDefer && !anchors[r.Anchor] {
		return fmt.Errorf("%w %q", filter.ErrUnknownAnchor, r.Anchor)
	}
	if r.Pool != "" && !pools[r.Pool] {
		return fmt.Errorf("%w %q", filter.ErrUnknownPool, r.Pool)
	}
	switch r.Action {
	case pf.ActionNAT, pf.ActionBINAT, pf.ActionRDR:
		if r.Pool == "" {
			return fmt.Errorf("%s rule needs a pool", r.Action)
		}
	}
	return nil
}

// Compile converts r into a validated pf rule.
func (r Rule) Compile() (pf.Rule, error) {
	var out pf.Rule
	var err error

	if out.Action, err = pf.ParseAction(r.Action); err != nil {
		return out, err
	}
	if out.Direction, err = pf.ParseDirection(r.Direction); err != nil {
		return out, err
	}
	out.Quick = r.Quick

	switch strings.ToLower(r.Log) {
	case "", "no":
	case "log", "yes":
		out.Log = pf.LogFlagLog
	case "all":
		out.Log = pf.LogFlagLog | pf.LogFlagAll
	default:
		return out, fmt.Errorf("log %q: want log or all", r.Log)
	}
	if r.LogIf < 0 || r.LogIf > 255 {
		return out, fmt.Errorf("log_if %d out of range", r.LogIf)
	}
	out.LogIf = uint8(r.LogIf)

	if r.AF != "" {
		if out.AF, err = pf.ParseAddressFamily(r.AF); err != nil {
			return out, err
		}
	}
	if r.Proto != "" {
		if out.Proto, err = pf.ParseProtocol(r.Proto); err != nil {
			return out, err
		}
	}
	if out.Src, err = parseEndpoint(r.From); err != nil {
		return out, fmt.Errorf("from: %w", err)
	}
	if out.Dst, err = parseEndpoint(r.To); err != nil {
		return out, fmt.Errorf("to: %w", err)
	}
	if out.TCPFlags, err = pf.ParseFlags(r.Flags); err != nil {
		return out, err
	}
	if r.Fragment {
		out.Flags |= pf.RuleFlagFragment
	}
	if out.KeepState, err = pf.ParseState(r.State); err != nil {
		return out, err
	}
	switch strings.ToLower(r.SourceTrack) {
	case "":
	case "global":
		out.Flags |= pf.RuleFlagSrcTrack
	case "rule":
		out.Flags |= pf.RuleFlagSrcTrack | pf.RuleFlagRuleSrcTrack
	default:
		return out, fmt.Errorf("source_track %q: want global or rule", r.SourceTrack)
	}
	if r.NoSync {
		out.Flags |= pf.RuleFlagNoSync
	}

	if r.Return != "" {
		if out.Action != pf.ActionDrop {
			return out, fmt.Errorf("return on %s rule", out.Action)
		}
		switch strings.ToLower(r.Return) {
		case "rst":
			out.Flags |= pf.RuleFlagReturnRST
		case "icmp":
			out.Flags |= pf.RuleFlagReturnICMP
		case "return", "yes":
			out.Flags |= pf.RuleFlagReturn
		default:
			return out, fmt.Errorf("return %q: want rst, icmp or return", r.Return)
		}
	}
	if err := validation.ValidateLabel(r.Label, pf.LabelSize); err != nil {
		return out, err
	}
	out.Anchor, out.Pool, out.Label = r.Anchor, r.Pool, r.Label

	out.Normalize()
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

func parseEndpoint(s string) (pf.RuleAddr, error) {
	if strings.TrimSpace(s) == "" {
		return pf.RuleAddr{Addr: pf.Any()}, nil
	}
	ra, err := pf.ParseRuleAddr(s)
	if err != nil {
		return ra, err
	}
	switch ra.Addr.Type() {
	case pf.AddrTypeDynIfTL:
		err = validation.ValidateInterfaceName(ra.Addr.Name())
	case pf.AddrTypeTable:
		err = validation.ValidateIdentifier(ra.Addr.Name(), pf.TableNameSize)
	}
	return ra, err
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
