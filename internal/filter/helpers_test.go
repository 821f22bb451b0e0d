package filter

import (
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/pf"
)

type MockTables struct {
	mock.Mock
	stable bool
}

func (m *MockTables) Contains(table string, a pf.Addr) (bool, error) {
	args := m.Called(table, a)
	return args.Bool(0), args.Error(1)
}

func (m *MockTables) Stable() bool { return m.stable }

type MockInterfaces struct {
	mock.Mock
}

func (m *MockInterfaces) Resolve(ifname string, flags pf.IfaceFlags, af pf.AddressFamily) ([]pf.AddrMask, error) {
	args := m.Called(ifname, flags, af)
	addrs, _ := args.Get(0).([]pf.AddrMask)
	return addrs, args.Error(1)
}

type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) HasRoute(a pf.Addr) (bool, error) {
	args := m.Called(a)
	return args.Bool(0), args.Error(1)
}

func (m *MockRouter) URPFCheck(a pf.Addr, ingress string) (bool, error) {
	args := m.Called(a, ingress)
	return args.Bool(0), args.Error(1)
}

type MockTranslator struct {
	mock.Mock
}

func (m *MockTranslator) Translate(v *Verdict, r *pf.Rule, p Packet) (Translation, error) {
	args := m.Called(r.Pool, p)
	t, _ := args.Get(0).(Translation)
	return t, args.Error(1)
}

type MockStates struct {
	mock.Mock
}

func (m *MockStates) Create(p Packet, mode pf.State, flags pf.RuleFlag, r *pf.Rule, generation uint64) (StateHandle, error) {
	args := m.Called(p, mode, generation)
	h, _ := args.Get(0).(StateHandle)
	return h, args.Error(1)
}

func (m *MockStates) Live(generation uint64) int {
	return m.Called(generation).Int(0)
}

// snapshotTables is a static table collaborator that hands out a frozen
// copy on Snapshot.
type snapshotTables struct {
	gen     uint64
	entries map[string][]pf.AddrMask
}

func (s *snapshotTables) Contains(table string, a pf.Addr) (bool, error) {
	for _, am := range s.entries[table] {
		if am.Contains(a) {
			return true, nil
		}
	}
	return false, nil
}

func (s *snapshotTables) Snapshot() (TableResolver, uint64) {
	frozen := &snapshotTables{gen: s.gen, entries: make(map[string][]pf.AddrMask)}
	for k, v := range s.entries {
		frozen.entries[k] = append([]pf.AddrMask(nil), v...)
	}
	return frozen, s.gen
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.New(logging.Config{Level: logging.LevelDebug, Output: io.Discard})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry(prometheus.NewRegistry())
	}
	if cfg.Hub == nil {
		cfg.Hub = events.NewHub()
	}
	return New(cfg)
}

func ep(t *testing.T, s string) pf.RuleAddr {
	t.Helper()
	ra, err := pf.ParseRuleAddr(s)
	require.NoError(t, err)
	return ra
}

func passAll() pf.Rule  { return pf.Rule{Action: pf.ActionPass} }
func blockAll() pf.Rule { return pf.Rule{Action: pf.ActionDrop} }

func load(t *testing.T, e *Engine, rules ...pf.Rule) *RuleSet {
	t.Helper()
	b := e.Begin()
	for _, r := range rules {
		require.NoError(t, b.AddRule(r))
	}
	rs, err := b.Commit()
	require.NoError(t, err)
	return rs
}

func tcpIn(src, dst string, dport uint16) Packet {
	return Packet{
		Direction: pf.DirectionIn,
		Proto:     pf.ProtocolTCP,
		Src:       pf.MustParseAddr(src),
		Dst:       pf.MustParseAddr(dst),
		SrcPort:   40000,
		DstPort:   dport,
		Len:       60,
		TCPFlags:  pf.FlagSYN,
		Iface:     "eth0",
	}
}

func evaluations(rs *RuleSet, nr int) uint64 {
	return rs.rules[nr].Counters().Snapshot().Evaluations
}
