package filter

import (
	"errors"
	"sync"
	"sync/atomic"

	"grimm.is/pfeval/internal/clock"
	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/pf"
)

// DefaultMaxAnchorDepth bounds defer nesting, as PF_ANCHOR_STACK_MAX.
const DefaultMaxAnchorDepth = 64

// Config configures an Engine. Every collaborator is optional; a rule that
// needs a missing collaborator never matches and is counted as a
// diagnostic.
type Config struct {
	// DefaultPass selects pass instead of block for packets no rule
	// decides.
	DefaultPass    bool
	MaxAnchorDepth int

	Tables     TableResolver
	Interfaces InterfaceResolver
	Router     Router
	Translator Translator
	States     StateTable

	Hub     *events.Hub
	Metrics *metrics.Registry
	Logger  *logging.Logger
	Clock   clock.Clock
}

// Engine evaluates packets against the active rule set and manages rule
// set transactions.
type Engine struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Registry
	hub     *events.Hub
	clock   clock.Clock

	defaultAction pf.Action
	active        atomic.Pointer[RuleSet]
	diagnostics   atomic.Uint64

	mu         sync.Mutex
	ticket     uint32
	poolTicket uint32
	open       uint32
	generation uint64
	retired    []*RuleSet
}

// New creates an engine with an empty rule set.
func New(cfg Config) *Engine {
	if cfg.MaxAnchorDepth <= 0 {
		cfg.MaxAnchorDepth = DefaultMaxAnchorDepth
	}

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		hub:     cfg.Hub,
		clock:   clock.OrReal(cfg.Clock),

		defaultAction: pf.ActionDrop,
	}
	if cfg.DefaultPass {
		e.defaultAction = pf.ActionPass
	}
	if e.logger == nil {
		e.logger = logging.WithComponent("filter")
	}
	if e.metrics == nil {
		e.metrics = metrics.Get()
	}
	e.active.Store(&RuleSet{committed: e.clock.Now()})
	return e
}

// Active returns the rule set currently used for evaluation.
func (e *Engine) Active() *RuleSet { return e.active.Load() }

// DefaultAction returns the action applied when no rule decides.
func (e *Engine) DefaultAction() pf.Action { return e.defaultAction }

// Diagnostics returns the number of collaborator failures seen so far.
func (e *Engine) Diagnostics() uint64 { return e.diagnostics.Load() }

// ClearStats resets the counters of the active rule set.
func (e *Engine) ClearStats() {
	e.Active().ClearStats()
	e.logger.Info("Rule counters cleared", "generation", e.Active().Generation())
}

// Retired returns the generations of superseded rule sets still retained.
func (e *Engine) Retired() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	gens := make([]uint64, len(e.retired))
	for i, rs := range e.retired {
		gens[i] = rs.generation
	}
	return gens
}

// Reap releases superseded rule sets that no live state references and
// returns how many were released.
func (e *Engine) Reap() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reapLocked()
}

func (e *Engine) reapLocked() int {
	kept := e.retired[:0]
	reaped := 0
	for _, rs := range e.retired {
		live := 0
		if e.cfg.States != nil {
			live = e.cfg.States.Live(rs.generation)
		}
		if live > 0 {
			kept = append(kept, rs)
			continue
		}
		reaped++
		e.logger.Debug("Rule set released", "generation", rs.generation)
		e.hub.EmitRuleSet(events.EventRuleSetReaped, events.RuleSetData{
			Generation: rs.generation,
			Ticket:     rs.ticket,
			Rules:      rs.Len(),
			Anchors:    len(rs.anchors),
		})
	}
	clear(e.retired[len(kept):])
	e.retired = kept
	e.metrics.RetainedRuleSets.Set(float64(len(kept)))
	return reaped
}

// RuleSamples returns a counter sample for every rule of the active set.
func (e *Engine) RuleSamples() []metrics.RuleSample {
	rs := e.Active()
	samples := make([]metrics.RuleSample, 0, rs.Len())
	rs.Walk(func(anchor string, nr int, r *pf.Rule) {
		samples = append(samples, metrics.RuleSample{
			Generation: rs.generation,
			Anchor:     anchor,
			Nr:         nr,
			Label:      r.Label,
			Action:     r.Action.String(),
			Stats:      r.Counters().Snapshot(),
		})
	})
	return samples
}

func (e *Engine) diagnose(v *Verdict, nr int, err error) {
	name := CollabPacket
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		name = ce.Collaborator
	}
	e.diagnostics.Add(1)
	if v != nil {
		v.Diagnostics++
	}
	e.metrics.RecordDiagnostic(name)
	e.logger.Debug("Collaborator failure treated as non-match", "collaborator", name, "nr", nr, "error", err)
	e.hub.EmitDiagnostic(name, nr, err)
}
