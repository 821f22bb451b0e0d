package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all evaluator metrics.
type Registry struct {
	// Evaluation
	Verdicts        *prometheus.CounterVec
	DefaultVerdicts *prometheus.CounterVec
	Diagnostics     *prometheus.CounterVec
	EvalDuration    prometheus.Histogram

	// Rule set lifecycle
	RuleSetCommits   *prometheus.CounterVec
	RuleSetRules     prometheus.Gauge
	Generation       prometheus.Gauge
	RetainedRuleSets prometheus.Gauge

	// State table
	StatesActive  prometheus.Gauge
	StatesCreated *prometheus.CounterVec
	StatesExpired prometheus.Counter

	// Translation
	Translations *prometheus.CounterVec

	// Tables
	TableEntries   *prometheus.GaugeVec
	TableRefreshes *prometheus.CounterVec

	// System
	ConfigReload   *prometheus.CounterVec
	StatsSnapshots *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

// NewRegistry creates a registry whose metrics are registered with reg.
// Tests use it with a fresh prometheus.NewRegistry().
func NewRegistry(reg prometheus.Registerer) *Registry {
	return newRegistry(reg)
}

func newRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.Verdicts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_verdicts_total",
		Help: "Packets evaluated, by direction and final action",
	}, []string{"direction", "action"})

	r.DefaultVerdicts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_default_verdicts_total",
		Help: "Packets that matched no rule and received the default action",
	}, []string{"action"})

	r.Diagnostics = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_collaborator_errors_total",
		Help: "Collaborator failures treated as non-matches during evaluation",
	}, []string{"collaborator"})

	r.EvalDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "pfeval_evaluation_duration_seconds",
		Help:    "Time spent evaluating one packet against the active rule set",
		Buckets: prometheus.ExponentialBuckets(1e-7, 4, 10),
	})

	r.RuleSetCommits = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_ruleset_commits_total",
		Help: "Rule set transactions, by outcome",
	}, []string{"status"})

	r.RuleSetRules = f.NewGauge(prometheus.GaugeOpts{
		Name: "pfeval_ruleset_rules",
		Help: "Rules in the active rule set, anchors included",
	})

	r.Generation = f.NewGauge(prometheus.GaugeOpts{
		Name: "pfeval_ruleset_generation",
		Help: "Generation of the active rule set",
	})

	r.RetainedRuleSets = f.NewGauge(prometheus.GaugeOpts{
		Name: "pfeval_ruleset_retained",
		Help: "Superseded rule sets kept alive by established states",
	})

	r.StatesActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "pfeval_states",
		Help: "Current number of state entries",
	})

	r.StatesCreated = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_states_created_total",
		Help: "State entries created, by keep-state mode",
	}, []string{"mode"})

	r.StatesExpired = f.NewCounter(prometheus.CounterOpts{
		Name: "pfeval_states_expired_total",
		Help: "State entries removed after their timeout",
	})

	r.Translations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_translations_total",
		Help: "Address translations, by type and outcome",
	}, []string{"type", "status"})

	r.TableEntries = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pfeval_table_entries",
		Help: "Number of entries in each address table",
	}, []string{"table"})

	r.TableRefreshes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_table_refreshes_total",
		Help: "Table refreshes from external sources, by outcome",
	}, []string{"table", "source", "status"})

	r.ConfigReload = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_config_reloads_total",
		Help: "Total configuration reloads",
	}, []string{"status"})

	r.StatsSnapshots = f.NewCounterVec(prometheus.CounterOpts{
		Name: "pfeval_stats_snapshots_total",
		Help: "Rule counter snapshots handed to sinks, by outcome",
	}, []string{"status"})

	return r
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordVerdict records the final action of one evaluation.
func (r *Registry) RecordVerdict(direction, action string, isDefault bool, seconds float64) {
	r.Verdicts.WithLabelValues(direction, action).Inc()
	if isDefault {
		r.DefaultVerdicts.WithLabelValues(action).Inc()
	}
	r.EvalDuration.Observe(seconds)
}

// RecordDiagnostic counts one collaborator failure.
func (r *Registry) RecordDiagnostic(collaborator string) {
	r.Diagnostics.WithLabelValues(collaborator).Inc()
}

// RecordCommit records a rule set transaction outcome.
func (r *Registry) RecordCommit(generation uint64, rules int, err error) {
	r.RuleSetCommits.WithLabelValues(status(err)).Inc()
	if err == nil {
		r.Generation.Set(float64(generation))
		r.RuleSetRules.Set(float64(rules))
	}
}

// RecordTableRefresh records a table refresh from an external source.
func (r *Registry) RecordTableRefresh(table, source string, size int, err error) {
	r.TableRefreshes.WithLabelValues(table, source, status(err)).Inc()
	if err == nil {
		r.TableEntries.WithLabelValues(table).Set(float64(size))
	}
}

// RecordTranslation records one translation attempt.
func (r *Registry) RecordTranslation(kind string, err error) {
	r.Translations.WithLabelValues(kind, status(err)).Inc()
}

// RecordReload records a configuration reload.
func (r *Registry) RecordReload(err error) {
	r.ConfigReload.WithLabelValues(status(err)).Inc()
}
