package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/pfeval/internal/clock"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/pf"
)

// RuleSample is one rule's counters at a point in time.
type RuleSample struct {
	Generation uint64
	Anchor     string
	Nr         int
	Label      string
	Action     string
	Stats      pf.RuleStats
}

// RuleSource provides counter samples for every rule of the active rule set.
type RuleSource interface {
	RuleSamples() []RuleSample
}

// SampleSink receives periodic rule counter snapshots.
type SampleSink interface {
	RecordSamples(at time.Time, samples []RuleSample) error
}

// RuleCollector exports per-rule counters straight from the rule set, so
// that scrapes always see the live atomic values.
type RuleCollector struct {
	source      RuleSource
	evaluations *prometheus.Desc
	packets     *prometheus.Desc
	bytes       *prometheus.Desc
}

// NewRuleCollector creates a collector reading from src.
func NewRuleCollector(src RuleSource) *RuleCollector {
	labels := []string{"anchor", "nr", "label", "action"}
	return &RuleCollector{
		source: src,
		evaluations: prometheus.NewDesc("pfeval_rule_evaluations_total",
			"Matching evaluations per rule", labels, nil),
		packets: prometheus.NewDesc("pfeval_rule_packets_total",
			"Matched packets per rule and direction", append(labels, "direction"), nil),
		bytes: prometheus.NewDesc("pfeval_rule_bytes_total",
			"Matched bytes per rule and direction", append(labels, "direction"), nil),
	}
}

// Describe implements prometheus.Collector.
func (c *RuleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.evaluations
	ch <- c.packets
	ch <- c.bytes
}

// Collect implements prometheus.Collector.
func (c *RuleCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.RuleSamples() {
		lv := []string{s.Anchor, strconv.Itoa(s.Nr), s.Label, s.Action}
		ch <- prometheus.MustNewConstMetric(c.evaluations, prometheus.CounterValue, float64(s.Stats.Evaluations), lv...)
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(s.Stats.PacketIn), append(lv, "in")...)
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(s.Stats.PacketOut), append(lv, "out")...)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.Stats.BytesIn), append(lv, "in")...)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.Stats.BytesOut), append(lv, "out")...)
	}
}

// Collector periodically snapshots rule counters and hands them to sinks
// such as the statistics database.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	clock    clock.Clock
	interval time.Duration
	source   RuleSource
	sinks    []SampleSink
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.RWMutex
	lastUpdate time.Time
	last       []RuleSample
	successes  int64
	failures   int64
}

// NewCollector creates a new snapshot collector.
func NewCollector(logger *logging.Logger, interval time.Duration, src RuleSource, sinks ...SampleSink) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	return &Collector{
		registry: Get(),
		logger:   logger,
		clock:    clock.Real,
		interval: interval,
		source:   src,
		sinks:    sinks,
		stopCh:   make(chan struct{}),
	}
}

// WithRegistry replaces the registry snapshot outcomes are counted in.
func (c *Collector) WithRegistry(r *Registry) *Collector {
	c.registry = r
	return c
}

// WithClock replaces the time source used to stamp snapshots.
func (c *Collector) WithClock(clk clock.Clock) *Collector {
	c.clock = clock.OrReal(clk)
	return c
}

// Start runs the collection loop until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting rule counter collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CollectOnce()
		case <-c.stopCh:
			c.CollectOnce()
			c.logger.Info("Stopping rule counter collector")
			return
		}
	}
}

// Stop stops the collection loop. It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// CollectOnce takes one snapshot and writes it to every sink.
func (c *Collector) CollectOnce() {
	samples := c.source.RuleSamples()
	now := c.clock.Now()

	var failed bool
	for _, sink := range c.sinks {
		if err := sink.RecordSamples(now, samples); err != nil {
			c.logger.Warn("Failed to record rule counters", "error", err)
			c.registry.StatsSnapshots.WithLabelValues("error").Inc()
			failed = true
			continue
		}
		c.registry.StatsSnapshots.WithLabelValues("success").Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = samples
	c.lastUpdate = now
	if failed {
		c.failures++
	} else {
		c.successes++
	}
}

// GetLastUpdate returns the time of the last snapshot.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// GetSamples returns the last snapshot.
func (c *Collector) GetSamples() []RuleSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RuleSample, len(c.last))
	copy(out, c.last)
	return out
}

// GetSnapshotCounts returns how many snapshots succeeded and failed.
func (c *Collector) GetSnapshotCounts() (success, failure int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.successes, c.failures
}
