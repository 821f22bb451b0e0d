package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/pfeval/internal/clock"
	"grimm.is/pfeval/internal/config"
	"grimm.is/pfeval/internal/events"
	"grimm.is/pfeval/internal/filter"
	"grimm.is/pfeval/internal/i18n"
	"grimm.is/pfeval/internal/iface"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/routing"
	"grimm.is/pfeval/internal/state"
	"grimm.is/pfeval/internal/tables"
	"grimm.is/pfeval/internal/translate"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// LoadRules reads and validates a rule set file.
func LoadRules(path string) (*config.Config, *config.Compiled, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := config.Compile(cfg)
	if err != nil {
		return cfg, nil, fmt.Errorf("rule set invalid:\n%w", err)
	}
	return cfg, c, nil
}

// RuntimeOptions selects the collaborators of a Runtime.
type RuntimeOptions struct {
	Logger *logging.Logger
	// Kernel resolves interfaces and routes through netlink.
	Kernel bool
	// Netns is the network namespace to query when Kernel is set.
	Netns string
	Clock clock.Clock
}

// Runtime is an engine wired to its collaborators.
type Runtime struct {
	Logger     *logging.Logger
	Prom       *prometheus.Registry
	Metrics    *metrics.Registry
	Hub        *events.Hub
	Tables     *tables.Store
	States     *state.Table
	Translator *translate.Translator
	Interfaces *iface.Resolver
	Engine     *filter.Engine

	mu        sync.Mutex
	compiled  *config.Compiled
	refresher *tables.Refresher
	// ctx is set by Start; refreshers of later commits run under it.
	ctx context.Context
}

// NewRuntime builds a runtime for c and commits its rules.
func NewRuntime(c *config.Compiled, opts RuntimeOptions) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.Config{Level: c.LogLevel, Output: os.Stderr})
	}
	rt := &Runtime{
		Logger: logger,
		Prom:   prometheus.NewRegistry(),
		Hub:    events.NewHub(),
	}
	rt.Metrics = metrics.NewRegistry(rt.Prom)

	rt.Tables = tables.NewStore(
		tables.WithLogger(logger.WithComponent("tables")),
		tables.WithHub(rt.Hub),
		tables.WithMetrics(rt.Metrics),
		tables.WithClock(opts.Clock),
	)
	rt.States = state.NewTable(append(c.StateOptions(),
		state.WithLogger(logger.WithComponent("state")),
		state.WithHub(rt.Hub),
		state.WithMetrics(rt.Metrics),
		state.WithClock(opts.Clock),
	)...)
	rt.Translator = translate.New(append(c.TranslateOptions(),
		translate.WithLogger(logger.WithComponent("translate")),
		translate.WithClock(opts.Clock),
	)...)

	fc := filter.Config{
		DefaultPass:    c.DefaultPass,
		MaxAnchorDepth: c.MaxAnchorDepth,
		Tables:         rt.Tables,
		Translator:     rt.Translator,
		States:         rt.States,
		Hub:            rt.Hub,
		Metrics:        rt.Metrics,
		Logger:         logger.WithComponent("filter"),
		Clock:          opts.Clock,
	}
	if opts.Kernel {
		h, err := iface.OpenHandle(opts.Netns)
		if err != nil {
			return nil, fmt.Errorf("netlink: %w", err)
		}
		rt.Interfaces = iface.NewResolver(h, iface.WithLogger(logger.WithComponent("iface")), iface.WithClock(opts.Clock))
		fc.Interfaces = rt.Interfaces
		fc.Router = routing.NewRouter(h, logger.WithComponent("routing"))
	}
	rt.Engine = filter.New(fc)
	rt.Prom.MustRegister(metrics.NewRuleCollector(rt.Engine))

	if _, err := rt.Commit(c); err != nil {
		return nil, err
	}
	return rt, nil
}

// Commit installs the tables and rules of c as a new generation. The
// active rule set is untouched on failure.
func (rt *Runtime) Commit(c *config.Compiled) (*filter.RuleSet, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := c.LoadTables(rt.Tables); err != nil {
		return nil, err
	}
	bindings, err := c.Bindings()
	if err != nil {
		return nil, err
	}

	b := rt.Engine.Begin()
	if err := c.Apply(b); err != nil {
		b.Rollback()
		return nil, err
	}

	// Dynamic tables are filled before the commit freezes the table view.
	refresher := tables.NewRefresher(rt.Tables, c.RefreshInterval(), bindings...)
	if err := refresher.RefreshAll(context.Background()); err != nil {
		rt.Logger.Warn("Initial table refresh incomplete", "error", err)
	}

	rs, err := b.Commit()
	if err != nil {
		return nil, err
	}
	if rt.compiled != nil && rt.compiled.DefaultPass != c.DefaultPass {
		rt.Logger.Warn("default_action change takes effect after restart")
	}
	if rt.refresher != nil {
		rt.refresher.Stop()
	}
	if rt.ctx != nil {
		refresher.Start(rt.ctx)
	}
	rt.refresher = refresher
	rt.compiled = c
	return rs, nil
}

// Compiled returns the rule set file of the active generation.
func (rt *Runtime) Compiled() *config.Compiled {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.compiled
}

// Reload loads path and commits it.
func (rt *Runtime) Reload(path string) error {
	_, c, err := LoadRules(path)
	if err == nil {
		var rs *filter.RuleSet
		if rs, err = rt.Commit(c); err == nil {
			rt.Logger.SetLevel(c.LogLevel)
			rt.Logger.Info("Rule set reloaded", "generation", rs.Generation(), "rules", rs.Len())
		}
	}
	rt.Metrics.RecordReload(err)
	return err
}

// Start runs the periodic table refresh and the expiry of states,
// translations and retired rule sets until ctx ends.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	rt.ctx = ctx
	rt.refresher.Start(ctx)
	interval := rt.compiled.ExpireInterval
	rt.mu.Unlock()

	go rt.States.Run(ctx, interval, func(n int) {
		rt.Logger.Debug("States expired", "count", n)
	})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rt.Translator.Expire()
				if n := rt.Engine.Reap(); n > 0 {
					rt.Logger.Debug("Released retired rule sets", "count", n)
				}
			}
		}
	}()
}

// Close stops the refresher.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.refresher != nil {
		rt.refresher.Stop()
	}
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard})
}
