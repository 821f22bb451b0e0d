package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"grimm.is/pfeval/internal/pf"
)

// Scenario is a replay file: a list of packets with expected outcomes.
type Scenario struct {
	Packets []PacketSpec `yaml:"packets"`
}

// LoadScenario reads a YAML replay file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// ReplayOptions configures RunReplay.
type ReplayOptions struct {
	Workers int
	Verbose bool
	Runtime RuntimeOptions
}

// ReplayOutcome is the result of one replayed packet.
type ReplayOutcome struct {
	Spec   PacketSpec
	Result EvalResult
	OK     bool
	Reason string
}

// Replay evaluates every packet of s on rt with up to workers concurrent
// evaluations. Outcomes are returned in scenario order.
func Replay(ctx context.Context, rt *Runtime, s *Scenario, workers int) ([]ReplayOutcome, error) {
	if workers <= 0 {
		workers = 1
	}
	out := make([]ReplayOutcome, len(s.Packets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, spec := range s.Packets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := spec.Packet()
			if err != nil {
				return fmt.Errorf("packet %s: %w", spec.label(i), err)
			}
			d, perr := rt.Engine.Process(p)
			o := ReplayOutcome{Spec: spec, Result: newEvalResult(p, d, perr), OK: true}
			o.check()
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *ReplayOutcome) check() {
	if o.Spec.Expect != "" {
		want, err := pf.ParseAction(o.Spec.Expect)
		if err != nil {
			o.OK, o.Reason = false, err.Error()
			return
		}
		if want.String() != o.Result.Action {
			o.OK, o.Reason = false, fmt.Sprintf("got %s, want %s", o.Result.Action, want)
			return
		}
	}
	if o.Spec.ExpectLabel != "" && o.Spec.ExpectLabel != o.Result.Label {
		o.OK, o.Reason = false, fmt.Sprintf("decided by label %q, want %q", o.Result.Label, o.Spec.ExpectLabel)
	}
}

// RunReplay replays a scenario against a rule set file. It fails when any
// packet does not get its expected outcome.
func RunReplay(path, scenario string, opts ReplayOptions, w io.Writer) error {
	_, c, err := LoadRules(path)
	if err != nil {
		return err
	}
	s, err := LoadScenario(scenario)
	if err != nil {
		return err
	}
	if opts.Runtime.Logger == nil {
		opts.Runtime.Logger = quietLogger()
	}
	rt, err := NewRuntime(c, opts.Runtime)
	if err != nil {
		return err
	}
	defer rt.Close()

	outcomes, err := Replay(context.Background(), rt, s, opts.Workers)
	if err != nil {
		return err
	}

	ok := 0
	var failed []string
	for i, o := range outcomes {
		name := o.Spec.label(i)
		if o.OK {
			ok++
			if opts.Verbose {
				Printer.Fprintf(w, "ok    %-20s %s\n", name, o.Result.Action)
			}
			continue
		}
		failed = append(failed, name)
		Printer.Fprintf(w, "FAIL  %-20s %s: %s\n", name, o.Result.Packet, o.Reason)
	}
	Printer.Fprintf(w, "%d of %d packets matched\n", ok, len(outcomes))
	Printer.Fprintf(w, "States: %d, translations: %d\n", rt.States.Len(), rt.Translator.Len())
	if len(failed) > 0 {
		return fmt.Errorf("%d packets did not match: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}
