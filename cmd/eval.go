package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"grimm.is/pfeval/internal/filter"
)

// EvalOptions configures RunEval.
type EvalOptions struct {
	Packet  PacketSpec
	JSON    bool
	Runtime RuntimeOptions
}

// EvalResult is the machine readable outcome of one packet.
type EvalResult struct {
	Packet      string   `json:"packet"`
	Action      string   `json:"action"`
	Default     bool     `json:"default"`
	Rule        string   `json:"rule,omitempty"`
	Label       string   `json:"label,omitempty"`
	Anchor      string   `json:"anchor,omitempty"`
	Nr          int      `json:"nr"`
	Quick       bool     `json:"quick,omitempty"`
	Matches     int      `json:"matches"`
	Diagnostics int      `json:"diagnostics,omitempty"`
	Logged      []string `json:"logged,omitempty"`
	Translated  string   `json:"translated,omitempty"`
	State       string   `json:"state,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func newEvalResult(p filter.Packet, d filter.Decision, err error) EvalResult {
	res := EvalResult{
		Packet:      p.String(),
		Action:      d.Action.String(),
		Default:     d.Default,
		Anchor:      d.Anchor,
		Nr:          d.Nr,
		Quick:       d.Quick,
		Matches:     d.Matches,
		Diagnostics: d.Diagnostics,
	}
	if d.Rule != nil {
		res.Rule = d.Rule.String()
		res.Label = d.Rule.Label
	}
	for _, h := range d.Logged {
		res.Logged = append(res.Logged, h.String()+" "+h.Rule.String())
	}
	if d.Translation != nil {
		res.Translated = d.Packet.String()
	}
	if d.State != nil {
		res.State = fmt.Sprintf("%s %s", d.State.ID, d.State.Mode)
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// RunEval evaluates one packet against a rule set file and prints the
// decision.
func RunEval(path string, opts EvalOptions, w io.Writer) error {
	_, c, err := LoadRules(path)
	if err != nil {
		return err
	}
	p, err := opts.Packet.Packet()
	if err != nil {
		return fmt.Errorf("invalid packet: %w", err)
	}
	if opts.Runtime.Logger == nil {
		opts.Runtime.Logger = quietLogger()
	}
	rt, err := NewRuntime(c, opts.Runtime)
	if err != nil {
		return err
	}
	defer rt.Close()

	d, perr := rt.Engine.Process(p)
	res := newEvalResult(p, d, perr)

	if opts.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	Printer.Fprintf(w, "packet:   %s\n", res.Packet)
	Printer.Fprintf(w, "verdict:  %s\n", d.Verdict.String())
	if res.Rule != "" {
		Printer.Fprintf(w, "rule:     %s\n", res.Rule)
	}
	Printer.Fprintf(w, "matches:  %d\n", res.Matches)
	for _, l := range res.Logged {
		Printer.Fprintf(w, "log:      %s\n", l)
	}
	if res.Translated != "" {
		Printer.Fprintf(w, "rewrite:  %s\n", res.Translated)
	}
	if res.State != "" {
		Printer.Fprintf(w, "state:    %s\n", res.State)
	}
	if res.Diagnostics > 0 {
		Printer.Fprintf(w, "diagnostics: %d\n", res.Diagnostics)
	}
	return perr
}
