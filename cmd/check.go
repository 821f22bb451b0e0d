package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"grimm.is/pfeval/internal/brand"
	"grimm.is/pfeval/internal/config"
)

// RunCheck validates a rule set file and prints a summary.
func RunCheck(path string, verbose bool, w io.Writer) error {
	if path == "" {
		return fmt.Errorf("usage: %s check [-v] <rules-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.DefaultConfigFile())
	}
	cfg, c, err := LoadRules(path)
	if err != nil {
		return err
	}

	action := "block"
	if c.DefaultPass {
		action = "pass"
	}
	dynamic := 0
	for _, t := range c.Tables {
		if t.Dynamic() {
			dynamic++
		}
	}
	Printer.Fprintf(w, "Rule set valid\n")
	Printer.Fprintf(w, "Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Fprintf(w, "Default action: %s\n", action)
	Printer.Fprintf(w, "Rules: %d, anchors: %d, pools: %d\n", len(c.Rules), len(c.Anchors), len(c.Pools))
	Printer.Fprintf(w, "Tables: %d (%d dynamic)\n", len(c.Tables), dynamic)
	if len(c.Referenced) > 0 {
		Printer.Fprintf(w, "Undeclared tables (created empty): %v\n", c.Referenced)
	}

	if verbose {
		Printer.Fprintln(w)
		printSummary(w, c)
	}
	return nil
}

func printSummary(out io.Writer, c *config.Compiled) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "ANCHOR\tNR\tRULE")
	for i, r := range c.Rules {
		Printer.Fprintf(w, "-\t%d\t%s\n", i, r.String())
	}
	for _, a := range c.Anchors {
		for i, r := range a.Rules {
			Printer.Fprintf(w, "%s\t%d\t%s\n", a.Name, i, r.String())
		}
	}
	w.Flush()

	if len(c.Tables) == 0 {
		return
	}
	Printer.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "TABLE\tENTRIES\tHOSTS\tNFTSET\tREFRESH")
	for _, t := range c.Tables {
		nft := "-"
		if t.NFT != nil {
			nft = t.NFT.Family + " " + t.NFT.Table + " " + t.NFT.Set
		}
		refresh := "-"
		if t.Dynamic() {
			refresh = t.Refresh.String()
		}
		Printer.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", t.Name, len(t.Entries), len(t.Hosts), nft, refresh)
	}
	w.Flush()
}
