package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"grimm.is/pfeval/internal/statsdb"
)

// StatsOptions selects the history printed by RunStats.
type StatsOptions struct {
	Anchor string
	// Nr is the rule number, or statsdb.AllRules.
	Nr    int
	Label string
	Since time.Duration
	Limit int
	// Prune deletes samples older than this instead of printing.
	Prune time.Duration
}

// RunStats prints rule counter samples recorded by serve.
func RunStats(dbPath string, opts StatsOptions, w io.Writer) error {
	db, err := statsdb.Open(dbPath, quietLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	if opts.Prune > 0 {
		n, err := db.Prune(time.Now().Add(-opts.Prune))
		if err != nil {
			return err
		}
		Printer.Fprintf(w, "Pruned %d samples\n", n)
		return nil
	}

	var records []statsdb.Record
	if opts.Since == 0 && opts.Nr == statsdb.AllRules && opts.Label == "" && opts.Anchor == "" {
		records, err = db.Latest()
	} else {
		h := statsdb.HistoryOptions{Anchor: opts.Anchor, Nr: opts.Nr, Label: opts.Label, Limit: opts.Limit}
		if opts.Since > 0 {
			h.Since = time.Now().Add(-opts.Since)
		}
		records, err = db.History(h)
	}
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "TIME\tGEN\tANCHOR\tNR\tLABEL\tACTION\tEVALS\tPKTS IN\tPKTS OUT\tBYTES IN\tBYTES OUT")
	for _, r := range records {
		anchor := r.Anchor
		if anchor == "" {
			anchor = "-"
		}
		Printer.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.At.Format(time.RFC3339), r.Generation, anchor, strconv.Itoa(r.Nr), r.Label, r.Action,
			r.Stats.Evaluations, r.Stats.PacketIn, r.Stats.PacketOut, r.Stats.BytesIn, r.Stats.BytesOut)
	}
	return tw.Flush()
}
