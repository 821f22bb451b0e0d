package cmd

import (
	"fmt"
	"io"

	"github.com/pmezard/go-difflib/difflib"
)

// RunDiff compares two rule set files after normalization and prints a
// unified diff of their pf.conf rendering. It reports whether they differ.
func RunDiff(oldPath, newPath string, context int, w io.Writer) (bool, error) {
	render := func(path string) (string, error) {
		_, c, err := LoadRules(path)
		if err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
		rs, store, err := buildRuleSet(c)
		if err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
		return renderPF(c, rs, store), nil
	}

	a, err := render(oldPath)
	if err != nil {
		return false, err
	}
	b, err := render(newPath)
	if err != nil {
		return false, err
	}
	if a == b {
		Printer.Fprintln(w, "No differences.")
		return false, nil
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: oldPath,
		ToFile:   newPath,
		Context:  context,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return true, fmt.Errorf("failed to generate diff: %w", err)
	}
	_, err = io.WriteString(w, text)
	return true, err
}
