package main

import (
	"flag"
	"os"
	"time"

	"grimm.is/pfeval/cmd"
	"grimm.is/pfeval/internal/brand"
	"grimm.is/pfeval/internal/i18n"
	"grimm.is/pfeval/internal/logging"
	"grimm.is/pfeval/internal/statsdb"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		if err := cmd.RunCheck(ruleFile(checkFlags), *verbose, os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "show":
		showFlags := flag.NewFlagSet("show", flag.ExitOnError)
		format := showFlags.String("format", "pf", "Output format: pf, hcl or json")
		showFlags.StringVar(format, "f", "pf", "Output format (short)")
		showFlags.Parse(os.Args[2:])

		if err := cmd.RunShow(ruleFile(showFlags), *format, os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "Show failed: %v\n", err)
			os.Exit(1)
		}

	case "eval":
		evalFlags := flag.NewFlagSet("eval", flag.ExitOnError)
		var spec cmd.PacketSpec
		evalFlags.StringVar(&spec.Direction, "dir", "in", "Packet direction: in or out")
		evalFlags.StringVar(&spec.Proto, "proto", "tcp", "Protocol name or number")
		evalFlags.StringVar(&spec.Src, "src", "", "Source address")
		evalFlags.StringVar(&spec.Dst, "dst", "", "Destination address")
		sport := evalFlags.Uint("sport", 0, "Source port")
		dport := evalFlags.Uint("dport", 0, "Destination port")
		evalFlags.StringVar(&spec.Flags, "flags", "", "TCP flags, e.g. S or SA")
		evalFlags.StringVar(&spec.Iface, "iface", "", "Interface the packet crosses")
		evalFlags.Uint64Var(&spec.Len, "len", 0, "Packet length in bytes")
		evalFlags.BoolVar(&spec.Fragment, "fragment", false, "Non-first fragment")
		jsonOut := evalFlags.Bool("json", false, "JSON output")
		rtOpts := runtimeFlags(evalFlags)
		evalFlags.Parse(os.Args[2:])
		spec.SrcPort, spec.DstPort = uint16(*sport), uint16(*dport)

		opts := cmd.EvalOptions{Packet: spec, JSON: *jsonOut, Runtime: *rtOpts}
		if err := cmd.RunEval(ruleFile(evalFlags), opts, os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "Eval failed: %v\n", err)
			os.Exit(1)
		}

	case "replay":
		replayFlags := flag.NewFlagSet("replay", flag.ExitOnError)
		scenario := replayFlags.String("scenario", "", "YAML file of packets and expected actions")
		workers := replayFlags.Int("workers", 4, "Concurrent evaluations")
		verbose := replayFlags.Bool("v", false, "Print every packet")
		rtOpts := runtimeFlags(replayFlags)
		replayFlags.Parse(os.Args[2:])

		if *scenario == "" {
			printer.Println("Usage: " + brand.BinaryName + " replay -scenario <file.yaml> [rules-file]")
			os.Exit(1)
		}
		opts := cmd.ReplayOptions{Workers: *workers, Verbose: *verbose, Runtime: *rtOpts}
		if err := cmd.RunReplay(ruleFile(replayFlags), *scenario, opts, os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "Replay failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		diffFlags := flag.NewFlagSet("diff", flag.ExitOnError)
		context := diffFlags.Int("context", 3, "Lines of context")
		diffFlags.Parse(os.Args[2:])
		if diffFlags.NArg() != 2 {
			printer.Println("Usage: " + brand.BinaryName + " diff <old-rules> <new-rules>")
			os.Exit(1)
		}
		differ, err := cmd.RunDiff(diffFlags.Arg(0), diffFlags.Arg(1), *context, os.Stdout)
		if err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
		if differ {
			os.Exit(1)
		}

	case "stats":
		statsFlags := flag.NewFlagSet("stats", flag.ExitOnError)
		db := statsFlags.String("db", brand.DefaultStatsFile(), "Statistics database")
		var opts cmd.StatsOptions
		statsFlags.StringVar(&opts.Anchor, "anchor", "", "Anchor name")
		statsFlags.IntVar(&opts.Nr, "nr", statsdb.AllRules, "Rule number")
		statsFlags.StringVar(&opts.Label, "label", "", "Rule label")
		statsFlags.DurationVar(&opts.Since, "since", 0, "Only samples newer than this")
		statsFlags.IntVar(&opts.Limit, "limit", 0, "Maximum samples")
		statsFlags.DurationVar(&opts.Prune, "prune", 0, "Delete samples older than this")
		statsFlags.Parse(os.Args[2:])

		if err := cmd.RunStats(*db, opts, os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "Stats failed: %v\n", err)
			os.Exit(1)
		}

	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		var opts cmd.ServeOptions
		serveFlags.StringVar(&opts.Listen, "listen", brand.MetricsListen, "HTTP listen address")
		serveFlags.StringVar(&opts.StatsDB, "db", brand.DefaultStatsFile(), "Statistics database, empty to disable")
		serveFlags.DurationVar(&opts.SampleInterval, "sample-interval", 30*time.Second, "Rule counter sampling interval")
		serveFlags.IntVar(&opts.EvalRate, "eval-rate", 600, "GET /eval requests per client and minute, 0 for no limit")
		jsonLog := serveFlags.Bool("json-log", false, "Log as JSON")
		rtOpts := runtimeFlags(serveFlags)
		serveFlags.Parse(os.Args[2:])

		path := ruleFile(serveFlags)
		_, c, err := cmd.LoadRules(path)
		if err != nil {
			printer.Fprintf(os.Stderr, "Serve failed: %v\n", err)
			os.Exit(1)
		}
		logger := logging.New(logging.Config{Level: c.LogLevel, Output: os.Stderr, JSON: *jsonLog})
		logging.SetDefault(logger)
		rtOpts.Logger = logger
		opts.Runtime = *rtOpts

		if err := cmd.RunServe(path, opts); err != nil {
			printer.Fprintf(os.Stderr, "Serve failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "-v", "--version":
		printer.Printf("%s %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// ruleFile returns the first positional argument or the default rule file.
func ruleFile(fs *flag.FlagSet) string {
	if fs.NArg() > 0 {
		return fs.Arg(0)
	}
	return brand.DefaultConfigFile()
}

func runtimeFlags(fs *flag.FlagSet) *cmd.RuntimeOptions {
	opts := &cmd.RuntimeOptions{}
	fs.BoolVar(&opts.Kernel, "kernel", false, "Resolve interfaces and routes through netlink")
	fs.StringVar(&opts.Netns, "netns", "", "Network namespace for -kernel")
	return opts
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options] [rules-file]

Commands:
  check     Validate a rule set file
            Options: --verbose (-v)
  show      Print the normalized rule set
            Options: --format (-f) pf|hcl|json
  eval      Evaluate one packet
            Options: -dir, -proto, -src, -dst, -sport, -dport, -flags, -iface, -len, -json, -kernel
  replay    Evaluate a YAML list of packets and check expected actions
            Options: -scenario <file>, -workers, -v, -kernel
  diff      Compare two rule set files
  stats     Show recorded rule counters
            Options: -db, -anchor, -nr, -label, -since, -limit, -prune
  serve     Serve metrics and evaluations over HTTP; SIGHUP reloads
            Options: -listen, -db, -sample-interval, -eval-rate, -json-log, -kernel, -netns
  version   Show version

The rules file defaults to %s.
`, brand.Name, brand.Description, brand.BinaryName, brand.DefaultConfigFile())
}
