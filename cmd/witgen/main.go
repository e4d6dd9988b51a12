// witgen computes the generic calling convention of every function in a
// module manifest, builds the witness tables of its conformances and
// writes the lowered module listing.
//
// Flags:
//
//	-config   YAML or JSON settings file.
//	-out      listing path (default stdout).
//	-db       SQLite database recording runs; changes since the previous
//	          run of the module are reported.
//	-watch    rerun whenever the manifest or config changes.
//	-verify   execute the emitted accessors and call sites.
//	-version  print version information (-json for JSON).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/orizon-lang/witgen/internal/cli"
	"github.com/orizon-lang/witgen/internal/pipeline"
	"github.com/orizon-lang/witgen/internal/store"
	"github.com/orizon-lang/witgen/internal/watch"
)

const tool = "witgen"

var usage = cli.CommandInfo{
	Name:        tool,
	Usage:       "witgen [options] <manifest.yaml>",
	Description: "generic metadata fulfillment and witness table generator",
	Examples: []string{
		"witgen swift.yaml",
		"witgen -db runs.db -verify -out swift.ll swift.yaml",
		"witgen -config witgen.yaml -watch",
	},
	Flags: []cli.FlagInfo{
		{Name: "config", Usage: "settings file (YAML or JSON)"},
		{Name: "out", Usage: "write the listing to this file", Default: "stdout"},
		{Name: "db", Usage: "SQLite database recording runs"},
		{Name: "watch", Usage: "regenerate when inputs change"},
		{Name: "verify", Usage: "execute emitted accessors and call sites"},
		{Name: "verbose", Short: "v", Usage: "log progress"},
		{Name: "debug", Usage: "log per-unit details"},
		{Name: "version", Usage: "print version information"},
		{Name: "json", Usage: "print version information as JSON"},
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(tool, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { cli.PrintCommandUsage(stderr, tool, usage) }

	var (
		configPath  string
		out         string
		db          string
		watchMode   bool
		verifyRun   bool
		verbose     bool
		debug       bool
		showVersion bool
		jsonOutput  bool
	)

	fs.StringVar(&configPath, "config", "", "settings file (YAML or JSON)")
	fs.StringVar(&out, "out", "", "write the listing to this file")
	fs.StringVar(&db, "db", "", "SQLite database recording runs")
	fs.BoolVar(&watchMode, "watch", false, "regenerate when inputs change")
	fs.BoolVar(&verifyRun, "verify", false, "execute emitted accessors and call sites")
	fs.BoolVar(&verbose, "verbose", false, "log progress")
	fs.BoolVar(&verbose, "v", false, "log progress (shorthand)")
	fs.BoolVar(&debug, "debug", false, "log per-unit details")
	fs.BoolVar(&showVersion, "version", false, "print version information")
	fs.BoolVar(&jsonOutput, "json", false, "print version information as JSON")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		if err := cli.PrintVersion(stdout, tool, jsonOutput); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}

		return 0
	}

	config, err := cli.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Flags given on the command line win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			config.Out = out
		case "db":
			config.DB = db
		case "watch":
			config.Watch = watchMode
		case "verify":
			config.Verify = verifyRun
		case "verbose", "v":
			config.Verbose = verbose
		case "debug":
			config.Debug = debug
		}
	})

	if fs.NArg() > 0 {
		config.Manifest = fs.Arg(0)
	}

	if config.Manifest == "" {
		fs.Usage()
		return 2
	}

	log := cli.NewLoggerTo(stderr, config.Verbose || config.Debug, config.Debug)

	opts := pipeline.Options{
		MaxConcurrency: config.MaxConcurrency,
		Logger:         log,
		Verify:         config.Verify,
	}

	if config.DB != "" {
		s, err := store.Open(ctx, config.DB)
		if err != nil {
			log.Error("%v", err)
			return 1
		}
		defer s.Close()

		opts.Store = s
	}

	generate := func(ctx context.Context) error {
		res, err := pipeline.RunFile(ctx, config.Manifest, opts)
		if err != nil {
			return err
		}

		for _, c := range res.Changes {
			fmt.Fprintf(stderr, "changed: %s\n", c)
		}

		return writeListing(stdout, config.Out, res.Listing())
	}

	if !config.Watch {
		if err := generate(ctx); err != nil {
			log.Error("%v", err)
			return 1
		}

		return 0
	}

	w, err := watch.New(config.Manifest, configPath)
	if err != nil {
		log.Error("%v", err)
		return 1
	}
	defer w.Close()

	log.Info("watching %s", config.Manifest)

	if err := w.Run(ctx, config.Debounce, log, generate); err != nil {
		log.Error("%v", err)
		return 1
	}

	return 0
}

func writeListing(stdout io.Writer, path, listing string) error {
	if !strings.HasSuffix(listing, "\n") {
		listing += "\n"
	}

	if path == "" {
		_, err := io.WriteString(stdout, listing)
		return err
	}

	if err := os.WriteFile(path, []byte(listing), 0o644); err != nil {
		return fmt.Errorf("writing listing: %w", err)
	}

	return nil
}
