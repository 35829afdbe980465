// codever CLI - serves a simulated host's code version manager and reads
// the snapshots it writes.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/codever/config"
)

var log = commonlog.GetLogger("codever")

func main() {
	configDir := flag.String("config", ".", "Directory to search for codever.toml (walks up)")
	verbose := flag.Bool("v", false, "Verbose output")
	tick := flag.Duration("tick", 100*time.Millisecond, "Interval between simulated calls (serve)")
	limit := flag.Int("n", 20, "Number of events to print (events)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: codever [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve                  Run the simulated host and the instrumentation server\n")
		fmt.Fprintf(os.Stderr, "  dump <snapshot>        Print the ledgers of a snapshot file (.cbor or .cbor.xz)\n")
		fmt.Fprintf(os.Stderr, "  events <journal>       Print the most recent version events of a journal\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  codever serve                      # Serve using ./codever.toml\n")
		fmt.Fprintf(os.Stderr, "  codever -config ./host -v serve    # Serve with debug logging\n")
		fmt.Fprintf(os.Stderr, "  codever dump versions.cbor.xz      # Inspect a snapshot\n")
		fmt.Fprintf(os.Stderr, "  codever -n 50 events journal.db    # Last 50 events\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "serve":
		var cfg *config.Config
		cfg, err = loadConfig(*configDir)
		if err == nil {
			configureLogging(cfg, *verbose)
			err = runServe(cfg, *verbose, *tick)
		}
	case "dump":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = runDump(args[1])
	case "events":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = runEvents(args[1], *limit)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig finds codever.toml from dir upward, falling back to the
// defaults when there is none.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config, verbose bool) {
	verbosity := cfg.Log.Verbosity
	if verbose && verbosity < 2 {
		verbosity = 2
	}
	var path *string
	if cfg.Log.File != "" {
		p := cfg.Path(cfg.Log.File)
		path = &p
	}
	commonlog.Configure(verbosity, path)
}
