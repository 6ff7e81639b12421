package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// globalOptions holds flags shared by every subcommand.
type globalOptions struct {
	catalogPath string
	configPath  string
	verbose     bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:     "hashall",
		Short:   "Content-addressed filesystem catalog and deduplication engine",
		Version: version + " (" + commit + ")",
	}

	root.PersistentFlags().StringVar(&opts.catalogPath, "catalog", "", "Path to the catalog database (overrides HASHALL_CATALOG_PATH)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newScanCmd(opts),
		newCollideCmd(opts),
		newAnalyzeCmd(opts),
		newPlanCmd(opts),
		newExecCmd(opts),
		newPayloadCmd(opts),
		newDevicesCmd(opts),
	)

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newLogger(opts *globalOptions) zerolog.Logger {
	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
