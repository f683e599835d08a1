package main

import (
	"flag"
	"fmt"
	"io"

	"himawari-mosaic/internal/common"
	"himawari-mosaic/internal/config"
)

// ===================
// Settings Management
// ===================

// cliOptions holds parsed command-line flags. Only flags the user actually
// passed override the loaded settings.
type cliOptions struct {
	configPath string
	set        map[string]bool

	zoom      int
	date      string
	outfile   string
	infrared  bool
	skipEmpty bool
	parallel  bool
	workers   int
	timeoutMS int
	urlsOnly  bool
	debug     bool
}

// parseFlags parses args; short and long spellings share one destination
func parseFlags(args []string, output io.Writer) (*cliOptions, error) {
	opts := &cliOptions{set: make(map[string]bool)}
	defaults := config.DefaultSettings()

	fs := flag.NewFlagSet("himawari", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: himawari [flags]")
		fmt.Fprintln(fs.Output(), "Downloads a full-disk Himawari 8 image and writes it as one mosaic.")
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.configPath, "c", "himawari.yml", "Path to config file")

	for _, name := range []string{"z", "zoom"} {
		fs.IntVar(&opts.zoom, name, defaults.Zoom, "Zoom level (visible 1-5, infrared 1-3)")
	}
	for _, name := range []string{"d", "date"} {
		fs.StringVar(&opts.date, name, defaults.Date, `Date to fetch, or "latest"`)
	}
	for _, name := range []string{"o", "outfile"} {
		fs.StringVar(&opts.outfile, name, "", "Output file or existing directory")
	}
	for _, name := range []string{"i", "infrared"} {
		fs.BoolVar(&opts.infrared, name, false, "Fetch the infrared spectrum")
	}
	for _, name := range []string{"s", "skipempty"} {
		fs.BoolVar(&opts.skipEmpty, name, defaults.SkipEmpty, "Stop when the provider has no image for the date")
	}
	for _, name := range []string{"p", "parallel"} {
		fs.BoolVar(&opts.parallel, name, defaults.Parallel, "Fetch tiles in parallel")
	}
	fs.IntVar(&opts.workers, "workers", defaults.Workers, "Concurrent fetches when parallel")
	for _, name := range []string{"t", "timeout"} {
		fs.IntVar(&opts.timeoutMS, name, defaults.TimeoutMS, "Per-request timeout in milliseconds")
	}
	fs.BoolVar(&opts.urlsOnly, "urls", false, "Print tile URLs instead of downloading")
	for _, name := range []string{"l", "debug"} {
		fs.BoolVar(&opts.debug, name, false, "Enable debug logging")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	return opts, nil
}

func (o *cliOptions) passed(names ...string) bool {
	for _, name := range names {
		if o.set[name] {
			return true
		}
	}
	return false
}

// loadSettings loads the config file and environment, then overlays flags
func loadSettings(opts *cliOptions) (*config.Settings, error) {
	settings, err := config.LoadSettings(opts.configPath)
	if err != nil {
		return nil, err
	}

	opts.apply(settings)

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// apply copies passed flags onto settings
func (o *cliOptions) apply(s *config.Settings) {
	if o.passed("z", "zoom") {
		s.Zoom = o.zoom
	}
	if o.passed("d", "date") {
		s.Date = o.date
	}
	if o.passed("o", "outfile") {
		s.OutFile = o.outfile
	}
	if o.passed("i", "infrared") {
		s.Spectrum = string(common.SpectrumVisible)
		if o.infrared {
			s.Spectrum = string(common.SpectrumInfrared)
		}
	}
	if o.passed("s", "skipempty") {
		s.SkipEmpty = o.skipEmpty
	}
	if o.passed("p", "parallel") {
		s.Parallel = o.parallel
	}
	if o.passed("workers") {
		s.Workers = o.workers
	}
	if o.passed("t", "timeout") {
		s.TimeoutMS = o.timeoutMS
	}
	if o.passed("urls") {
		s.URLsOnly = o.urlsOnly
	}
	if o.passed("l", "debug") {
		s.Debug = o.debug
	}
}
