package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	goruntime "runtime"
	"time"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/afero"

	"himawari-mosaic/internal/common"
	"himawari-mosaic/internal/config"
	himawaridl "himawari-mosaic/internal/downloads/himawari"
	"himawari-mosaic/internal/himawari"
	"himawari-mosaic/internal/imagery"
	"himawari-mosaic/internal/ratelimit"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App wires settings, logging, telemetry and the downloader for one CLI run
type App struct {
	settings         *config.Settings
	log              *slog.Logger
	fs               afero.Fs
	client           *himawari.Client
	downloader       *himawaridl.Downloader
	rateLimitHandler *ratelimit.Handler
	phClient         posthog.Client
	runID            string
}

// NewApp creates an App that logs to logOutput
func NewApp(settings *config.Settings, logOutput io.Writer) (*App, error) {
	log := newLogger(settings, logOutput)

	spectrum, err := common.ParseSpectrum(settings.Spectrum)
	if err != nil {
		return nil, err
	}
	settings.Spectrum = string(spectrum)

	a := &App{
		settings: settings,
		log:      log,
		fs:       afero.NewOsFs(),
		runID:    uuid.NewString(),
	}

	// Initialize PostHog; settings win over linker flags
	key, host := PostHogKey, PostHogHost
	if settings.Telemetry.PostHogKey != "" {
		key, host = settings.Telemetry.PostHogKey, settings.Telemetry.PostHogHost
	}
	if key != "" {
		client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
		if err != nil {
			log.Warn("Failed to initialize PostHog", slog.Any("error", err))
		} else {
			a.phClient = client
		}
	}

	a.setupRateLimitHandler()

	timeout := time.Duration(settings.TimeoutMS) * time.Millisecond
	a.client = himawari.NewClient(settings.BaseURL,
		himawari.WithUserAgent(settings.UserAgent),
		himawari.WithLatestTimeout(timeout),
		himawari.WithRateLimitHandler(a.rateLimitHandler),
		himawari.WithLogger(log),
	)

	a.downloader = himawaridl.NewDownloader(
		a.client,
		a.fs,
		"",
		imagery.NewAssembler(a.fs, imagery.DrawCompositor{}, log),
		imagery.NewEmptyTileDetector(settings.EmptyFingerprints...),
		ratelimit.DefaultRetryStrategy(),
		log,
		a.TrackEvent,
	)

	return a, nil
}

// newLogger builds the run logger; the debug flag wins over log_level
func newLogger(settings *config.Settings, w io.Writer) *slog.Logger {
	lo := &slog.HandlerOptions{}
	switch settings.LogLevel {
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	default:
		lo.Level = slog.LevelInfo
	}
	if settings.Debug {
		lo.Level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, lo))
}

// request translates settings into a download request
func (a *App) request() himawaridl.Request {
	s := a.settings
	return himawaridl.Request{
		Spectrum:     common.Spectrum(s.Spectrum),
		Zoom:         s.Zoom,
		Date:         himawari.ParseDateSpec(s.Date),
		OutFile:      s.OutFile,
		SkipEmpty:    s.SkipEmpty,
		Parallel:     s.Parallel,
		Workers:      s.Workers,
		Timeout:      time.Duration(s.TimeoutMS) * time.Millisecond,
		URLsOnly:     s.URLsOnly,
		DateFallback: s.DateFallback,
	}
}

// Run performs one download, reporting progress and the result to out
func (a *App) Run(ctx context.Context, out io.Writer) error {
	a.TrackEvent("app_started", map[string]interface{}{
		"version": AppVersion,
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})

	run := a.downloader.Start(ctx, a.request())
	for p := range run.Progress() {
		fmt.Fprintf(out, "Saved %d/%d\n", p.Downloaded, p.Total)
	}

	outcome, err := run.Wait()
	if err != nil {
		a.log.Debug("Run failed",
			slog.Any("error", err),
			slog.Int("rate_limited", a.RateLimitCount()))
		return err
	}

	for _, url := range outcome.URLs {
		fmt.Fprintln(out, url)
	}
	fmt.Fprintf(out, "Complete %s\n", outcome.Message())

	a.TrackEvent("run_completed", map[string]interface{}{
		"outcome":      outcome.Kind.String(),
		"tiles":        outcome.Tiles,
		"rate_limited": a.RateLimitCount(),
	})
	return nil
}

// TrackEvent sends an event to PostHog
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient != nil {
		a.phClient.Enqueue(posthog.Capture{
			DistinctId: a.runID,
			Event:      event,
			Properties: props,
		})
	}
}

// Shutdown flushes telemetry
func (a *App) Shutdown() {
	if a.phClient != nil {
		a.phClient.Close()
	}
}

// userMessage renders a run error for the terminal
func userMessage(err error) string {
	var dateErr *common.DateResolutionError
	if errors.As(err, &dateErr) && dateErr.Timeout {
		return fmt.Sprintf("Request to %s server timed out. Please try again later.", common.DisplayNameHimawari)
	}
	return "Error: " + err.Error()
}
