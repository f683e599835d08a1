package himawari

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"himawari-mosaic/internal/common"
	"himawari-mosaic/internal/downloads"
	"himawari-mosaic/internal/himawari"
	"himawari-mosaic/internal/imagery"
	"himawari-mosaic/internal/ratelimit"
	"himawari-mosaic/internal/utils/naming"
)

// Request describes one mosaic download
type Request struct {
	Spectrum     common.Spectrum
	Zoom         int
	Date         himawari.DateSpec
	OutFile      string        // file or existing directory; empty selects the default name
	SkipEmpty    bool          // stop with NoImageAvailable on the provider's placeholder tile
	Parallel     bool          // bounded-parallel instead of sequential fetching
	Workers      int           // pool size when Parallel is set
	Timeout      time.Duration // per-attempt tile timeout
	URLsOnly     bool          // list tile URLs without downloading
	DateFallback bool          // resolve unparseable dates to the current time
}

// Downloader handles Himawari-8 mosaic downloads
type Downloader struct {
	client             *himawari.Client
	fs                 afero.Fs
	tempRoot           string
	assembler          *imagery.Assembler
	detector           *imagery.EmptyTileDetector
	strategy           ratelimit.RetryStrategy
	log                *slog.Logger
	trackEventCallback func(string, map[string]interface{})
}

// NewDownloader creates a new downloader with injected dependencies.
// tempRoot is where per-run scratch directories are created; empty uses the OS default.
func NewDownloader(
	client *himawari.Client,
	fs afero.Fs,
	tempRoot string,
	assembler *imagery.Assembler,
	detector *imagery.EmptyTileDetector,
	strategy ratelimit.RetryStrategy,
	log *slog.Logger,
	trackEventCallback func(string, map[string]interface{}),
) *Downloader {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if assembler == nil {
		assembler = imagery.NewAssembler(fs, nil, log)
	}
	if detector == nil {
		detector = imagery.NewEmptyTileDetector(imagery.DefaultEmptyFingerprints...)
	}

	return &Downloader{
		client:             client,
		fs:                 fs,
		tempRoot:           tempRoot,
		assembler:          assembler,
		detector:           detector,
		strategy:           strategy,
		log:                log,
		trackEventCallback: trackEventCallback,
	}
}

// trackEvent tracks an analytics event if callback is set
func (d *Downloader) trackEvent(event string, properties map[string]interface{}) {
	if d.trackEventCallback != nil {
		d.trackEventCallback(event, properties)
	}
}

// Run is one in-flight download
type Run struct {
	progress chan downloads.DownloadProgress
	done     chan struct{}
	outcome  common.Outcome
	err      error
}

// Progress yields one event per completed tile and is closed when the run ends.
// It is buffered for the largest grid, so the run never waits on the reader.
func (r *Run) Progress() <-chan downloads.DownloadProgress {
	return r.progress
}

// Wait blocks until the run ends and returns its outcome or its first fatal error
func (r *Run) Wait() (common.Outcome, error) {
	<-r.done
	return r.outcome, r.err
}

// Start begins a download in the background
func (d *Downloader) Start(ctx context.Context, req Request) *Run {
	run := &Run{
		progress: make(chan downloads.DownloadProgress, downloads.MaxTiles),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(run.done)
		defer close(run.progress)
		run.outcome, run.err = d.Download(ctx, req, run.progress)
	}()

	return run
}

// Download runs a download to completion, sending per-tile progress to progress.
// progress must have room for every tile of the grid or be drained concurrently.
// Errors from the date resolver, fetcher and assembler are returned unchanged.
func (d *Downloader) Download(ctx context.Context, req Request, progress chan<- downloads.DownloadProgress) (common.Outcome, error) {
	start := time.Now()

	d.log.Debug("Resolving date...", slog.String("date", req.Date.String()))
	resolver := himawari.NewDateResolver(d.client, req.Spectrum, req.DateFallback, d.log)
	resolved, err := resolver.Resolve(ctx, req.Date)
	if err != nil {
		return common.Outcome{}, err
	}

	moment := common.NormalizeMoment(resolved)
	d.log.Debug("Date resolved", slog.Time("date", resolved), slog.Time("moment", moment))

	grid, tiles, urlBase := himawari.Plan(d.client.BaseURL(), req.Spectrum, req.Zoom, moment)
	d.log.Debug("Zoom level set",
		slog.String("level", grid.Level.Token),
		slog.Int("blocks", grid.BlockCount),
		slog.String("spectrum", string(req.Spectrum)))

	if req.URLsOnly {
		urls := lo.Map(tiles, func(tile himawari.TileDescriptor, _ int) string {
			return tile.URL(urlBase)
		})
		return common.Outcome{Kind: common.OutcomeURLsListed, URLs: urls, Moment: moment, Tiles: len(tiles)}, nil
	}

	outfile := naming.ResolveOutputPath(d.fs, req.OutFile, moment)

	tempDir, err := afero.TempDir(d.fs, d.tempRoot, "himawari-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return common.Outcome{}, err
	}
	defer func() {
		d.log.Debug("Cleaning temp files...", slog.String("dir", tempDir))
		if err := d.fs.RemoveAll(tempDir); err != nil {
			d.log.Error("Failed to remove temp directory", slog.String("dir", tempDir), slog.Any("error", err))
		}
	}()

	var detector *imagery.EmptyTileDetector
	if req.SkipEmpty {
		detector = d.detector
	}
	fetcher := NewTileFetcher(d.client, d.fs, tempDir, req.Timeout, d.strategy, detector, d.log)

	workers := 1
	if req.Parallel {
		workers = downloads.ValidateWorkers(req.Workers)
	}
	d.log.Info("Downloading tiles",
		slog.Int("tiles", len(tiles)),
		slog.Int("workers", workers),
		slog.Time("moment", moment))

	paths, knownEmpty, err := d.fetchAll(ctx, fetcher, tiles, urlBase, workers, progress)
	if err != nil {
		d.trackEvent("download_failed", map[string]interface{}{
			"spectrum": string(req.Spectrum),
			"zoom":     req.Zoom,
			"total":    len(tiles),
		})
		return common.Outcome{}, err
	}

	if knownEmpty {
		d.log.Info("No image data, skipping...", slog.Time("moment", moment))
		d.trackEvent("download_empty", map[string]interface{}{
			"spectrum": string(req.Spectrum),
			"zoom":     req.Zoom,
		})
		return common.Outcome{Kind: common.OutcomeNoImageAvailable, Moment: moment, Tiles: len(tiles)}, nil
	}

	bounds, err := common.CalculateTileBounds(tiles)
	if err != nil {
		return common.Outcome{}, &common.AssemblyError{Output: outfile, Err: err}
	}
	width, height := bounds.CanvasSize(grid.TileSizePx)

	placed := lo.Map(tiles, func(tile himawari.TileDescriptor, i int) imagery.PlacedTile {
		return imagery.PlacedTile{Path: paths[i], OffsetX: tile.OffsetX, OffsetY: tile.OffsetY}
	})
	if err := d.assembler.Assemble(placed, width, height, outfile); err != nil {
		return common.Outcome{}, err
	}

	d.log.Info("Mosaic saved", slog.String("path", outfile), slog.Duration("elapsed", time.Since(start)))
	d.trackEvent("download_complete", map[string]interface{}{
		"spectrum": string(req.Spectrum),
		"zoom":     req.Zoom,
		"total":    len(tiles),
		"parallel": workers > 1,
		"format":   string(imagery.FormatForPath(outfile)),
	})

	return common.Outcome{Kind: common.OutcomeSuccess, Path: outfile, Moment: moment, Tiles: len(tiles)}, nil
}

// fetchAll drives the fetcher over every tile with at most workers fetches in flight.
// With one worker each fetch finishes before the next starts. The first failure or
// known-empty tile cancels the remaining fetches; results still draining are discarded.
// The returned paths are indexed like tiles.
func (d *Downloader) fetchAll(
	ctx context.Context,
	fetcher *TileFetcher,
	tiles []himawari.TileDescriptor,
	urlBase string,
	workers int,
	progress chan<- downloads.DownloadProgress,
) ([]string, bool, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(workers))
	counter := downloads.NewProgressCounter(len(tiles))

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		paths      = make([]string, len(tiles))
		stopped    bool
		knownEmpty bool
		firstErr   error
	)

	for i, tile := range tiles {
		// Acquire may succeed on a done context, so check before and after
		if runCtx.Err() != nil {
			break
		}
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		if runCtx.Err() != nil {
			sem.Release(1)
			break
		}

		wg.Add(1)
		go func(i int, tile himawari.TileDescriptor) {
			defer wg.Done()
			defer sem.Release(1)

			outcome := fetcher.Fetch(runCtx, tile, urlBase)

			mu.Lock()
			defer mu.Unlock()
			if stopped {
				return
			}

			switch outcome.Kind {
			case common.FetchFailure:
				d.log.Debug("Error occurred...", slog.Any("error", outcome.Err))
				firstErr = outcome.Err
				stopped = true
				cancel()
			case common.FetchKnownEmpty:
				knownEmpty = true
				stopped = true
				cancel()
			default:
				paths[i] = outcome.Path
				p := counter.Next(outcome.Path)
				d.log.Debug("Tile downloaded", slog.Int("part", p.Downloaded), slog.Int("total", p.Total))
				if progress != nil {
					progress <- p
				}
			}
		}(i, tile)
	}

	wg.Wait()

	switch {
	case firstErr != nil:
		return nil, false, firstErr
	case knownEmpty:
		return nil, true, nil
	case ctx.Err() != nil:
		return nil, false, ctx.Err()
	}
	return paths, false, nil
}
