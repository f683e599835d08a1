package himawari

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"himawari-mosaic/internal/common"
	"himawari-mosaic/internal/downloads"
	"himawari-mosaic/internal/himawari"
	"himawari-mosaic/internal/imagery"
	"himawari-mosaic/internal/ratelimit"
)

// TileFetcher downloads single tiles into a run's temp directory
type TileFetcher struct {
	client   *himawari.Client
	fs       afero.Fs
	dir      string
	timeout  time.Duration
	strategy ratelimit.RetryStrategy
	detector *imagery.EmptyTileDetector // nil disables empty detection
	log      *slog.Logger
}

// NewTileFetcher creates a fetcher writing into dir on fs
func NewTileFetcher(
	client *himawari.Client,
	fs afero.Fs,
	dir string,
	timeout time.Duration,
	strategy ratelimit.RetryStrategy,
	detector *imagery.EmptyTileDetector,
	log *slog.Logger,
) *TileFetcher {
	if timeout <= 0 {
		timeout = downloads.DefaultTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &TileFetcher{
		client:   client,
		fs:       fs,
		dir:      dir,
		timeout:  timeout,
		strategy: strategy,
		detector: detector,
		log:      log,
	}
}

// Fetch downloads one tile with retries and classifies its content.
// Every failed attempt (transport error, non-2xx, timeout, write error) is retried
// with a flat delay; exhausting the strategy yields a *common.TileFetchError.
func (f *TileFetcher) Fetch(ctx context.Context, tile himawari.TileDescriptor, urlBase string) common.FetchOutcome {
	uri := tile.URL(urlBase)
	dest := filepath.Join(f.dir, tile.RemoteName)
	if err := downloads.ValidateTempPath(f.dir, dest); err != nil {
		return common.FetchOutcome{Kind: common.FetchFailure, Err: err}
	}

	attempts, err := ratelimit.Retry(ctx, f.strategy, func(ctx context.Context, attempt int) error {
		f.log.Debug("Requesting image", slog.String("url", uri), slog.Int("attempt", attempt))

		err := f.download(ctx, uri, dest)
		if err != nil && attempt < f.strategy.Attempts {
			f.log.Debug("Tile request failed, retrying",
				slog.String("url", uri),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}
		return err
	})
	if err != nil {
		return common.FetchOutcome{
			Kind: common.FetchFailure,
			Err: &common.TileFetchError{
				Col:      tile.Col,
				Row:      tile.Row,
				URL:      uri,
				Attempts: attempts,
				Err:      err,
			},
		}
	}

	f.log.Debug("Tile saved", slog.String("url", uri), slog.String("path", dest))

	if f.detector != nil {
		empty, err := f.isEmpty(dest)
		if err != nil {
			return common.FetchOutcome{Kind: common.FetchFailure, Err: err}
		}
		if empty {
			f.log.Debug("Skipping empty tile", slog.String("url", uri))
			return common.FetchOutcome{Kind: common.FetchKnownEmpty, Path: dest}
		}
	}

	return common.FetchOutcome{Kind: common.FetchSuccess, Path: dest}
}

// download performs one attempt, truncating any partial file from a previous attempt
func (f *TileFetcher) download(ctx context.Context, uri, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	file, err := f.fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create tile file: %w", err)
	}

	if _, err := f.client.FetchTile(ctx, uri, file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write tile file: %w", err)
	}
	return nil
}

func (f *TileFetcher) isEmpty(path string) (bool, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open tile: %w", err)
	}
	defer file.Close()
	return f.detector.IsEmpty(file)
}
