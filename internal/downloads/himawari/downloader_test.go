package himawari

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himawari-mosaic/internal/common"
	"himawari-mosaic/internal/downloads"
	"himawari-mosaic/internal/himawari"
	"himawari-mosaic/internal/imagery"
	"himawari-mosaic/internal/ratelimit"
)

const tempRoot = "/scratch"

var placeholder = []byte("provider placeholder: No Image")

func tilePNG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// provider simulates the image archive
type provider struct {
	latest   string
	tile     func(name string) (int, []byte)
	hits     sync.Map // path -> *int64
	inFlight int64
	maxSeen  int64
	delay    time.Duration
}

func (p *provider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter, _ := p.hits.LoadOrStore(r.URL.Path, new(int64))
		atomic.AddInt64(counter.(*int64), 1)

		if strings.HasSuffix(r.URL.Path, "/latest.json") {
			_, _ = io.WriteString(w, p.latest)
			return
		}

		cur := atomic.AddInt64(&p.inFlight, 1)
		defer atomic.AddInt64(&p.inFlight, -1)
		for {
			seen := atomic.LoadInt64(&p.maxSeen)
			if cur <= seen || atomic.CompareAndSwapInt64(&p.maxSeen, seen, cur) {
				break
			}
		}
		if p.delay > 0 {
			time.Sleep(p.delay)
		}

		status, body := p.tile(tileName(r.URL.Path))
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})
}

// tileName maps ".../HHMMSS_1_0.png" to "1_0.png"
func tileName(path string) string {
	base := path[strings.LastIndex(path, "/")+1:]
	return base[strings.Index(base, "_")+1:]
}

func (p *provider) count(path string) int64 {
	v, ok := p.hits.Load(path)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

func (p *provider) total() int64 {
	var n int64
	p.hits.Range(func(_, v any) bool {
		n += atomic.LoadInt64(v.(*int64))
		return true
	})
	return n
}

type recordingCompositor struct {
	mu    sync.Mutex
	tiles []imagery.PlacedTile
	w, h  int
}

func (r *recordingCompositor) Compose(fs afero.Fs, tiles []imagery.PlacedTile, width, height int, w io.Writer, format imagery.Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiles = append([]imagery.PlacedTile(nil), tiles...)
	r.w, r.h = width, height
	_, err := w.Write([]byte("mosaic"))
	return err
}

type fixture struct {
	fs         afero.Fs
	provider   *provider
	server     *httptest.Server
	compositor *recordingCompositor
	downloader *Downloader
}

func newFixture(t *testing.T, p *provider, strategy ratelimit.RetryStrategy) *fixture {
	t.Helper()

	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(tempRoot, 0755))
	require.NoError(t, fs.MkdirAll("/out", 0755))

	comp := &recordingCompositor{}
	client := himawari.NewClient(srv.URL)
	d := NewDownloader(
		client,
		fs,
		tempRoot,
		imagery.NewAssembler(fs, comp, nil),
		imagery.NewEmptyTileDetector(imagery.Fingerprint(placeholder)),
		strategy,
		nil,
		nil,
	)

	return &fixture{fs: fs, provider: p, server: srv, compositor: comp, downloader: d}
}

func (f *fixture) assertTempRemoved(t *testing.T) {
	t.Helper()
	entries, err := afero.ReadDir(f.fs, tempRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp directory must be removed")
}

func drain(run *Run) []downloads.DownloadProgress {
	var events []downloads.DownloadProgress
	for p := range run.Progress() {
		events = append(events, p)
	}
	return events
}

func fastRetry() ratelimit.RetryStrategy {
	return ratelimit.RetryStrategy{Attempts: 5, Interval: 10 * time.Millisecond}
}

func TestDownloadLatestSingleTile(t *testing.T) {
	tile := tilePNG(t, 42)
	p := &provider{
		latest: `{"date":"2016-02-08T14:49:12-08:00"}`,
		tile:   func(string) (int, []byte) { return http.StatusOK, tile },
	}
	f := newFixture(t, p, fastRetry())

	run := f.downloader.Start(context.Background(), Request{
		Spectrum:  common.SpectrumVisible,
		Zoom:      1,
		Date:      himawari.ParseDateSpec("latest"),
		OutFile:   "/out/earth.jpg",
		SkipEmpty: true,
		Timeout:   time.Second,
	})
	events := drain(run)
	outcome, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, common.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, "/out/earth.jpg", outcome.Path)
	assert.Equal(t, "144000", common.FormatPathDate(outcome.Moment).Time)
	assert.Equal(t, int64(1), p.count("/D531106/1d/550/2016/02/08/144000_0_0.png"))

	got, err := afero.ReadFile(f.fs, "/out/earth.jpg")
	require.NoError(t, err)
	assert.Equal(t, tile, got, "a single tile is moved without compositing")
	assert.Nil(t, f.compositor.tiles)

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Downloaded)
	assert.Equal(t, 1, events[0].Total)

	f.assertTempRemoved(t)
}

func TestDownloadKnownEmptyShortCircuits(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(map[bool]string{false: "sequential", true: "parallel"}[parallel], func(t *testing.T) {
			p := &provider{
				tile: func(string) (int, []byte) { return http.StatusOK, placeholder },
			}
			f := newFixture(t, p, fastRetry())

			run := f.downloader.Start(context.Background(), Request{
				Spectrum:  common.SpectrumVisible,
				Zoom:      2,
				Date:      himawari.Explicit(time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)),
				OutFile:   "/out/empty.jpg",
				SkipEmpty: true,
				Parallel:  parallel,
				Workers:   3,
				Timeout:   time.Second,
			})
			events := drain(run)
			outcome, err := run.Wait()
			require.NoError(t, err)

			assert.Equal(t, common.OutcomeNoImageAvailable, outcome.Kind)
			assert.Equal(t, "No image available", outcome.Message())
			assert.Empty(t, events)

			exists, err := afero.Exists(f.fs, "/out/empty.jpg")
			require.NoError(t, err)
			assert.False(t, exists)
			f.assertTempRemoved(t)

			if !parallel {
				assert.Equal(t, int64(1), p.total(), "sequential mode stops after the first empty tile")
			} else {
				assert.LessOrEqual(t, p.total(), int64(3))
			}
		})
	}
}

func TestDownloadSkipEmptyDisabled(t *testing.T) {
	p := &provider{
		tile: func(string) (int, []byte) { return http.StatusOK, placeholder },
	}
	f := newFixture(t, p, fastRetry())

	run := f.downloader.Start(context.Background(), Request{
		Spectrum: common.SpectrumVisible,
		Zoom:     1,
		Date:     himawari.Explicit(time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)),
		OutFile:  "/out/raw.png",
		Timeout:  time.Second,
	})
	drain(run)
	outcome, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, common.OutcomeSuccess, outcome.Kind)

	got, err := afero.ReadFile(f.fs, "/out/raw.png")
	require.NoError(t, err)
	assert.Equal(t, placeholder, got)
}

func TestDownloadFailureIsFatal(t *testing.T) {
	tile := tilePNG(t, 7)
	p := &provider{
		tile: func(name string) (int, []byte) {
			if name == "1_0.png" {
				return http.StatusInternalServerError, nil
			}
			return http.StatusOK, tile
		},
	}
	f := newFixture(t, p, fastRetry())

	run := f.downloader.Start(context.Background(), Request{
		Spectrum:  common.SpectrumVisible,
		Zoom:      2,
		Date:      himawari.Explicit(time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)),
		OutFile:   "/out/fail.jpg",
		SkipEmpty: true,
		Timeout:   time.Second,
	})
	events := drain(run)
	_, err := run.Wait()

	var tfe *common.TileFetchError
	require.ErrorAs(t, err, &tfe)
	assert.Equal(t, 1, tfe.Col)
	assert.Equal(t, 0, tfe.Row)
	assert.Equal(t, 5, tfe.Attempts)
	var se *himawari.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)

	assert.Equal(t, int64(5), p.count("/D531106/4d/550/2016/01/01/000000_1_0.png"))
	// tiles 0_0..0_3 precede 1_0 in column-major order
	assert.Len(t, events, 4)
	assert.Equal(t, int64(4+5), p.total(), "no tile is requested after the failure")

	exists, err := afero.Exists(f.fs, "/out/fail.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
	f.assertTempRemoved(t)
}

func TestDownloadParallelGrid(t *testing.T) {
	tile := tilePNG(t, 99)
	p := &provider{
		tile:  func(string) (int, []byte) { return http.StatusOK, tile },
		delay: 5 * time.Millisecond,
	}
	f := newFixture(t, p, fastRetry())

	run := f.downloader.Start(context.Background(), Request{
		Spectrum:  common.SpectrumVisible,
		Zoom:      2,
		Date:      himawari.Explicit(time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)),
		OutFile:   "/out",
		SkipEmpty: true,
		Parallel:  true,
		Workers:   3,
		Timeout:   time.Second,
	})
	events := drain(run)
	outcome, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, "/out/20160101_000000.jpg", outcome.Path)
	assert.LessOrEqual(t, atomic.LoadInt64(&p.maxSeen), int64(3))

	require.Len(t, events, 16)
	for i, e := range events {
		assert.Equal(t, i+1, e.Downloaded)
		assert.Equal(t, 16, e.Total)
	}

	require.Len(t, f.compositor.tiles, 16)
	assert.Equal(t, 2200, f.compositor.w)
	assert.Equal(t, 2200, f.compositor.h)
	offsets := make(map[imagery.PlacedTile]bool)
	for _, pt := range f.compositor.tiles {
		offsets[imagery.PlacedTile{OffsetX: pt.OffsetX, OffsetY: pt.OffsetY}] = true
		assert.True(t, strings.HasPrefix(pt.Path, tempRoot+"/"))
	}
	assert.Len(t, offsets, 16)
	assert.Equal(t, imagery.PlacedTile{Path: f.compositor.tiles[1].Path, OffsetX: 0, OffsetY: 550}, f.compositor.tiles[1])
	assert.Equal(t, imagery.PlacedTile{Path: f.compositor.tiles[4].Path, OffsetX: 550, OffsetY: 0}, f.compositor.tiles[4])

	f.assertTempRemoved(t)
}

func TestDownloadSequentialIsStrict(t *testing.T) {
	tile := tilePNG(t, 1)
	p := &provider{
		tile:  func(string) (int, []byte) { return http.StatusOK, tile },
		delay: 2 * time.Millisecond,
	}
	f := newFixture(t, p, fastRetry())

	run := f.downloader.Start(context.Background(), Request{
		Spectrum: common.SpectrumInfrared,
		Zoom:     2,
		Date:     himawari.Explicit(time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)),
		OutFile:  "/out/ir.jpg",
		Timeout:  time.Second,
	})
	events := drain(run)
	_, err := run.Wait()
	require.NoError(t, err)

	assert.Len(t, events, 16)
	assert.Equal(t, int64(1), atomic.LoadInt64(&p.maxSeen))
	assert.Equal(t, int64(1), p.count("/INFRARED_FULL/4d/550/2016/01/01/000000_3_3.png"))
}

func TestDownloadURLsOnly(t *testing.T) {
	p := &provider{
		tile: func(string) (int, []byte) { return http.StatusOK, nil },
	}
	f := newFixture(t, p, fastRetry())

	run := f.downloader.Start(context.Background(), Request{
		Spectrum: common.SpectrumVisible,
		Zoom:     2,
		Date:     himawari.Explicit(time.Date(2016, 2, 8, 12, 34, 56, 0, time.UTC)),
		URLsOnly: true,
	})
	events := drain(run)
	outcome, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, common.OutcomeURLsListed, outcome.Kind)
	require.Len(t, outcome.URLs, 16)
	assert.Equal(t, f.server.URL+"/D531106/4d/550/2016/02/08/123000_0_0.png", outcome.URLs[0])
	assert.Empty(t, events)
	assert.Equal(t, int64(0), p.total(), "no network I/O in URL mode")
	f.assertTempRemoved(t)
}

func TestDownloadDateResolutionErrorIsReturnedUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	d := NewDownloader(himawari.NewClient(srv.URL), fs, tempRoot, nil, nil, fastRetry(), nil, nil)

	_, err := d.Start(context.Background(), Request{
		Spectrum: common.SpectrumVisible,
		Zoom:     1,
		Date:     himawari.Latest(),
	}).Wait()

	var dre *common.DateResolutionError
	require.ErrorAs(t, err, &dre)
}

func TestFetcherRetriesWithFlatDelay(t *testing.T) {
	var (
		mu    sync.Mutex
		stamp []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamp = append(stamp, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/run", 0755))

	fetcher := NewTileFetcher(himawari.NewClient(srv.URL), fs, "/run", time.Second, ratelimit.DefaultRetryStrategy(), nil, nil)
	_, tiles, urlBase := himawari.Plan(srv.URL, common.SpectrumVisible, 1, time.Now())

	outcome := fetcher.Fetch(context.Background(), tiles[0], urlBase)
	require.Equal(t, common.FetchFailure, outcome.Kind)

	var tfe *common.TileFetchError
	require.ErrorAs(t, outcome.Err, &tfe)
	assert.Equal(t, 5, tfe.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamp, 5)
	for i := 1; i < len(stamp); i++ {
		assert.GreaterOrEqual(t, stamp[i].Sub(stamp[i-1]), 500*time.Millisecond)
	}
}

func TestFetcherRecoversAfterTransientFailure(t *testing.T) {
	tile := tilePNG(t, 3)
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(tile)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/run", 0755))

	limiter := ratelimit.NewHandler(nil)
	client := himawari.NewClient(srv.URL, himawari.WithRateLimitHandler(limiter))
	fetcher := NewTileFetcher(client, fs, "/run", time.Second, fastRetry(), imagery.NewEmptyTileDetector(imagery.Fingerprint(placeholder)), nil)
	_, tiles, urlBase := himawari.Plan(srv.URL, common.SpectrumVisible, 1, time.Now())

	outcome := fetcher.Fetch(context.Background(), tiles[0], urlBase)
	require.Equal(t, common.FetchSuccess, outcome.Kind)
	assert.Equal(t, "/run/0_0.png", outcome.Path)
	assert.Equal(t, 2, limiter.Count())

	got, err := afero.ReadFile(fs, outcome.Path)
	require.NoError(t, err)
	assert.Equal(t, tile, got)
}

func TestFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/run", 0755))

	strategy := ratelimit.RetryStrategy{Attempts: 2, Interval: time.Millisecond}
	fetcher := NewTileFetcher(himawari.NewClient(srv.URL), fs, "/run", 20*time.Millisecond, strategy, nil, nil)
	_, tiles, urlBase := himawari.Plan(srv.URL, common.SpectrumVisible, 1, time.Now())

	outcome := fetcher.Fetch(context.Background(), tiles[0], urlBase)
	require.Equal(t, common.FetchFailure, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
}

func TestDownloadWithDrawCompositor(t *testing.T) {
	shades := map[string]uint8{"0_0.png": 10, "0_1.png": 20, "1_0.png": 30, "1_1.png": 40}
	tiles := make(map[string][]byte, len(shades))
	for name, shade := range shades {
		tiles[name] = tilePNG(t, shade)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tiles[tileName(r.URL.Path)])
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(tempRoot, 0755))

	asm := imagery.NewAssembler(fs, imagery.DrawCompositor{}, nil)
	f := NewTileFetcher(himawari.NewClient(srv.URL), fs, tempRoot, time.Second, fastRetry(), nil, nil)

	_, descriptors, urlBase := himawari.Plan(srv.URL, common.SpectrumVisible, 2, time.Now())
	var placed []imagery.PlacedTile
	for _, d := range descriptors {
		if d.Col > 1 || d.Row > 1 {
			continue
		}
		outcome := f.Fetch(context.Background(), d, urlBase)
		require.Equal(t, common.FetchSuccess, outcome.Kind)
		// scale offsets down to the 4px test tiles
		placed = append(placed, imagery.PlacedTile{Path: outcome.Path, OffsetX: d.OffsetX / 550 * 4, OffsetY: d.OffsetY / 550 * 4})
	}
	require.NoError(t, asm.Assemble(placed, 8, 8, "/out/mosaic.png"))

	data, err := afero.ReadFile(fs, "/out/mosaic.png")
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	gray := func(x, y int) uint8 { return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y }
	assert.Equal(t, uint8(10), gray(1, 1))
	assert.Equal(t, uint8(20), gray(1, 6))
	assert.Equal(t, uint8(30), gray(6, 1))
	assert.Equal(t, uint8(40), gray(6, 6))
}
