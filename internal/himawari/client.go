package himawari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"himawari-mosaic/internal/common"
	"himawari-mosaic/internal/ratelimit"
)

const (
	// UserAgent sent with every provider request
	UserAgent = "himawari-mosaic/1.0 (+https://github.com/jakiestfu/himawari.js)"

	// DefaultLatestTimeout bounds the latest.json request
	DefaultLatestTimeout = 30 * time.Second
)

// StatusError is returned for non-2xx provider responses
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status: %d", e.URL, e.StatusCode)
}

// Client handles communication with the Himawari-8 image archive
type Client struct {
	httpClient    *http.Client
	baseURL       string
	userAgent     string
	latestTimeout time.Duration
	rateLimit     *ratelimit.Handler
	log           *slog.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLatestTimeout bounds the latest.json request
func WithLatestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.latestTimeout = d
		}
	}
}

// WithRateLimitHandler reports throttling responses to h
func WithRateLimitHandler(h *ratelimit.Handler) ClientOption {
	return func(c *Client) { c.rateLimit = h }
}

// WithLogger sets the client logger
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a client with system proxy support.
// Per-request deadlines come from the caller's context; the HTTP client has no global timeout.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = common.DefaultBaseURL
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 8,
			},
		},
		baseURL:       strings.TrimRight(baseURL, "/"),
		userAgent:     UserAgent,
		latestTimeout: DefaultLatestTimeout,
		log:           slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the archive root the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LatestURL returns the URL of the latest.json document for a spectrum
func (c *Client) LatestURL(spectrum common.Spectrum) string {
	return strings.Join([]string{c.baseURL, spectrum.Token(), common.LatestFile}, "/")
}

type latestDocument struct {
	Date string `json:"date"`
}

// FetchLatest asks the provider for its most recent moment.
// Transport failures and a body that is not a document with a parseable "date"
// are returned as *common.DateResolutionError.
func (c *Client) FetchLatest(ctx context.Context, spectrum common.Spectrum) (time.Time, error) {
	latestURL := c.LatestURL(spectrum)

	ctx, cancel := context.WithTimeout(ctx, c.latestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, latestURL, nil)
	if err != nil {
		return time.Time{}, &common.DateResolutionError{URL: latestURL, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.log.Debug("Resolving latest date", slog.String("url", latestURL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, &common.DateResolutionError{URL: latestURL, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.rateLimit != nil {
			c.rateLimit.CheckStatus(latestURL, resp.StatusCode)
		}
		return time.Time{}, &common.DateResolutionError{URL: latestURL, Err: &StatusError{URL: latestURL, StatusCode: resp.StatusCode}}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return time.Time{}, &common.DateResolutionError{URL: latestURL, Timeout: isTimeout(err), Err: err}
	}

	var doc latestDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return time.Time{}, &common.DateResolutionError{
			URL: latestURL,
			Err: fmt.Errorf("%w: %v", common.ErrUnparseableProviderResponse, err),
		}
	}

	t, ok := parseDate(strings.TrimSpace(doc.Date))
	if !ok {
		return time.Time{}, &common.DateResolutionError{
			URL: latestURL,
			Err: fmt.Errorf("%w: date %q", common.ErrUnparseableProviderResponse, doc.Date),
		}
	}

	c.log.Debug("Latest date resolved", slog.Time("date", t))
	return t, nil
}

// FetchTile performs a single GET for url and streams the body into w.
// Non-2xx responses return *StatusError and write nothing.
func (c *Client) FetchTile(ctx context.Context, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.rateLimit != nil {
			c.rateLimit.CheckStatus(url, resp.StatusCode)
		}
		return 0, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read tile: %w", err)
	}
	return n, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isUnparseable(err error, target **common.DateResolutionError) bool {
	return errors.As(err, target) && errors.Is(err, common.ErrUnparseableProviderResponse)
}
