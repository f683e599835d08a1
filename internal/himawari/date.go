package himawari

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"himawari-mosaic/internal/common"
)

// LatestKeyword selects the provider's most recent image
const LatestKeyword = "latest"

// dateLayouts are tried in order when parsing explicit dates
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"Jan 2 2006 15:04:05 GMT-0700",
	"Mon Jan 2 2006 15:04:05 GMT-0700",
	time.RFC1123Z,
	time.RFC1123,
}

// DateSpec is a user-supplied date: the latest moment, an explicit instant,
// or raw text that did not parse.
type DateSpec struct {
	latest bool
	moment time.Time
	raw    string
}

// Latest returns a DateSpec that asks the provider for its newest moment
func Latest() DateSpec {
	return DateSpec{latest: true}
}

// Explicit returns a DateSpec for a known instant
func Explicit(t time.Time) DateSpec {
	return DateSpec{moment: t}
}

// ParseDateSpec interprets a date string.
// "latest" and the empty string select Latest. Integers are Unix milliseconds.
// Text that matches no layout is kept as-is and resolved by the DateResolver.
func ParseDateSpec(s string) DateSpec {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, LatestKeyword) {
		return Latest()
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Explicit(time.UnixMilli(ms))
	}

	if t, ok := parseDate(s); ok {
		return Explicit(t)
	}

	return DateSpec{raw: s}
}

func parseDate(s string) (time.Time, bool) {
	// Drop a trailing zone name such as "(PST)" from JavaScript-style dates
	if i := strings.Index(s, " ("); i > 0 && strings.HasSuffix(s, ")") {
		s = s[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsLatest reports whether the spec asks the provider for its newest moment
func (d DateSpec) IsLatest() bool {
	return d.latest
}

// Moment returns the explicit instant and whether one is set
func (d DateSpec) Moment() (time.Time, bool) {
	return d.moment, !d.latest && d.raw == "" && !d.moment.IsZero()
}

func (d DateSpec) String() string {
	switch {
	case d.latest:
		return LatestKeyword
	case d.raw != "":
		return d.raw
	default:
		return d.moment.Format(time.RFC3339)
	}
}

// DateResolver turns a DateSpec into a concrete instant
type DateResolver struct {
	client        *Client
	spectrum      common.Spectrum
	fallbackToNow bool
	now           func() time.Time
	log           *slog.Logger
}

// NewDateResolver creates a resolver.
// With fallbackToNow, unparseable input and malformed provider answers resolve to
// the current local time (logged at Warn) instead of failing.
func NewDateResolver(client *Client, spectrum common.Spectrum, fallbackToNow bool, log *slog.Logger) *DateResolver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &DateResolver{
		client:        client,
		spectrum:      spectrum,
		fallbackToNow: fallbackToNow,
		now:           time.Now,
		log:           log,
	}
}

// Resolve returns the instant named by spec. Explicit instants are returned
// unchanged without I/O; Latest performs a single, unretried request.
func (r *DateResolver) Resolve(ctx context.Context, spec DateSpec) (time.Time, error) {
	if t, ok := spec.Moment(); ok {
		return t, nil
	}

	if !spec.IsLatest() {
		if !r.fallbackToNow {
			return time.Time{}, &common.DateParseError{Input: spec.raw}
		}
		now := r.now()
		r.log.Warn("Unrecognized date, using current time",
			slog.String("input", spec.raw),
			slog.Time("resolved", now))
		return now, nil
	}

	t, err := r.client.FetchLatest(ctx, r.spectrum)
	if err == nil {
		return t, nil
	}

	var dre *common.DateResolutionError
	if !r.fallbackToNow || !isUnparseable(err, &dre) {
		return time.Time{}, err
	}

	now := r.now()
	r.log.Warn("Provider returned no usable date, using current time",
		slog.Any("error", dre.Err),
		slog.Time("resolved", now))
	return now, nil
}
