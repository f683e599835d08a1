package common

import (
	"time"
)

// Date format constants for provider paths and output names
const (
	// PathYear, PathMonth, PathDay and PathTime compose the provider's tile path
	PathYear  = "2006"
	PathMonth = "01"
	PathDay   = "02"
	PathTime  = "150405"

	// OutputStamp is used for default mosaic filenames (YYYYMMDD_HHMMSS)
	OutputStamp = "20060102_150405"

	// MomentStep is the provider's native image cadence
	MomentStep = 10 * time.Minute
)

// NormalizeMoment truncates t to the provider's 10-minute cadence.
// Minutes are rounded down to a multiple of 10 and seconds are zeroed.
// The location of t is preserved so the wall clock of the input is what gets truncated.
func NormalizeMoment(t time.Time) time.Time {
	minute := t.Minute() - t.Minute()%10
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
}

// PathDate holds the formatted path components of a normalized moment
type PathDate struct {
	Year  string
	Month string
	Day   string
	Time  string
}

// FormatPathDate normalizes t and formats the components used in tile URLs
func FormatPathDate(t time.Time) PathDate {
	n := NormalizeMoment(t)
	return PathDate{
		Year:  n.Format(PathYear),
		Month: n.Format(PathMonth),
		Day:   n.Format(PathDay),
		Time:  n.Format(PathTime),
	}
}

// FormatOutputStamp formats a moment for use in default output filenames
func FormatOutputStamp(t time.Time) string {
	return NormalizeMoment(t).Format(OutputStamp)
}
