package common

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSpectrum             = errors.New("invalid spectrum")
	ErrUnparseableProviderResponse = errors.New("unparseable provider response")
	ErrNoTiles                     = errors.New("no tiles to assemble")
	ErrUnsupportedOutputFormat     = errors.New("unsupported output format")
)

// DateResolutionError is returned when the "latest" moment cannot be obtained
type DateResolutionError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *DateResolutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("request to %s server timed out: %v", DisplayNameHimawari, e.Err)
	}
	return fmt.Sprintf("failed to resolve latest date from %s: %v", e.URL, e.Err)
}

func (e *DateResolutionError) Unwrap() error { return e.Err }

// DateParseError is returned for an explicit date that could not be parsed
// when falling back to the current time is disabled
type DateParseError struct {
	Input string
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("cannot parse date %q", e.Input)
}

// TileFetchError is returned when a tile could not be downloaded within the retry budget
type TileFetchError struct {
	Col      int
	Row      int
	URL      string
	Attempts int
	Err      error
}

func (e *TileFetchError) Error() string {
	return fmt.Sprintf("tile %d_%d failed after %d attempts: %v", e.Col, e.Row, e.Attempts, e.Err)
}

func (e *TileFetchError) Unwrap() error { return e.Err }

// AssemblyError is returned when the mosaic could not be composed or written
type AssemblyError struct {
	Output string
	Err    error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("failed to assemble %s: %v", e.Output, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }
