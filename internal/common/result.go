package common

import (
	"fmt"
	"time"
)

// FetchKind classifies the result of fetching a single tile
type FetchKind int

const (
	FetchSuccess FetchKind = iota
	FetchKnownEmpty
	FetchFailure
)

func (k FetchKind) String() string {
	switch k {
	case FetchSuccess:
		return "success"
	case FetchKnownEmpty:
		return "known_empty"
	case FetchFailure:
		return "failure"
	}
	return "unknown"
}

// FetchOutcome represents the result of downloading a single tile
type FetchOutcome struct {
	Kind FetchKind

	// Path is the local file holding the tile, set for FetchSuccess
	Path string

	// Err is set for FetchFailure
	Err error
}

// OutcomeKind is the terminal state of a run that did not fail
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNoImageAvailable
	OutcomeURLsListed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoImageAvailable:
		return "no_image_available"
	case OutcomeURLsListed:
		return "urls_listed"
	}
	return "unknown"
}

// Outcome is the non-error result of a run
type Outcome struct {
	Kind OutcomeKind

	// Path is the written mosaic, set for OutcomeSuccess
	Path string

	// URLs lists every tile URL, set for OutcomeURLsListed
	URLs []string

	// Moment is the normalized moment the run targeted
	Moment time.Time

	// Tiles is the number of tiles in the grid
	Tiles int
}

// Message returns the human-readable completion message
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeNoImageAvailable:
		return "No image available"
	case OutcomeURLsListed:
		return fmt.Sprintf("Listed %d tile URLs", len(o.URLs))
	default:
		return "File saved to " + o.Path
	}
}
