package common

import (
	"fmt"
	"strings"
)

// Provider constants for the Himawari-8 image archive
const (
	// DefaultBaseURL is the root of the Himawari-8 tile archive
	DefaultBaseURL = "https://himawari8-dl.nict.go.jp/himawari8/img"

	// DisplayNameHimawari is the human-readable provider name used in messages
	DisplayNameHimawari = "Himawari 8"

	// LatestFile is the document that names the most recent available moment
	LatestFile = "latest.json"
)

// Spectrum selects the imaging band requested from the provider
type Spectrum string

const (
	SpectrumVisible  Spectrum = "visible"
	SpectrumInfrared Spectrum = "infrared"
)

// Token returns the path component the provider uses for this spectrum
func (s Spectrum) Token() string {
	if s == SpectrumInfrared {
		return "INFRARED_FULL"
	}
	return "D531106"
}

// ParseSpectrum converts a user-supplied name into a Spectrum
// Accepted values: "visible", "infrared" (case-insensitive)
func ParseSpectrum(name string) (Spectrum, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "visible":
		return SpectrumVisible, nil
	case "infrared", "ir":
		return SpectrumInfrared, nil
	default:
		return "", fmt.Errorf("%w: %s (must be 'visible' or 'infrared')", ErrInvalidSpectrum, name)
	}
}
