package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"himawari-mosaic/internal/common"
	"himawari-mosaic/internal/downloads"
	"himawari-mosaic/internal/himawari"
	"himawari-mosaic/internal/imagery"
)

// Log levels accepted by the log_level setting
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// EnvPrefix prefixes every environment override, e.g. HIMAWARI_ZOOM
const EnvPrefix = "HIMAWARI_"

// TelemetrySettings configures optional PostHog run analytics
type TelemetrySettings struct {
	PostHogKey  string `yaml:"posthog_key"`
	PostHogHost string `yaml:"posthog_host"`
}

// Settings represents the configuration of one run
type Settings struct {
	// Provider
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`

	// Image selection
	Spectrum string `yaml:"spectrum"` // "visible" or "infrared"
	Zoom     int    `yaml:"zoom"`
	Date     string `yaml:"date"` // "latest" or an explicit date
	OutFile  string `yaml:"outfile"`

	// Download behavior
	SkipEmpty         bool     `yaml:"skip_empty"`
	Parallel          bool     `yaml:"parallel"`
	Workers           int      `yaml:"workers"`
	TimeoutMS         int      `yaml:"timeout_ms"`
	URLsOnly          bool     `yaml:"urls_only"`
	DateFallback      bool     `yaml:"date_fallback"`
	EmptyFingerprints []string `yaml:"empty_fingerprints"`

	// Logging
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// DefaultSettings returns default settings
func DefaultSettings() *Settings {
	return &Settings{
		BaseURL:           common.DefaultBaseURL,
		UserAgent:         himawari.UserAgent,
		Spectrum:          string(common.SpectrumVisible),
		Zoom:              himawari.MinZoom,
		Date:              himawari.LatestKeyword,
		SkipEmpty:         true,
		Parallel:          false,
		Workers:           downloads.DefaultWorkers,
		TimeoutMS:         int(downloads.DefaultTimeout.Milliseconds()),
		DateFallback:      true,
		EmptyFingerprints: append([]string(nil), imagery.DefaultEmptyFingerprints...),
		LogLevel:          LogLevelInfo,
	}
}

// LoadSettings builds settings from defaults, an optional YAML file, an optional
// .env file and HIMAWARI_* environment variables, in that order of precedence.
// A missing file at path is not an error.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		default:
			if err := yaml.Unmarshal(data, settings); err != nil {
				return nil, fmt.Errorf("failed to parse settings: %w", err)
			}
		}
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := settings.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	// Merge with defaults for any zeroed fields
	defaults := DefaultSettings()
	if settings.BaseURL == "" {
		settings.BaseURL = defaults.BaseURL
	}
	if settings.UserAgent == "" {
		settings.UserAgent = defaults.UserAgent
	}
	if settings.Workers == 0 {
		settings.Workers = defaults.Workers
	}
	if settings.TimeoutMS == 0 {
		settings.TimeoutMS = defaults.TimeoutMS
	}
	if settings.LogLevel == "" {
		settings.LogLevel = defaults.LogLevel
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// ApplyEnv overrides settings from HIMAWARI_* variables found by lookup
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BASE_URL":     &s.BaseURL,
		"USER_AGENT":   &s.UserAgent,
		"SPECTRUM":     &s.Spectrum,
		"DATE":         &s.Date,
		"OUTFILE":      &s.OutFile,
		"LOG_LEVEL":    &s.LogLevel,
		"POSTHOG_KEY":  &s.Telemetry.PostHogKey,
		"POSTHOG_HOST": &s.Telemetry.PostHogHost,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"ZOOM":       &s.Zoom,
		"WORKERS":    &s.Workers,
		"TIMEOUT_MS": &s.TimeoutMS,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"SKIP_EMPTY":    &s.SkipEmpty,
		"PARALLEL":      &s.Parallel,
		"URLS_ONLY":     &s.URLsOnly,
		"DATE_FALLBACK": &s.DateFallback,
		"DEBUG":         &s.Debug,
	}
	for key, dst := range bools {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup(EnvPrefix + "EMPTY_FINGERPRINTS"); ok {
		s.EmptyFingerprints = strings.Split(v, ",")
	}
	return nil
}

// Validate checks settings for values no run can use
func (s *Settings) Validate() error {
	if _, err := common.ParseSpectrum(s.Spectrum); err != nil {
		return err
	}
	if s.Zoom < 0 {
		return fmt.Errorf("zoom level %d must not be negative", s.Zoom)
	}
	if s.Workers < 0 || s.Workers > downloads.MaxWorkers {
		return fmt.Errorf("workers %d out of range [1, %d]", s.Workers, downloads.MaxWorkers)
	}
	if s.TimeoutMS < 0 {
		return fmt.Errorf("timeout %dms must not be negative", s.TimeoutMS)
	}

	switch s.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("unknown log level: %s", s.LogLevel)
	}
	return nil
}
