package imagery

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"
)

// DefaultEmptyFingerprints are MD5 digests of the provider's "No Image" placeholder tile
var DefaultEmptyFingerprints = []string{
	"b697574875d3b8eb5dd80e9b2bc9c749",
}

// EmptyTileDetector classifies tile content by fingerprint.
// The fingerprint set is fixed at construction.
type EmptyTileDetector struct {
	fingerprints map[string]struct{}
}

// NewEmptyTileDetector creates a detector for the given MD5 hex digests
func NewEmptyTileDetector(fingerprints ...string) *EmptyTileDetector {
	normalized := lo.Uniq(lo.FilterMap(fingerprints, func(fp string, _ int) (string, bool) {
		fp = strings.ToLower(strings.TrimSpace(fp))
		return fp, fp != ""
	}))

	set := make(map[string]struct{}, len(normalized))
	for _, fp := range normalized {
		set[fp] = struct{}{}
	}
	return &EmptyTileDetector{fingerprints: set}
}

// Fingerprint returns the MD5 hex digest of data
func Fingerprint(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// IsEmpty reports whether the content read from r is a known placeholder
func (d *EmptyTileDetector) IsEmpty(r io.Reader) (bool, error) {
	if len(d.fingerprints) == 0 {
		return false, nil
	}

	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return false, fmt.Errorf("failed to fingerprint tile: %w", err)
	}
	_, found := d.fingerprints[hex.EncodeToString(h.Sum(nil))]
	return found, nil
}

// Fingerprints returns the configured digests
func (d *EmptyTileDetector) Fingerprints() []string {
	return lo.Keys(d.fingerprints)
}
