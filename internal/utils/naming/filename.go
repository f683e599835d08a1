package naming

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"himawari-mosaic/internal/common"
)

// DefaultExtension is used for mosaics when no output path is given
const DefaultExtension = ".jpg"

// GenerateMosaicFilename creates the default mosaic filename for a moment
// Format: {YYYYMMDD}_{HHMMSS}.jpg
func GenerateMosaicFilename(moment time.Time) string {
	return common.FormatOutputStamp(moment) + DefaultExtension
}

// GenerateTileFilename names a tile file inside a run's temp directory
// Format: {col}_{row}.png
func GenerateTileFilename(col, row int) string {
	return fmt.Sprintf("%d_%d.png", col, row)
}

// ResolveOutputPath normalizes the requested output path.
// An empty path selects the default filename in the working directory and an
// existing directory gets the default filename appended.
func ResolveOutputPath(fs afero.Fs, outfile string, moment time.Time) string {
	if outfile == "" {
		return GenerateMosaicFilename(moment)
	}

	outfile = filepath.Clean(outfile)
	if isDir, err := afero.IsDir(fs, outfile); err == nil && isDir {
		return filepath.Join(outfile, GenerateMosaicFilename(moment))
	}
	return outfile
}
