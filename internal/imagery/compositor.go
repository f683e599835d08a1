package imagery

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"himawari-mosaic/internal/common"
)

// Format is the encoding of the assembled mosaic
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
	FormatWebP Format = "webp"

	// JPEGQuality is used when encoding JPEG mosaics
	JPEGQuality = 90
)

// FormatForPath picks the output encoding from a file extension.
// Unknown or missing extensions produce JPEG.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return FormatPNG
	case ".tif", ".tiff":
		return FormatTIFF
	case ".webp":
		return FormatWebP
	default:
		return FormatJPEG
	}
}

// PlacedTile is a downloaded tile and its absolute pixel offset in the mosaic
type PlacedTile struct {
	Path    string
	OffsetX int
	OffsetY int
}

// Compositor composes placed tiles into one encoded image
type Compositor interface {
	Compose(fs afero.Fs, tiles []PlacedTile, width, height int, w io.Writer, format Format) error
}

// DrawCompositor decodes every tile and draws it onto an RGBA canvas
type DrawCompositor struct{}

// Compose implements Compositor
func (DrawCompositor) Compose(fs afero.Fs, tiles []PlacedTile, width, height int, w io.Writer, format Format) error {
	if len(tiles) == 0 {
		return common.ErrNoTiles
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))

	for _, tile := range tiles {
		img, err := decodeTile(fs, tile.Path)
		if err != nil {
			return err
		}

		b := img.Bounds()
		dest := image.Rect(tile.OffsetX, tile.OffsetY, tile.OffsetX+b.Dx(), tile.OffsetY+b.Dy())
		draw.Draw(canvas, dest, img, b.Min, draw.Src)
	}

	return encode(w, canvas, format)
}

func decodeTile(fs afero.Fs, path string) (image.Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tile: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func encode(w io.Writer, img image.Image, format Format) error {
	var err error
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	case FormatPNG:
		err = png.Encode(w, img)
	case FormatTIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case FormatWebP:
		err = nativewebp.Encode(w, img, nil)
	default:
		return fmt.Errorf("%w: %s", common.ErrUnsupportedOutputFormat, format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return nil
}
