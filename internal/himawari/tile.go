package himawari

import (
	"strconv"
	"strings"
	"time"

	"himawari-mosaic/internal/common"
	"himawari-mosaic/internal/utils/naming"
)

const (
	// TileSize is the provider's tile edge length in pixels
	TileSize = 550

	MinZoom = 1
	MaxZoom = 5
)

// Level is a provider resolution tier
type Level struct {
	Token  string // e.g. "4d"
	Blocks int    // tiles per axis, the numeric part of Token
}

// levelTables maps spectrum and zoom to the provider's level token.
// Infrared only publishes the three coarsest levels.
var levelTables = map[common.Spectrum]map[int]string{
	common.SpectrumVisible: {
		1: "1d",
		2: "4d",
		3: "8d",
		4: "16d",
		5: "20d",
	},
	common.SpectrumInfrared: {
		1: "1d",
		2: "4d",
		3: "8d",
	},
}

// LevelFor returns the level for a spectrum and zoom.
// A zoom the spectrum does not define falls back to zoom 1.
func LevelFor(spectrum common.Spectrum, zoom int) Level {
	table, ok := levelTables[spectrum]
	if !ok {
		table = levelTables[common.SpectrumVisible]
	}
	token, ok := table[zoom]
	if !ok {
		token = table[MinZoom]
	}
	return Level{Token: token, Blocks: blocksOf(token)}
}

// MaxZoomFor returns the finest zoom defined for a spectrum
func MaxZoomFor(spectrum common.Spectrum) int {
	if spectrum == common.SpectrumInfrared {
		return len(levelTables[common.SpectrumInfrared])
	}
	return MaxZoom
}

func blocksOf(token string) int {
	n, err := strconv.Atoi(strings.TrimRightFunc(token, func(r rune) bool {
		return r < '0' || r > '9'
	}))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// GridSpec describes the tile grid of one full-disk image
type GridSpec struct {
	Spectrum   common.Spectrum
	Zoom       int
	Level      Level
	BlockCount int
	TileSizePx int
}

// CanvasSize returns the mosaic edge length in pixels
func (g GridSpec) CanvasSize() int {
	return g.BlockCount * g.TileSizePx
}

// TileDescriptor identifies one tile of the grid and where it lands in the mosaic
type TileDescriptor struct {
	Col        int
	Row        int
	RemoteName string // "{col}_{row}.png"
	OffsetX    int
	OffsetY    int
}

// GetColumn implements common.Tile interface
func (t TileDescriptor) GetColumn() int {
	return t.Col
}

// GetRow implements common.Tile interface
func (t TileDescriptor) GetRow() int {
	return t.Row
}

// URL returns the tile's download URL under urlBase
func (t TileDescriptor) URL(urlBase string) string {
	return urlBase + "_" + t.RemoteName
}

// Plan computes the grid, the tile descriptors and the URL base for a moment.
// The moment is normalized to the provider cadence before it is formatted.
// Descriptors are ordered column-major, matching the provider's {col}_{row} naming.
func Plan(baseURL string, spectrum common.Spectrum, zoom int, moment time.Time) (GridSpec, []TileDescriptor, string) {
	level := LevelFor(spectrum, zoom)
	grid := GridSpec{
		Spectrum:   spectrum,
		Zoom:       zoom,
		Level:      level,
		BlockCount: level.Blocks,
		TileSizePx: TileSize,
	}

	pd := common.FormatPathDate(moment)
	urlBase := strings.Join([]string{
		strings.TrimRight(baseURL, "/"),
		spectrum.Token(),
		level.Token,
		strconv.Itoa(TileSize),
		pd.Year,
		pd.Month,
		pd.Day,
		pd.Time,
	}, "/")

	tiles := make([]TileDescriptor, 0, grid.BlockCount*grid.BlockCount)
	for col := 0; col < grid.BlockCount; col++ {
		for row := 0; row < grid.BlockCount; row++ {
			tiles = append(tiles, TileDescriptor{
				Col:        col,
				Row:        row,
				RemoteName: naming.GenerateTileFilename(col, row),
				OffsetX:    col * TileSize,
				OffsetY:    row * TileSize,
			})
		}
	}

	return grid, tiles, urlBase
}
