package common

// TileBounds represents the min/max row and column bounds of a tile set
type TileBounds struct {
	MinCol int
	MaxCol int
	MinRow int
	MaxRow int
}

// Cols returns the number of columns in the bounds
func (tb TileBounds) Cols() int {
	return tb.MaxCol - tb.MinCol + 1
}

// Rows returns the number of rows in the bounds
func (tb TileBounds) Rows() int {
	return tb.MaxRow - tb.MinRow + 1
}

// CanvasSize returns the pixel dimensions needed to hold every tile in the bounds
func (tb TileBounds) CanvasSize(tileSize int) (width, height int) {
	return tb.Cols() * tileSize, tb.Rows() * tileSize
}

// Tile represents the minimal interface needed for bounds calculation
type Tile interface {
	GetRow() int
	GetColumn() int
}

// CalculateTileBounds calculates the min/max row and column bounds from a slice of tiles
func CalculateTileBounds[T Tile](tiles []T) (TileBounds, error) {
	if len(tiles) == 0 {
		return TileBounds{}, ErrNoTiles
	}

	bounds := TileBounds{
		MinCol: tiles[0].GetColumn(),
		MaxCol: tiles[0].GetColumn(),
		MinRow: tiles[0].GetRow(),
		MaxRow: tiles[0].GetRow(),
	}

	for _, tile := range tiles[1:] {
		bounds.MinCol = min(bounds.MinCol, tile.GetColumn())
		bounds.MaxCol = max(bounds.MaxCol, tile.GetColumn())
		bounds.MinRow = min(bounds.MinRow, tile.GetRow())
		bounds.MaxRow = max(bounds.MaxRow, tile.GetRow())
	}

	return bounds, nil
}
