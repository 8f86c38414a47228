package tiler

/*
Package tiler splits a region, already scaled to processing resolution, into
overlapping tiles for neural network inference.

Every tile has an interior and a padded outer box. The interiors form an exact
partition of the region: no gaps and no pixel owned by two tiles. The model is
run on the padded box so objects near an interior edge still see context, and
only the interior part of the output is kept. Padding is never added outside
the region, so tiles on the outer border are smaller than the nominal size.

With top-left alignment the interiors start at (0,0) and advance by the
interior size. The last interior in a row or column is whatever remains, which
may be much thinner than the others (tiles are not cropped to a full size).
With center alignment the same number of tiles is used, but the grid is shifted
so the remainder is split between the first and last tile.
*/

import (
	"image"

	"TileSegServer/config"
	"TileSegServer/errs"
)

// Options describe one tiling. Tile sizes include padding on both sides.
type Options struct {
	RegionWidth  int
	RegionHeight int
	TileWidth    int
	TileHeight   int
	Padding      int
	Alignment    string
}

// Edges records which sides of the region a tile interior touches.
type Edges struct {
	Left, Top, Right, Bottom bool
}

type Tile struct {
	Index    int
	Col      int
	Row      int
	Bounds   image.Rectangle // padded box, clipped to the region
	Interior image.Rectangle // owned pixels
	Padding  int
	Edges    Edges
}

// TouchesBoundary reports whether the tile lies on the edge of the region.
func (t Tile) TouchesBoundary() bool {
	return t.Edges.Left || t.Edges.Top || t.Edges.Right || t.Edges.Bottom
}

// LocalInterior returns the interior relative to the tile's padded box.
func (t Tile) LocalInterior() image.Rectangle {
	return t.Interior.Sub(t.Bounds.Min)
}

// Grid is the result of Compute, tiles are in row-major order.
type Grid struct {
	Cols         int
	Rows         int
	RegionWidth  int
	RegionHeight int
	Tiles        []Tile
}

// Compute is deterministic for a given Options value.
func Compute(opts Options) (Grid, error) {
	if opts.RegionWidth <= 0 || opts.RegionHeight <= 0 {
		return Grid{}, errs.Invalid("region %dx%d must be positive", opts.RegionWidth, opts.RegionHeight)
	}
	if opts.Padding < 0 {
		return Grid{}, errs.Invalid("padding %d must not be negative", opts.Padding)
	}
	iw := opts.TileWidth - 2*opts.Padding
	ih := opts.TileHeight - 2*opts.Padding
	if iw <= 0 || ih <= 0 {
		return Grid{}, errs.Invalid("tile %dx%d with padding %d leaves no interior", opts.TileWidth, opts.TileHeight, opts.Padding)
	}
	var center bool
	switch opts.Alignment {
	case "", config.AlignTopLeft:
	case config.AlignCenter:
		center = true
	default:
		return Grid{}, errs.Invalid("unsupported alignment %q", opts.Alignment)
	}

	xs := SplitAxis(opts.RegionWidth, iw, center)
	ys := SplitAxis(opts.RegionHeight, ih, center)
	g := Grid{
		Cols:         len(xs),
		Rows:         len(ys),
		RegionWidth:  opts.RegionWidth,
		RegionHeight: opts.RegionHeight,
		Tiles:        make([]Tile, 0, len(xs)*len(ys)),
	}
	region := image.Rect(0, 0, opts.RegionWidth, opts.RegionHeight)
	for row, y := range ys {
		for col, x := range xs {
			interior := image.Rect(x[0], y[0], x[1], y[1])
			bounds := image.Rect(
				interior.Min.X-opts.Padding, interior.Min.Y-opts.Padding,
				interior.Max.X+opts.Padding, interior.Max.Y+opts.Padding,
			).Intersect(region)
			g.Tiles = append(g.Tiles, Tile{
				Index:    g.MakeTileIndex(col, row),
				Col:      col,
				Row:      row,
				Bounds:   bounds,
				Interior: interior,
				Padding:  opts.Padding,
				Edges: Edges{
					Left:   interior.Min.X == 0,
					Top:    interior.Min.Y == 0,
					Right:  interior.Max.X == opts.RegionWidth,
					Bottom: interior.Max.Y == opts.RegionHeight,
				},
			})
		}
	}
	return g, nil
}

// SplitAxis returns the [start,end) interior spans along one axis.
func SplitAxis(size, interior int, center bool) [][2]int {
	n := (size + interior - 1) / interior // round up
	offset := 0
	if center {
		offset = (n*interior - size) / 2
	}
	spans := make([][2]int, 0, n)
	for i := 0; i < n; i++ {
		start := max(0, i*interior-offset)
		end := min(size, (i+1)*interior-offset)
		if end > start {
			spans = append(spans, [2]int{start, end})
		}
	}
	return spans
}

// Return a single number that uniquely identifies this tile
func (g Grid) MakeTileIndex(col, row int) int {
	return row*g.Cols + col
}

// Split a tile index created by MakeTileIndex into the original col and row that created it
func (g Grid) SplitTileIndex(index int) (int, int) {
	return index % g.Cols, index / g.Cols
}

// At returns the tile at col,row.
func (g Grid) At(col, row int) (Tile, bool) {
	if col < 0 || row < 0 || col >= g.Cols || row >= g.Rows {
		return Tile{}, false
	}
	return g.Tiles[g.MakeTileIndex(col, row)], true
}

// Tile returns the tile with the given index.
func (g Grid) Tile(index int) (Tile, bool) {
	if index < 0 || index >= len(g.Tiles) {
		return Tile{}, false
	}
	return g.Tiles[index], true
}

// IsSingle returns true if the tiling consists of just a single tile
func (g Grid) IsSingle() bool {
	return g.Cols == 1 && g.Rows == 1
}

// Seam is the shared edge between two adjacent tiles. A is left of (Vertical) or above B.
type Seam struct {
	A, B     int
	Vertical bool
}

// Neighbours returns the 4-connected neighbours of a tile, in left, top, right, bottom order.
func (g Grid) Neighbours(index int) []int {
	col, row := g.SplitTileIndex(index)
	var out []int
	for _, d := range [4][2]int{{-1, 0}, {0, -1}, {1, 0}, {0, 1}} {
		if t, ok := g.At(col+d[0], row+d[1]); ok {
			out = append(out, t.Index)
		}
	}
	return out
}

// Seams lists every shared tile edge once, in row-major order of A.
func (g Grid) Seams() []Seam {
	var out []Seam
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			a := g.MakeTileIndex(col, row)
			if col+1 < g.Cols {
				out = append(out, Seam{A: a, B: g.MakeTileIndex(col+1, row), Vertical: true})
			}
			if row+1 < g.Rows {
				out = append(out, Seam{A: a, B: g.MakeTileIndex(col, row+1)})
			}
		}
	}
	return out
}
