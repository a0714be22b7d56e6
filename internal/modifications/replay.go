package modifications

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/palette"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixelcodec"
)

// Pixel is the replayed state of one board cell.
type Pixel struct {
	Color                string
	PlacedBy             string
	PlacedByUsername     string
	PlacedAt             time.Time
	SourceModificationID string
}

// PlacedPixel is a non-empty cell together with its coordinates.
type PlacedPixel struct {
	X int
	Y int
	Pixel
}

// Grid is a height x width board image. Empty cells hold the zero Pixel.
type Grid struct {
	width  int
	height int
	cells  []Pixel
	placed []bool
}

// NewGrid returns an empty grid. Negative dimensions are treated as zero.
func NewGrid(width, height int) *Grid {
	width = max(width, 0)
	height = max(height, 0)
	return &Grid{
		width:  width,
		height: height,
		cells:  make([]Pixel, width*height),
		placed: make([]bool, width*height),
	}
}

// Width returns the grid width.
func (g *Grid) Width() int { return g.width }

// Height returns the grid height.
func (g *Grid) Height() int { return g.height }

// At returns the pixel at (x, y) and whether it has ever been placed.
func (g *Grid) At(x, y int) (Pixel, bool) {
	if !g.inBounds(x, y) {
		return Pixel{}, false
	}
	offset := y*g.width + x
	return g.cells[offset], g.placed[offset]
}

// Placed lists every non-empty cell in row-major order.
func (g *Grid) Placed() []PlacedPixel {
	var result []PlacedPixel
	for offset, ok := range g.placed {
		if !ok {
			continue
		}
		result = append(result, PlacedPixel{X: offset % g.width, Y: offset / g.width, Pixel: g.cells[offset]})
	}
	return result
}

func (g *Grid) inBounds(x, y int) bool {
	return x >= 0 && x < g.width && y >= 0 && y < g.height
}

func (g *Grid) set(x, y int, pixel Pixel) {
	offset := y*g.width + x
	g.cells[offset] = pixel
	g.placed[offset] = true
}

// DecodeFailure receives records skipped because their payload could not be decoded.
type DecodeFailure func(record Record, err error)

// SortRecords orders records by creation time, then by storage sequence.
// Records with equal keys keep their relative order.
func SortRecords(records []Record) []Record {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(left, right Record) int {
		if order := cmp.Compare(left.CreatedAtMillis, right.CreatedAtMillis); order != 0 {
			return order
		}
		return cmp.Compare(left.Sequence, right.Sequence)
	})
	return sorted
}

// Replay folds records onto an empty width x height grid.
func Replay(records []Record, width, height int, boardPalette palette.Palette, onFailure DecodeFailure) *Grid {
	grid := NewGrid(width, height)
	for _, record := range SortRecords(records) {
		Apply(grid, record, boardPalette, onFailure)
	}
	return grid
}

// ReplayUntil replays only records created at or before until.
func ReplayUntil(records []Record, width, height int, boardPalette palette.Palette, until time.Time, onFailure DecodeFailure) *Grid {
	cutoff := until.UnixMilli()
	grid := NewGrid(width, height)
	for _, record := range SortRecords(records) {
		if record.CreatedAtMillis > cutoff {
			break
		}
		Apply(grid, record, boardPalette, onFailure)
	}
	return grid
}

// Apply overlays one record onto the grid. Disabled records and records that
// miss the board are ignored; transparent cells leave the grid untouched.
// It reports whether the record was applied.
func Apply(grid *Grid, record Record, boardPalette palette.Palette, onFailure DecodeFailure) bool {
	if !record.Enabled || !record.Intersects(grid.width, grid.height) {
		return false
	}
	cells, err := pixelcodec.DecodePixels(record.Pixels, record.W*record.H, boardPalette)
	if err == nil && len(cells) != record.W*record.H {
		err = fmt.Errorf("%w: %d cells for %dx%d", ErrDenseLengthMismatch, len(cells), record.W, record.H)
	}
	if err != nil {
		if onFailure != nil {
			onFailure(record, err)
		}
		return false
	}

	placedAt := record.CreatedAt()
	for offset, cell := range cells {
		if cell.IsTransparent() {
			continue
		}
		x := record.X + offset%record.W
		y := record.Y + offset/record.W
		if !grid.inBounds(x, y) {
			continue
		}
		grid.set(x, y, Pixel{
			Color:                cell.Color,
			PlacedBy:             record.UserID,
			PlacedByUsername:     record.Username,
			PlacedAt:             placedAt,
			SourceModificationID: record.ID,
		})
	}
	return true
}
