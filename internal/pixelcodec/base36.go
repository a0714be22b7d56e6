// Package pixelcodec encodes dense pixel arrays into the compact base-36
// alphabet persisted in modification records, and wraps the result in
// gzip + base64 for storage.
package pixelcodec

import (
	"strings"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/palette"
)

const (
	// TransparentChar marks a cell the record does not touch.
	TransparentChar = '0'
	// MaxPaletteIndex is the highest palette index the alphabet can represent.
	// Boards are therefore limited to 35 distinct colors.
	MaxPaletteIndex = 34
)

// CellKind tags the value held by a Cell.
type CellKind uint8

const (
	// CellTransparent leaves the underlying board pixel untouched.
	CellTransparent CellKind = iota
	// CellIndex holds a palette index.
	CellIndex
	// CellColor holds a hex color resolved through the board palette.
	CellColor
)

// Cell is one position of a dense pixel array.
type Cell struct {
	Kind  CellKind
	Index int
	Color string
}

// Transparent returns an empty cell.
func Transparent() Cell {
	return Cell{Kind: CellTransparent}
}

// IndexCell returns a cell referencing a palette slot.
func IndexCell(index int) Cell {
	return Cell{Kind: CellIndex, Index: index}
}

// ColorCell returns a cell holding a hex color.
func ColorCell(color string) Cell {
	return Cell{Kind: CellColor, Color: color}
}

// IsTransparent reports whether the cell leaves the board untouched.
func (c Cell) IsTransparent() bool {
	return c.Kind == CellTransparent
}

// IndexToChar maps a palette index to its alphabet symbol.
// Indices outside 0..MaxPaletteIndex encode as transparent.
func IndexToChar(index int) byte {
	switch {
	case index < 0:
		return TransparentChar
	case index < 8:
		return byte('1' + index)
	case index == 8:
		return '9'
	case index <= MaxPaletteIndex:
		return byte('a' + index - 9)
	default:
		return TransparentChar
	}
}

// CharToIndex maps an alphabet symbol back to a palette index.
// It returns false for transparent and for symbols outside the alphabet.
func CharToIndex(symbol byte) (int, bool) {
	switch {
	case symbol >= '1' && symbol <= '8':
		return int(symbol - '1'), true
	case symbol == '9':
		return 8, true
	case symbol >= 'a' && symbol <= 'z':
		return int(symbol-'a') + 9, true
	default:
		return 0, false
	}
}

// EncodeCells renders cells as one symbol per cell, in order.
func EncodeCells(cells []Cell, boardPalette palette.Palette) string {
	var builder strings.Builder
	builder.Grow(len(cells))
	for _, cell := range cells {
		switch cell.Kind {
		case CellIndex:
			builder.WriteByte(IndexToChar(cell.Index))
		case CellColor:
			builder.WriteByte(IndexToChar(boardPalette.ColorToIndex(cell.Color)))
		default:
			builder.WriteByte(TransparentChar)
		}
	}
	return builder.String()
}

// DecodeIndices parses an encoded string into index or transparent cells.
// Unknown symbols decode as transparent.
func DecodeIndices(encoded string) []Cell {
	cells := make([]Cell, len(encoded))
	for position := 0; position < len(encoded); position++ {
		index, ok := CharToIndex(encoded[position])
		if !ok {
			cells[position] = Transparent()
			continue
		}
		cells[position] = IndexCell(index)
	}
	return cells
}

// DecodeCells parses an encoded string into color or transparent cells using
// the supplied palette. Color cells keep their palette index.
func DecodeCells(encoded string, boardPalette palette.Palette) []Cell {
	cells := DecodeIndices(encoded)
	for position, cell := range cells {
		if cell.Kind != CellIndex {
			continue
		}
		cells[position] = Cell{Kind: CellColor, Index: cell.Index, Color: boardPalette.IndexToColor(cell.Index)}
	}
	return cells
}
