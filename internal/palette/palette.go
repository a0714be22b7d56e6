// Package palette resolves board colors to and from small palette indices.
package palette

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Size is the number of entries a custom board palette must carry.
const Size = 8

const fallbackColor = "#FFFFFF"

var (
	// ErrInvalidColor indicates that a color is not a #RRGGBB hex string.
	ErrInvalidColor = errors.New("palette: invalid color")
	// ErrInvalidPalette indicates that a custom palette does not hold exactly Size valid colors.
	ErrInvalidPalette = errors.New("palette: invalid palette")

	hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

	classicColors = []string{
		"#FFFFFF",
		"#000000",
		"#FF0000",
		"#00FF00",
		"#0000FF",
		"#FFFF00",
		"#FF00FF",
		"#00FFFF",
	}
)

// Palette is the ordered color list a board encodes its pixels against.
type Palette struct {
	colors []string
}

// Default returns the classic palette used by boards without a custom palette.
func Default() Palette {
	return Palette{colors: append([]string(nil), classicColors...)}
}

// New validates a custom palette. An empty input yields the default palette.
func New(custom []string) (Palette, error) {
	if len(custom) == 0 {
		return Default(), nil
	}
	if len(custom) != Size {
		return Palette{}, fmt.Errorf("%w: expected %d colors, got %d", ErrInvalidPalette, Size, len(custom))
	}
	colors := make([]string, 0, len(custom))
	for position, raw := range custom {
		color, err := NormalizeColor(raw)
		if err != nil {
			return Palette{}, fmt.Errorf("%w: entry %d: %v", ErrInvalidPalette, position, err)
		}
		colors = append(colors, color)
	}
	return Palette{colors: colors}, nil
}

// Resolve returns the custom palette when present, the default palette otherwise.
// Stored palettes were validated on write, so entries are only canonicalised here.
func Resolve(custom []string) Palette {
	if len(custom) == 0 {
		return Default()
	}
	colors := make([]string, 0, len(custom))
	for _, color := range custom {
		colors = append(colors, strings.ToUpper(strings.TrimSpace(color)))
	}
	return Palette{colors: colors}
}

// ValidateColor reports whether the value is a #RRGGBB hex color.
func ValidateColor(color string) bool {
	return hexColorPattern.MatchString(color)
}

// NormalizeColor validates the color and returns its uppercase form.
func NormalizeColor(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !ValidateColor(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidColor, raw)
	}
	return strings.ToUpper(trimmed), nil
}

// Len returns the number of palette entries.
func (p Palette) Len() int {
	return len(p.colors)
}

// Colors returns a copy of the palette entries.
func (p Palette) Colors() []string {
	return append([]string(nil), p.colors...)
}

// ColorToIndex returns the slot of color in the palette.
// Colors missing from the palette alias to slot 0.
func (p Palette) ColorToIndex(color string) int {
	normalized := strings.ToUpper(strings.TrimSpace(color))
	for index, candidate := range p.colors {
		if candidate == normalized {
			return index
		}
	}
	return 0
}

// Contains reports whether the color has its own slot in the palette.
func (p Palette) Contains(color string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(color))
	for _, candidate := range p.colors {
		if candidate == normalized {
			return true
		}
	}
	return false
}

// IndexToColor returns the color at index, falling back to slot 0 (or white
// for an empty palette) when index is out of range.
func (p Palette) IndexToColor(index int) string {
	if index >= 0 && index < len(p.colors) {
		return p.colors[index]
	}
	if len(p.colors) > 0 {
		return p.colors[0]
	}
	return fallbackColor
}
