package boards

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/palette"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidBoardID indicates that a board identifier is empty or exceeds storage bounds.
	ErrInvalidBoardID = errors.New("boards: invalid board id")
	// ErrInvalidDimensions indicates non-positive or oversized board dimensions.
	ErrInvalidDimensions = errors.New("boards: invalid dimensions")
	// ErrInvalidName indicates that a board name is empty or too long.
	ErrInvalidName = errors.New("boards: invalid name")
	// ErrInvalidPaletteJSON indicates a stored palette descriptor that does not decode.
	ErrInvalidPaletteJSON = errors.New("boards: invalid palette descriptor")
)

// BoardID represents a validated board identifier.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBoardID, maxIdentifierLength)
	}
	return BoardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// Board is the persisted board descriptor. Pixel state is never stored here;
// it is replayed from the board's modification log.
type Board struct {
	ID            string    `gorm:"column:board_id;primaryKey;size:190;not null"`
	Name          string    `gorm:"column:name;size:64;not null;index"`
	OwnerID       string    `gorm:"column:owner_id;size:190;not null;index"`
	OwnerUsername string    `gorm:"column:owner_username;size:64;not null;default:''"`
	Width         int       `gorm:"column:width;not null"`
	Height        int       `gorm:"column:height;not null"`
	MaxPixels     int       `gorm:"column:max_pixels;not null"`
	IsPublic      bool      `gorm:"column:is_public;not null;default:true"`
	PaletteJSON   string    `gorm:"column:palette_json;type:text;not null;default:''"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}

// CustomPalette decodes the stored palette descriptor. Nil means the default palette.
func (b Board) CustomPalette() ([]string, error) {
	if strings.TrimSpace(b.PaletteJSON) == "" {
		return nil, nil
	}
	var colors []string
	if err := json.Unmarshal([]byte(b.PaletteJSON), &colors); err != nil {
		return nil, fmt.Errorf("%w: board %q: %v", ErrInvalidPaletteJSON, b.ID, err)
	}
	return colors, nil
}

// Palette returns the board's active palette. It is resolved on every call:
// records do not snapshot the palette they were encoded with.
func (b Board) Palette() (palette.Palette, error) {
	custom, err := b.CustomPalette()
	if err != nil {
		return palette.Palette{}, err
	}
	return palette.Resolve(custom), nil
}

// Contains reports whether (x, y) lies on the board.
func (b Board) Contains(x, y int) bool {
	return x >= 0 && x < b.Width && y >= 0 && y < b.Height
}
