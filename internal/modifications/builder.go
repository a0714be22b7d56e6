package modifications

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixelcodec"
)

var (
	// ErrNoPixels indicates an edit set without any pixel.
	ErrNoPixels = errors.New("modifications: no pixels to place")
	// ErrDenseLengthMismatch indicates a dense array whose length is not w*h.
	ErrDenseLengthMismatch = errors.New("modifications: dense array length mismatch")
	errMissingIDProvider   = errors.New("modifications: id provider is required")
)

// OutOfBoundsError reports an edit outside the current board dimensions.
type OutOfBoundsError struct {
	X      int
	Y      int
	Width  int
	Height int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("modifications: pixel (%d, %d) outside %dx%d board", e.X, e.Y, e.Width, e.Height)
}

// Point is a board coordinate.
type Point struct {
	X int
	Y int
}

// Rect is an axis-aligned rectangle in board coordinates.
type Rect struct {
	X int
	Y int
	W int
	H int
}

// Area returns the number of cells covered by the rectangle.
func (r Rect) Area() int {
	return r.W * r.H
}

// Offset returns the row-major position of p inside the rectangle.
func (r Rect) Offset(p Point) int {
	return (p.Y-r.Y)*r.W + (p.X - r.X)
}

// BoundingBox returns the smallest rectangle containing every point.
func BoundingBox(points []Point) (Rect, error) {
	if len(points) == 0 {
		return Rect{}, ErrNoPixels
	}
	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, point := range points[1:] {
		minX = min(minX, point.X)
		minY = min(minY, point.Y)
		maxX = max(maxX, point.X)
		maxY = max(maxY, point.Y)
	}
	return Rect{X: minX, Y: minY, W: maxX - minX + 1, H: maxY - minY + 1}, nil
}

// Author identifies who placed a modification.
type Author struct {
	UserID   UserID
	Username string
}

// Built is a freshly encoded record together with its compression statistics.
type Built struct {
	Record   Record
	Encoding pixelcodec.Encoded
}

// BuilderConfig describes the dependencies of a Builder.
type BuilderConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
}

// Builder turns edits into persistable records.
type Builder struct {
	clock      func() time.Time
	idProvider IDProvider
}

// NewBuilder constructs a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Builder{clock: clock, idProvider: cfg.IDProvider}, nil
}

// Build encodes a sparse set of colored points into one record covering their
// bounding box. Points are validated against the board's current dimensions.
func (b *Builder) Build(board boards.Board, author Author, sparse map[Point]string) (Built, error) {
	if len(sparse) == 0 {
		return Built{}, ErrNoPixels
	}
	points := make([]Point, 0, len(sparse))
	for point := range sparse {
		if !board.Contains(point.X, point.Y) {
			return Built{}, &OutOfBoundsError{X: point.X, Y: point.Y, Width: board.Width, Height: board.Height}
		}
		points = append(points, point)
	}
	rect, err := BoundingBox(points)
	if err != nil {
		return Built{}, err
	}

	cells := make([]pixelcodec.Cell, rect.Area())
	for position := range cells {
		cells[position] = pixelcodec.Transparent()
	}
	for point, color := range sparse {
		cells[rect.Offset(point)] = pixelcodec.ColorCell(color)
	}

	built, err := b.BuildDense(board, author, rect, cells)
	if err != nil {
		return Built{}, err
	}
	built.Record.ChangedPixelsCount = len(sparse)
	return built, nil
}

// BuildDense encodes a prepared dense array covering rect. The changed pixel
// count is the number of non-transparent cells.
func (b *Builder) BuildDense(board boards.Board, author Author, rect Rect, cells []pixelcodec.Cell) (Built, error) {
	if rect.W <= 0 || rect.H <= 0 {
		return Built{}, ErrNoPixels
	}
	if len(cells) != rect.Area() {
		return Built{}, fmt.Errorf("%w: %d cells for %dx%d", ErrDenseLengthMismatch, len(cells), rect.W, rect.H)
	}

	active, err := board.Palette()
	if err != nil {
		return Built{}, err
	}
	encoding, err := pixelcodec.EncodePixels(cells, active)
	if err != nil {
		return Built{}, err
	}

	changed := 0
	for _, cell := range cells {
		if !cell.IsTransparent() {
			changed++
		}
	}

	random, err := b.idProvider.NewID()
	if err != nil {
		return Built{}, err
	}
	createdAt := b.clock().UTC().UnixMilli()

	record := Record{
		ID:                 recordID(author.UserID, createdAt, random),
		BoardID:            board.ID,
		X:                  rect.X,
		Y:                  rect.Y,
		W:                  rect.W,
		H:                  rect.H,
		Pixels:             encoding.Compressed,
		ChangedPixelsCount: changed,
		Enabled:            true,
		UserID:             author.UserID.String(),
		Username:           author.Username,
		CreatedAtMillis:    createdAt,
	}
	return Built{Record: record, Encoding: encoding}, nil
}
