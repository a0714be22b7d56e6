package modifications

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidModificationID indicates that a modification identifier is empty or exceeds storage bounds.
	ErrInvalidModificationID = errors.New("modifications: invalid modification id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("modifications: invalid user id")
)

// ModificationID represents a validated modification identifier.
type ModificationID string

// NewModificationID validates raw input and returns a ModificationID.
func NewModificationID(rawInput string) (ModificationID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidModificationID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidModificationID, maxIdentifierLength)
	}
	return ModificationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ModificationID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Record is one dense modification: a rectangle of encoded cells appended to a
// board's log. Only Enabled changes after creation.
type Record struct {
	Sequence           int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	ID                 string `gorm:"column:modification_id;size:190;not null;uniqueIndex"`
	BoardID            string `gorm:"column:board_id;size:190;not null;index:idx_modifications_board_created,priority:1;index:idx_modifications_board_user,priority:1"`
	X                  int    `gorm:"column:x;not null"`
	Y                  int    `gorm:"column:y;not null"`
	W                  int    `gorm:"column:w;not null"`
	H                  int    `gorm:"column:h;not null"`
	Pixels             string `gorm:"column:pixels;type:text;not null"`
	ChangedPixelsCount int    `gorm:"column:changed_pixels_count;not null"`
	Enabled            bool   `gorm:"column:enabled;not null;default:true"`
	UserID             string `gorm:"column:user_id;size:190;not null;index:idx_modifications_board_user,priority:2"`
	Username           string `gorm:"column:username;size:64;not null;default:''"`
	CreatedAtMillis    int64  `gorm:"column:created_at_ms;not null;index:idx_modifications_board_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "dense_modifications"
}

// CreatedAt returns the record timestamp.
func (r Record) CreatedAt() time.Time {
	return time.UnixMilli(r.CreatedAtMillis).UTC()
}

// Intersects reports whether the record rectangle overlaps [0,width) x [0,height).
func (r Record) Intersects(width, height int) bool {
	if r.W <= 0 || r.H <= 0 {
		return false
	}
	return r.X < width && r.X+r.W > 0 && r.Y < height && r.Y+r.H > 0
}

// Wire is the interoperable JSON shape of a record.
type Wire struct {
	ID                 string    `json:"id"`
	BoardID            string    `json:"boardId"`
	X                  int       `json:"x"`
	Y                  int       `json:"y"`
	W                  int       `json:"w"`
	H                  int       `json:"h"`
	Pixels             string    `json:"pixels"`
	ChangedPixelsCount int       `json:"changedPixelsCount"`
	Enabled            bool      `json:"enabled"`
	UserID             string    `json:"userId"`
	Username           string    `json:"username"`
	CreatedAt          time.Time `json:"createdAt"`
}

// ToWire converts a record to its JSON shape.
func (r Record) ToWire() Wire {
	return Wire{
		ID:                 r.ID,
		BoardID:            r.BoardID,
		X:                  r.X,
		Y:                  r.Y,
		W:                  r.W,
		H:                  r.H,
		Pixels:             r.Pixels,
		ChangedPixelsCount: r.ChangedPixelsCount,
		Enabled:            r.Enabled,
		UserID:             r.UserID,
		Username:           r.Username,
		CreatedAt:          r.CreatedAt(),
	}
}

// FromWire converts the JSON shape back to a record. The storage sequence is left unset.
func FromWire(w Wire) Record {
	return Record{
		ID:                 w.ID,
		BoardID:            w.BoardID,
		X:                  w.X,
		Y:                  w.Y,
		W:                  w.W,
		H:                  w.H,
		Pixels:             w.Pixels,
		ChangedPixelsCount: w.ChangedPixelsCount,
		Enabled:            w.Enabled,
		UserID:             w.UserID,
		Username:           w.Username,
		CreatedAtMillis:    w.CreatedAt.UnixMilli(),
	}
}
