// Package quota implements the per-user pixel budget: which edits cost quota,
// how the budget is replenished, and where it is stored.
package quota

import (
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
)

const (
	// DefaultDailyGrant is the number of pixels granted per calendar day.
	DefaultDailyGrant = 100
	// DefaultMaxAccumulation caps the balance at DailyGrant times this factor.
	DefaultMaxAccumulation = 3
)

// Account is a user's quota balance.
type Account struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username       string    `gorm:"column:username;size:64;not null;default:''"`
	PixelQuota     int       `gorm:"column:pixel_quota;not null"`
	LastQuotaReset time.Time `gorm:"column:last_quota_reset;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "user_quotas"
}

// Edit is one requested pixel change.
type Edit struct {
	X     int
	Y     int
	Color string
}

// Classification splits a batch into quota-consuming and free edits.
type Classification struct {
	// Required is the number of edits that consume quota.
	Required int
	// Free counts edits that re-assert the current color or repaint the caller's own pixel.
	Free int
	// Sparse holds the final color per coordinate; the last edit of a coordinate wins.
	Sparse map[modifications.Point]string
}

// Classify decides, for each edit, whether it consumes quota: it does when the
// color differs from the current one and the current pixel was not placed by
// userID. Every edit is judged against the grid as it was before the batch, so
// repeated coordinates are charged once per edit.
func Classify(grid *modifications.Grid, userID string, edits []Edit) Classification {
	result := Classification{Sparse: make(map[modifications.Point]string, len(edits))}
	for _, edit := range edits {
		point := modifications.Point{X: edit.X, Y: edit.Y}
		result.Sparse[point] = edit.Color
		if NeedsQuota(grid, userID, point, edit.Color) {
			result.Required++
			continue
		}
		result.Free++
	}
	return result
}

// NeedsQuota reports whether placing color at point costs one unit of quota.
func NeedsQuota(grid *modifications.Grid, userID string, point modifications.Point, color string) bool {
	current, placed := grid.At(point.X, point.Y)
	if !placed {
		return true
	}
	return color != current.Color && current.PlacedBy != userID
}

// Replenish tops up the balance when the calendar day of the last reset, in
// location, differs from now's. Any number of idle days yields one grant.
// It reports whether the account changed.
func Replenish(account Account, now time.Time, dailyGrant, maxAccumulation int, location *time.Location) (Account, bool) {
	if location == nil {
		location = time.Local
	}
	if sameDay(account.LastQuotaReset.In(location), now.In(location)) {
		return account, false
	}
	ceiling := dailyGrant * maxAccumulation
	account.PixelQuota = min(account.PixelQuota+dailyGrant, ceiling)
	account.LastQuotaReset = now
	return account, true
}

func sameDay(left, right time.Time) bool {
	leftYear, leftMonth, leftDay := left.Date()
	rightYear, rightMonth, rightDay := right.Date()
	return leftYear == rightYear && leftMonth == rightMonth && leftDay == rightDay
}
