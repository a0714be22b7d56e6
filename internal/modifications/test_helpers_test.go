package modifications

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/pixelcodec"
)

type counterIDs struct {
	next int
}

func (c *counterIDs) NewID() (string, error) {
	c.next++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", c.next), nil
}

func mustUserID(testContext *testing.T, value string) UserID {
	testContext.Helper()
	id, err := NewUserID(value)
	if err != nil {
		testContext.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func testBoard(width, height int) boards.Board {
	return boards.Board{ID: "board-1", Name: "test", OwnerID: "owner", Width: width, Height: height, MaxPixels: width * height}
}

func mustBuilder(testContext *testing.T, clock func() time.Time) *Builder {
	testContext.Helper()
	builder, err := NewBuilder(BuilderConfig{Clock: clock, IDProvider: &counterIDs{}})
	if err != nil {
		testContext.Fatalf("failed to create builder: %v", err)
	}
	return builder
}

func fixedClock(millis int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(millis).UTC()
	}
}

// mustRecord builds a record at createdAtMillis from a sparse point set.
func mustRecord(testContext *testing.T, board boards.Board, userID string, createdAtMillis int64, sparse map[Point]string) Record {
	testContext.Helper()
	built, err := mustBuilder(testContext, fixedClock(createdAtMillis)).Build(board, Author{UserID: mustUserID(testContext, userID), Username: userID}, sparse)
	if err != nil {
		testContext.Fatalf("failed to build record: %v", err)
	}
	return built.Record
}

func mustDenseRecord(testContext *testing.T, board boards.Board, userID string, createdAtMillis int64, rect Rect, cells []pixelcodec.Cell) Record {
	testContext.Helper()
	built, err := mustBuilder(testContext, fixedClock(createdAtMillis)).BuildDense(board, Author{UserID: mustUserID(testContext, userID), Username: userID}, rect, cells)
	if err != nil {
		testContext.Fatalf("failed to build dense record: %v", err)
	}
	return built.Record
}

func mustGormStore(testContext *testing.T) (*GormStore, *gorm.DB) {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open("file:"+testContext.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&Record{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewGormStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	return store, database
}
