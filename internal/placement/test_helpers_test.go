package placement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/quota"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/retry"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/storage"
)

const (
	testBoardID = "board-1"
	testOwnerID = "owner"
)

var errTransient = errors.New("connection refused")

type staticBoards struct {
	boards map[string]boards.Board
}

func (s *staticBoards) Get(_ context.Context, boardID boards.BoardID) (boards.Board, error) {
	board, ok := s.boards[boardID.String()]
	if !ok {
		return boards.Board{}, storage.NewNotFound("boards.get", nil)
	}
	return board, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ string, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

// failingQuotas wraps a quota store and fails increments a fixed number of times.
type failingQuotas struct {
	quota.Store
	mu                sync.Mutex
	incrementFailures int
	incrementAttempts int
}

func (f *failingQuotas) AtomicIncrement(ctx context.Context, userID string, delta int) (int, error) {
	f.mu.Lock()
	f.incrementAttempts++
	fail := f.incrementFailures > 0
	if fail {
		f.incrementFailures--
	}
	f.mu.Unlock()
	if fail {
		return 0, storage.Classify("quota.increment", errTransient)
	}
	return f.Store.AtomicIncrement(ctx, userID, delta)
}

// flakyRecords wraps a record store and fails appends a fixed number of times.
type flakyRecords struct {
	modifications.Store
	mu             sync.Mutex
	appendFailures int
	appendAttempts int
}

func (f *flakyRecords) Append(ctx context.Context, record *modifications.Record) error {
	f.mu.Lock()
	f.appendAttempts++
	fail := f.appendFailures > 0
	if fail {
		f.appendFailures--
	}
	f.mu.Unlock()
	if fail {
		return storage.Classify("modifications.append", errTransient)
	}
	return f.Store.Append(ctx, record)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return time.Unix(int64(s.next), 0).UTC().Format("20060102150405"), nil
}

// steppingClock advances one millisecond per call so records order by creation.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *steppingClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type harness struct {
	service   *Service
	records   *modifications.GormStore
	quotas    *quota.GormStore
	publisher *recordingPublisher
	clock     *steppingClock
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	wrapRecords func(modifications.Store) modifications.Store
	wrapQuotas  func(quota.Store) quota.Store
	logger      *zap.Logger
}

func withRecords(wrap func(modifications.Store) modifications.Store) harnessOption {
	return func(cfg *harnessConfig) { cfg.wrapRecords = wrap }
}

func withQuotas(wrap func(quota.Store) quota.Store) harnessOption {
	return func(cfg *harnessConfig) { cfg.wrapQuotas = wrap }
}

func withLogger(logger *zap.Logger) harnessOption {
	return func(cfg *harnessConfig) { cfg.logger = logger }
}

func noSleep(context.Context, time.Duration) error { return nil }

func mustDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open("file:"+testContext.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&modifications.Record{}, &quota.Account{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newHarness(testContext *testing.T, options ...harnessOption) *harness {
	testContext.Helper()
	cfg := harnessConfig{}
	for _, option := range options {
		option(&cfg)
	}

	database := mustDatabase(testContext)
	recordStore, err := modifications.NewGormStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to create record store: %v", err)
	}
	quotaStore, err := quota.NewGormStore(database)
	if err != nil {
		testContext.Fatalf("failed to create quota store: %v", err)
	}

	clock := &steppingClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	builder, err := modifications.NewBuilder(modifications.BuilderConfig{Clock: clock.Now, IDProvider: &sequenceIDs{}})
	if err != nil {
		testContext.Fatalf("failed to create builder: %v", err)
	}

	var records modifications.Store = recordStore
	if cfg.wrapRecords != nil {
		records = cfg.wrapRecords(recordStore)
	}
	var quotas quota.Store = quotaStore
	if cfg.wrapQuotas != nil {
		quotas = cfg.wrapQuotas(quotaStore)
	}

	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Boards: &staticBoards{boards: map[string]boards.Board{
			testBoardID: {ID: testBoardID, Name: "test", OwnerID: testOwnerID, Width: 10, Height: 10, MaxPixels: 100},
		}},
		Records:         records,
		Quotas:          quotas,
		Builder:         builder,
		Publisher:       publisher,
		DailyGrant:      100,
		MaxAccumulation: 3,
		Location:        time.UTC,
		WritePolicy:     retry.Policy{Sleep: noSleep},
		ChargePolicy:    retry.Policy{Sleep: noSleep},
		Clock:           clock.Now,
		Logger:          cfg.logger,
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return &harness{service: service, records: recordStore, quotas: quotaStore, publisher: publisher, clock: clock}
}

func (h *harness) mustSession(testContext *testing.T, userID string) quota.Account {
	testContext.Helper()
	account, err := h.service.LoadSession(context.Background(), userID, userID+"-name")
	if err != nil {
		testContext.Fatalf("failed to load session: %v", err)
	}
	return account
}

func (h *harness) mustPlace(testContext *testing.T, userID string, edits ...quota.Edit) BatchResult {
	testContext.Helper()
	result, err := h.service.PlaceBatch(context.Background(), BatchRequest{BoardID: testBoardID, UserID: userID, Username: userID + "-name", Edits: edits})
	if err != nil {
		testContext.Fatalf("place batch failed: %v", err)
	}
	return result
}

func (h *harness) balance(testContext *testing.T, userID string) int {
	testContext.Helper()
	account, err := h.quotas.Get(context.Background(), userID)
	if err != nil {
		testContext.Fatalf("failed to load account: %v", err)
	}
	return account.PixelQuota
}

func (h *harness) pixelAt(testContext *testing.T, x, y int) (modifications.PlacedPixel, bool) {
	testContext.Helper()
	state, err := h.service.BoardState(context.Background(), testBoardID)
	if err != nil {
		testContext.Fatalf("board state failed: %v", err)
	}
	for _, pixel := range state.Pixels {
		if pixel.X == x && pixel.Y == y {
			return pixel, true
		}
	}
	return modifications.PlacedPixel{}, false
}
