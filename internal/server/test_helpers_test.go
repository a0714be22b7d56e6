package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/placement"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/quota"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/retry"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/users"
)

const (
	fixtureBoardID = "board-1"
	fixtureOwnerID = "owner"
)

// bearerValidator treats the bearer token as the user id.
type bearerValidator struct{}

func (bearerValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	return auth.SessionClaims{UserID: token, UserDisplayName: token + "-name"}, nil
}

type claimsResolver struct{}

func (claimsResolver) Resolve(_ context.Context, claims auth.SessionClaims) (users.Profile, error) {
	return users.Profile{UserID: claims.UserID, Username: claims.Username()}, nil
}

type fixedIDs struct {
	mu  sync.Mutex
	ids []string
}

func (f *fixedIDs) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type routerFixture struct {
	handler  http.Handler
	realtime *RealtimeDispatcher
}

type fixtureOption func(*Dependencies)

func withPlacementRate(perSecond float64, burst int) fixtureOption {
	return func(deps *Dependencies) {
		deps.PlacementRate = perSecond
		deps.PlacementBurst = burst
	}
}

func newRouterFixture(t *testing.T, width, height int, options ...fixtureOption) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open("file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&boards.Board{}, &modifications.Record{}, &quota.Account{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &tickingClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	boardService, err := boards.NewService(boards.ServiceConfig{
		Database:   database,
		IDProvider: &fixedIDs{ids: []string{fixtureBoardID}},
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create board service: %v", err)
	}
	if _, err := boardService.Create(context.Background(), boards.CreateRequest{
		Name:     "fixture",
		OwnerID:  fixtureOwnerID,
		Width:    width,
		Height:   height,
		IsPublic: true,
	}); err != nil {
		t.Fatalf("failed to create board: %v", err)
	}

	recordStore, err := modifications.NewGormStore(database, nil)
	if err != nil {
		t.Fatalf("failed to create record store: %v", err)
	}
	quotaStore, err := quota.NewGormStore(database)
	if err != nil {
		t.Fatalf("failed to create quota store: %v", err)
	}
	builder, err := modifications.NewBuilder(modifications.BuilderConfig{Clock: clock.Now, IDProvider: modifications.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}

	noSleep := func(context.Context, time.Duration) error { return nil }
	dispatcher := NewRealtimeDispatcher()
	service, err := placement.NewService(placement.ServiceConfig{
		Boards:       boardService,
		Records:      recordStore,
		Quotas:       quotaStore,
		Builder:      builder,
		Publisher:    dispatcher,
		Location:     time.UTC,
		WritePolicy:  retry.Policy{Sleep: noSleep},
		ChargePolicy: retry.Policy{Sleep: noSleep},
		Clock:        clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create placement service: %v", err)
	}

	deps := Dependencies{
		SessionValidator:  bearerValidator{},
		Users:             claimsResolver{},
		Placement:         service,
		Boards:            boardService,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
	}
	for _, option := range options {
		option(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	return &routerFixture{handler: handler, realtime: dispatcher}
}

func (f *routerFixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body == nil {
		payload = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, payload)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+userID)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return value
}

func pixelsBody(pixels ...placePixelPayload) placeRequestPayload {
	return placeRequestPayload{Pixels: pixels}
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Index     *int   `json:"index"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

type boardPixelsBody struct {
	Board  boardPayload   `json:"board"`
	Pixels []pixelPayload `json:"pixels"`
}

type historyBody struct {
	Modifications []modifications.Wire `json:"modifications"`
	Snapshot      []pixelPayload       `json:"snapshot"`
}

type toggleBody struct {
	Modification modifications.Wire `json:"modification"`
}
