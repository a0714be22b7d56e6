package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/placement"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/quota"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/users"
)

const (
	profileContextKey        = "pixelboard_profile"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingPlacementService = errors.New("placement service dependency required")
	errMissingBoardStore       = errors.New("board store dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

type PlacementService interface {
	PlaceBatch(ctx context.Context, request placement.BatchRequest) (placement.BatchResult, error)
	LoadSession(ctx context.Context, userID, username string) (quota.Account, error)
	ToggleModification(ctx context.Context, boardID, modificationID, actorID string, enabled bool) (modifications.Record, error)
	BoardState(ctx context.Context, boardID string) (placement.BoardState, error)
	History(ctx context.Context, boardID string, filter placement.HistoryFilter) (placement.History, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Users             UserResolver
	Placement         PlacementService
	Boards            placement.BoardStore
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	PlacementRate     float64
	PlacementBurst    int
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Placement == nil:
		return nil, errMissingPlacementService
	case deps.Boards == nil:
		return nil, errMissingBoardStore
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		users:     deps.Users,
		placement: deps.Placement,
		boards:    deps.Boards,
		realtime:  deps.Realtime,
		limiter:   newPlacementLimiter(deps.PlacementRate, deps.PlacementBurst, deps.Clock),
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me/quota", handler.handleQuota)
	protected.GET("/boards/:boardId", handler.handleGetBoard)
	protected.GET("/boards/:boardId/pixels", handler.handleBoardPixels)
	protected.GET("/boards/:boardId/modifications", handler.handleHistory)
	protected.POST("/boards/:boardId/pixels", handler.limitPlacements, handler.handlePlacePixels)
	protected.PATCH("/boards/:boardId/modifications/:modificationId", handler.handleToggleModification)
	protected.GET("/boards/:boardId/stream", handler.handleBoardStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserResolver
	placement PlacementService
	boards    placement.BoardStore
	realtime  *RealtimeDispatcher
	limiter   *placementLimiter
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.users.Resolve(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func (h *httpHandler) limitPlacements(c *gin.Context) {
	profile := currentProfile(c)
	if !h.limiter.Allow(profile.UserID) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "code": "placement.rate_limited"})
		return
	}
	c.Next()
}

func currentProfile(c *gin.Context) users.Profile {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}
	}
	profile, _ := value.(users.Profile)
	return profile
}

type quotaResponsePayload struct {
	UserID         string    `json:"user_id"`
	Username       string    `json:"username"`
	PixelQuota     int       `json:"pixel_quota"`
	LastQuotaReset time.Time `json:"last_quota_reset"`
}

func (h *httpHandler) handleQuota(c *gin.Context) {
	profile := currentProfile(c)
	account, err := h.placement.LoadSession(c.Request.Context(), profile.UserID, profile.Username)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quotaResponsePayload{
		UserID:         account.UserID,
		Username:       account.Username,
		PixelQuota:     account.PixelQuota,
		LastQuotaReset: account.LastQuotaReset.UTC(),
	})
}

type boardPayload struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OwnerID       string    `json:"owner_id"`
	OwnerUsername string    `json:"owner_username"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	MaxPixels     int       `json:"max_pixels"`
	IsPublic      bool      `json:"is_public"`
	Palette       []string  `json:"palette"`
	CreatedAt     time.Time `json:"created_at"`
}

func newBoardPayload(board boards.Board) (boardPayload, error) {
	active, err := board.Palette()
	if err != nil {
		return boardPayload{}, &placement.LoadError{BoardID: board.ID, Err: err}
	}
	return boardPayload{
		ID:            board.ID,
		Name:          board.Name,
		OwnerID:       board.OwnerID,
		OwnerUsername: board.OwnerUsername,
		Width:         board.Width,
		Height:        board.Height,
		MaxPixels:     board.MaxPixels,
		IsPublic:      board.IsPublic,
		Palette:       active.Colors(),
		CreatedAt:     board.CreatedAt.UTC(),
	}, nil
}

func (h *httpHandler) handleGetBoard(c *gin.Context) {
	boardID, err := boards.NewBoardID(c.Param("boardId"))
	if err != nil {
		h.writeError(c, &placement.ValidationError{Reason: placement.ReasonInvalidBoardID, Index: -1})
		return
	}
	board, err := h.boards.Get(c.Request.Context(), boardID)
	if err != nil {
		h.writeError(c, boardLookupError(boardID.String(), err))
		return
	}
	payload, err := newBoardPayload(board)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

type pixelPayload struct {
	X                    int       `json:"x"`
	Y                    int       `json:"y"`
	Color                string    `json:"color"`
	PlacedBy             string    `json:"placed_by"`
	PlacedByUsername     string    `json:"placed_by_username"`
	PlacedAt             time.Time `json:"placed_at"`
	SourceModificationID string    `json:"source_modification_id"`
}

func newPixelPayloads(placed []modifications.PlacedPixel) []pixelPayload {
	payloads := make([]pixelPayload, 0, len(placed))
	for _, pixel := range placed {
		payloads = append(payloads, pixelPayload{
			X:                    pixel.X,
			Y:                    pixel.Y,
			Color:                pixel.Color,
			PlacedBy:             pixel.PlacedBy,
			PlacedByUsername:     pixel.PlacedByUsername,
			PlacedAt:             pixel.PlacedAt,
			SourceModificationID: pixel.SourceModificationID,
		})
	}
	return payloads
}

func (h *httpHandler) handleBoardPixels(c *gin.Context) {
	state, err := h.placement.BoardState(c.Request.Context(), c.Param("boardId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload, err := newBoardPayload(state.Board)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"board":  payload,
		"pixels": newPixelPayloads(state.Pixels),
	})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	filter := placement.HistoryFilter{UserID: strings.TrimSpace(c.Query("user"))}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "code": "validation.invalid_limit"})
			return
		}
		filter.Limit = limit
	}
	var err error
	if filter.Since, err = parseInstant(c.Query("since")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "code": "validation.invalid_since"})
		return
	}
	if filter.Until, err = parseInstant(c.Query("until")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "code": "validation.invalid_until"})
		return
	}

	history, err := h.placement.History(c.Request.Context(), c.Param("boardId"), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	wires := make([]modifications.Wire, 0, len(history.Records))
	for _, record := range history.Records {
		wires = append(wires, record.ToWire())
	}
	response := gin.H{"modifications": wires}
	if !filter.Until.IsZero() {
		response["snapshot"] = newPixelPayloads(history.Snapshot)
	}
	c.JSON(http.StatusOK, response)
}

// parseInstant accepts RFC 3339 timestamps or unix milliseconds.
func parseInstant(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if millis, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, trimmed)
}

type placeRequestPayload struct {
	Pixels []placePixelPayload `json:"pixels"`
}

type placePixelPayload struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

type placeResponsePayload struct {
	Modification      modifications.Wire `json:"modification"`
	QuotaRequired     int                `json:"quota_required"`
	QuotaCharged      int                `json:"quota_charged"`
	QuotaRemaining    int                `json:"quota_remaining"`
	QuotaChargeFailed bool               `json:"quota_charge_failed"`
}

func (h *httpHandler) handlePlacePixels(c *gin.Context) {
	var request placeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "code": "validation.invalid_request"})
		return
	}
	edits := make([]quota.Edit, 0, len(request.Pixels))
	for _, pixel := range request.Pixels {
		edits = append(edits, quota.Edit{X: pixel.X, Y: pixel.Y, Color: pixel.Color})
	}

	profile := currentProfile(c)
	if _, err := h.placement.LoadSession(c.Request.Context(), profile.UserID, profile.Username); err != nil {
		h.writeError(c, err)
		return
	}
	result, err := h.placement.PlaceBatch(c.Request.Context(), placement.BatchRequest{
		BoardID:  c.Param("boardId"),
		UserID:   profile.UserID,
		Username: profile.Username,
		Edits:    edits,
	})
	var chargeErr *placement.ChargeError
	switch {
	case errors.As(err, &chargeErr):
		c.JSON(http.StatusOK, placeResponsePayload{
			Modification:      chargeErr.Record.ToWire(),
			QuotaRequired:     chargeErr.Required,
			QuotaRemaining:    result.QuotaRemaining,
			QuotaChargeFailed: true,
		})
		return
	case err != nil:
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, placeResponsePayload{
		Modification:   result.Record.ToWire(),
		QuotaRequired:  result.Classified.Required,
		QuotaCharged:   result.QuotaCharged,
		QuotaRemaining: result.QuotaRemaining,
	})
}

type toggleRequestPayload struct {
	Enabled *bool `json:"enabled"`
}

func (h *httpHandler) handleToggleModification(c *gin.Context) {
	var request toggleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "code": "validation.invalid_request"})
		return
	}
	profile := currentProfile(c)
	record, err := h.placement.ToggleModification(c.Request.Context(), c.Param("boardId"), c.Param("modificationId"), profile.UserID, *request.Enabled)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modification": record.ToWire()})
}

func boardLookupError(boardID string, err error) error {
	var notFound *placement.NotFoundError
	if errors.As(err, &notFound) {
		return err
	}
	if isNotFound(err) {
		return &placement.NotFoundError{Kind: placement.KindBoard, ID: boardID, Err: err}
	}
	return &placement.LoadError{BoardID: boardID, Err: err}
}
