// Package placement applies pixel edits to boards: it validates a batch,
// classifies it against the replayed board, enforces the user's quota and
// appends one modification record per accepted batch.
package placement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/palette"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/quota"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/retry"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/storage"
)

const (
	opServiceNew  = "placement.service.new"
	opPlaceBatch  = "placement.place_batch"
	opLoadSession = "placement.load_session"
	opToggle      = "placement.toggle_modification"
	opBoardState  = "placement.board_state"
	opHistory     = "placement.history"
	chargeRetries = 2
)

// Realtime event types.
const (
	EventModificationAppended = "modification-appended"
	EventModificationToggled  = "modification-toggled"
)

var (
	errMissingBoards  = errors.New("board store is required")
	errMissingRecords = errors.New("modification store is required")
	errMissingQuotas  = errors.New("quota store is required")
	errMissingBuilder = errors.New("record builder is required")
	noOpLogger        = zap.NewNop()
)

// BoardStore reads board descriptors.
type BoardStore interface {
	Get(ctx context.Context, boardID boards.BoardID) (boards.Board, error)
}

// Event is a realtime notification about a board's log.
type Event struct {
	Type         string             `json:"type"`
	BoardID      string             `json:"boardId"`
	Modification modifications.Wire `json:"modification"`
}

// Publisher fans events out to board subscribers. Publish must not block.
type Publisher interface {
	Publish(boardID string, event Event)
}

// ServiceConfig describes the dependencies of the placement service.
type ServiceConfig struct {
	Boards          BoardStore
	Records         modifications.Store
	Quotas          quota.Store
	Builder         *modifications.Builder
	Projections     *modifications.Projections
	Publisher       Publisher
	DailyGrant      int
	MaxAccumulation int
	Location        *time.Location
	// WritePolicy governs reads of board state and the record append.
	WritePolicy retry.Policy
	// ChargePolicy governs the quota decrement. Zero value retries twice.
	ChargePolicy retry.Policy
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service orchestrates pixel placement.
type Service struct {
	boards          BoardStore
	records         modifications.Store
	quotas          quota.Store
	builder         *modifications.Builder
	projections     *modifications.Projections
	publisher       Publisher
	dailyGrant      int
	maxAccumulation int
	location        *time.Location
	writePolicy     retry.Policy
	chargePolicy    retry.Policy
	clock           func() time.Time
	logger          *zap.Logger
}

// NewService constructs the placement service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Boards == nil:
		return nil, newServiceError(opServiceNew, "missing_boards", errMissingBoards)
	case cfg.Records == nil:
		return nil, newServiceError(opServiceNew, "missing_records", errMissingRecords)
	case cfg.Quotas == nil:
		return nil, newServiceError(opServiceNew, "missing_quotas", errMissingQuotas)
	case cfg.Builder == nil:
		return nil, newServiceError(opServiceNew, "missing_builder", errMissingBuilder)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	dailyGrant := cfg.DailyGrant
	if dailyGrant <= 0 {
		dailyGrant = quota.DefaultDailyGrant
	}
	maxAccumulation := cfg.MaxAccumulation
	if maxAccumulation <= 0 {
		maxAccumulation = quota.DefaultMaxAccumulation
	}

	service := &Service{
		boards:          cfg.Boards,
		records:         cfg.Records,
		quotas:          cfg.Quotas,
		builder:         cfg.Builder,
		publisher:       cfg.Publisher,
		dailyGrant:      dailyGrant,
		maxAccumulation: maxAccumulation,
		location:        location,
		clock:           clock,
		logger:          logger,
	}
	service.projections = cfg.Projections
	if service.projections == nil {
		service.projections = modifications.NewProjections(service.reportDecodeFailure)
	}
	service.writePolicy = service.withStorageRetry(cfg.WritePolicy, retry.Default())
	service.chargePolicy = service.withStorageRetry(cfg.ChargePolicy, retry.Default().WithMaxRetries(chargeRetries))
	return service, nil
}

// BatchRequest is one user's set of edits on one board.
type BatchRequest struct {
	BoardID  string
	UserID   string
	Username string
	Edits    []quota.Edit
}

// BatchResult describes an accepted batch.
type BatchResult struct {
	Record         modifications.Record
	QuotaCharged   int
	QuotaRemaining int
	Classified     quota.Classification
}

// PlaceBatch validates, classifies and commits a batch. Once the record is
// written nothing is rolled back: a failed quota charge is reported as a
// *ChargeError carrying the written record.
func (s *Service) PlaceBatch(ctx context.Context, request BatchRequest) (BatchResult, error) {
	boardID, userID, err := validateIdentity(request.BoardID, request.UserID)
	if err != nil {
		return BatchResult{}, err
	}
	if len(request.Edits) == 0 {
		return BatchResult{}, &ValidationError{Reason: ReasonEmptyBatch, Index: -1}
	}

	board, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return BatchResult{}, err
	}
	edits, err := normalizeEdits(board, request.Edits)
	if err != nil {
		return BatchResult{}, err
	}
	account, err := s.loadAccount(ctx, userID.String())
	if err != nil {
		return BatchResult{}, err
	}

	var classification quota.Classification
	err = s.viewBoard(ctx, board, func(grid *modifications.Grid) error {
		classification = quota.Classify(grid, userID.String(), edits)
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	if account.PixelQuota < classification.Required {
		return BatchResult{}, &QuotaExceededError{Required: classification.Required, Available: account.PixelQuota}
	}

	username := request.Username
	if username == "" {
		username = account.Username
	}
	built, err := s.builder.Build(board, modifications.Author{UserID: userID, Username: username}, classification.Sparse)
	if err != nil {
		return BatchResult{}, s.builderError(err)
	}
	s.logger.Debug("modification encoded",
		zap.String("board_id", board.ID),
		zap.Int("original_size", built.Encoding.OriginalSize),
		zap.Int("compressed_size", built.Encoding.CompressedSize),
		zap.Float64("ratio", built.Encoding.Ratio))

	record := built.Record
	err = retry.Do(ctx, s.writePolicy, func(ctx context.Context) error {
		return s.records.Append(ctx, &record)
	})
	if err != nil {
		s.logError(opPlaceBatch, "append_failed", err,
			zap.String("board_id", board.ID),
			zap.String("user_id", userID.String()))
		return BatchResult{}, newServiceError(opPlaceBatch, "append_failed", err)
	}

	result := BatchResult{Record: record, Classified: classification, QuotaRemaining: account.PixelQuota}
	s.publish(EventModificationAppended, record)

	if classification.Required == 0 {
		return result, nil
	}
	remaining, err := retry.DoValue(ctx, s.chargePolicy, func(ctx context.Context) (int, error) {
		return s.quotas.AtomicIncrement(ctx, userID.String(), -classification.Required)
	})
	if err != nil {
		s.logError(opPlaceBatch, "quota_charge_failed", err,
			zap.String("board_id", board.ID),
			zap.String("user_id", userID.String()),
			zap.String("modification_id", record.ID),
			zap.Int("quota_required", classification.Required))
		return result, &ChargeError{Record: record, Required: classification.Required, Err: err}
	}
	result.QuotaCharged = classification.Required
	result.QuotaRemaining = remaining
	return result, nil
}

// PlacePixel places a single pixel.
func (s *Service) PlacePixel(ctx context.Context, boardID, userID, username string, x, y int, color string) (BatchResult, error) {
	return s.PlaceBatch(ctx, BatchRequest{
		BoardID:  boardID,
		UserID:   userID,
		Username: username,
		Edits:    []quota.Edit{{X: x, Y: y, Color: color}},
	})
}

// LoadSession returns the caller's quota account after lazy replenishment,
// opening the account with one daily grant on first use.
func (s *Service) LoadSession(ctx context.Context, userID, username string) (quota.Account, error) {
	if userID == "" {
		return quota.Account{}, &ValidationError{Reason: ReasonInvalidUserID, Index: -1}
	}
	now := s.clock().UTC()
	account, err := retry.DoValue(ctx, s.writePolicy, func(ctx context.Context) (quota.Account, error) {
		return s.quotas.Open(ctx, quota.Account{
			UserID:         userID,
			Username:       username,
			PixelQuota:     s.dailyGrant,
			LastQuotaReset: now,
			CreatedAt:      now,
		})
	})
	if err != nil {
		s.logError(opLoadSession, "account_open_failed", err, zap.String("user_id", userID))
		return quota.Account{}, newServiceError(opLoadSession, "account_open_failed", err)
	}
	return s.replenish(ctx, account)
}

// ToggleModification enables or disables a record. Only the board owner may toggle.
func (s *Service) ToggleModification(ctx context.Context, boardID, modificationID, actorID string, enabled bool) (modifications.Record, error) {
	validBoardID, actor, err := validateIdentity(boardID, actorID)
	if err != nil {
		return modifications.Record{}, err
	}
	validModificationID, err := modifications.NewModificationID(modificationID)
	if err != nil {
		return modifications.Record{}, &ValidationError{Reason: ReasonInvalidModID, Index: -1}
	}

	board, err := s.loadBoard(ctx, validBoardID)
	if err != nil {
		return modifications.Record{}, err
	}
	if board.OwnerID != actor.String() {
		return modifications.Record{}, &ForbiddenError{ActorID: actor.String(), BoardID: board.ID}
	}

	record, err := s.records.Get(ctx, board.ID, validModificationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return modifications.Record{}, &NotFoundError{Kind: KindModification, ID: modificationID, Err: err}
		}
		return modifications.Record{}, &LoadError{BoardID: board.ID, Err: err}
	}
	if record.Enabled == enabled {
		return record, nil
	}

	err = retry.Do(ctx, s.writePolicy, func(ctx context.Context) error {
		return s.records.SetEnabled(ctx, board.ID, validModificationID, enabled)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return modifications.Record{}, &NotFoundError{Kind: KindModification, ID: modificationID, Err: err}
		}
		s.logError(opToggle, "update_failed", err,
			zap.String("board_id", board.ID),
			zap.String("modification_id", modificationID))
		return modifications.Record{}, newServiceError(opToggle, "update_failed", err)
	}
	s.projections.Invalidate(board.ID)

	record.Enabled = enabled
	s.logger.Info("modification toggled",
		zap.String("board_id", board.ID),
		zap.String("modification_id", record.ID),
		zap.Bool("enabled", enabled))
	s.publish(EventModificationToggled, record)
	return record, nil
}

// BoardState is a board descriptor together with its replayed pixels.
type BoardState struct {
	Board  boards.Board
	Pixels []modifications.PlacedPixel
}

// BoardState replays the current board image.
func (s *Service) BoardState(ctx context.Context, boardID string) (BoardState, error) {
	validBoardID, err := boards.NewBoardID(boardID)
	if err != nil {
		return BoardState{}, &ValidationError{Reason: ReasonInvalidBoardID, Index: -1}
	}
	board, err := s.loadBoard(ctx, validBoardID)
	if err != nil {
		return BoardState{}, err
	}
	state := BoardState{Board: board}
	err = s.viewBoard(ctx, board, func(grid *modifications.Grid) error {
		state.Pixels = grid.Placed()
		return nil
	})
	if err != nil {
		return BoardState{}, err
	}
	return state, nil
}

// HistoryFilter narrows a history query. Until, when set, additionally
// returns the board image as of that instant.
type HistoryFilter struct {
	Limit  int
	UserID string
	Since  time.Time
	Until  time.Time
}

// History is a page of newest-first records.
type History struct {
	Records  []modifications.Record
	Snapshot []modifications.PlacedPixel
}

// History lists a board's records, newest first.
func (s *Service) History(ctx context.Context, boardID string, filter HistoryFilter) (History, error) {
	validBoardID, err := boards.NewBoardID(boardID)
	if err != nil {
		return History{}, &ValidationError{Reason: ReasonInvalidBoardID, Index: -1}
	}
	board, err := s.loadBoard(ctx, validBoardID)
	if err != nil {
		return History{}, err
	}

	records, err := retry.DoValue(ctx, s.writePolicy, func(ctx context.Context) ([]modifications.Record, error) {
		return s.records.List(ctx, board.ID, modifications.Filter{Limit: filter.Limit, UserID: filter.UserID, Since: filter.Since})
	})
	if err != nil {
		s.logError(opHistory, "list_failed", err, zap.String("board_id", board.ID))
		return History{}, &LoadError{BoardID: board.ID, Err: err}
	}
	history := History{Records: records}

	if !filter.Until.IsZero() {
		log, err := s.loadLog(ctx, board.ID)
		if err != nil {
			return History{}, err
		}
		active, err := s.boardPalette(opHistory, board)
		if err != nil {
			return History{}, err
		}
		grid := modifications.ReplayUntil(log, board.Width, board.Height, active, filter.Until, s.reportDecodeFailure)
		history.Snapshot = grid.Placed()
	}
	return history, nil
}

func (s *Service) loadBoard(ctx context.Context, boardID boards.BoardID) (boards.Board, error) {
	board, err := retry.DoValue(ctx, s.writePolicy, func(ctx context.Context) (boards.Board, error) {
		return s.boards.Get(ctx, boardID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return boards.Board{}, &NotFoundError{Kind: KindBoard, ID: boardID.String(), Err: err}
		}
		s.logError(opBoardState, "board_load_failed", err, zap.String("board_id", boardID.String()))
		return boards.Board{}, &LoadError{BoardID: boardID.String(), Err: err}
	}
	return board, nil
}

func (s *Service) loadAccount(ctx context.Context, userID string) (quota.Account, error) {
	account, err := retry.DoValue(ctx, s.writePolicy, func(ctx context.Context) (quota.Account, error) {
		return s.quotas.Get(ctx, userID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return quota.Account{}, &NotFoundError{Kind: KindUser, ID: userID, Err: err}
		}
		s.logError(opPlaceBatch, "account_load_failed", err, zap.String("user_id", userID))
		return quota.Account{}, newServiceError(opPlaceBatch, "account_load_failed", err)
	}
	return s.replenish(ctx, account)
}

// replenish applies the daily top-up and persists it when the day changed.
func (s *Service) replenish(ctx context.Context, account quota.Account) (quota.Account, error) {
	updated, changed := quota.Replenish(account, s.clock().UTC(), s.dailyGrant, s.maxAccumulation, s.location)
	if !changed {
		return account, nil
	}
	err := retry.Do(ctx, s.writePolicy, func(ctx context.Context) error {
		return s.quotas.SaveReset(ctx, updated.UserID, updated.PixelQuota, updated.LastQuotaReset)
	})
	if err != nil {
		s.logError(opLoadSession, "replenish_failed", err, zap.String("user_id", account.UserID))
		return quota.Account{}, newServiceError(opLoadSession, "replenish_failed", err)
	}
	s.logger.Info("quota replenished",
		zap.String("user_id", updated.UserID),
		zap.Int("pixel_quota", updated.PixelQuota))
	return updated, nil
}

func (s *Service) loadLog(ctx context.Context, boardID string) ([]modifications.Record, error) {
	records, err := retry.DoValue(ctx, s.writePolicy, func(ctx context.Context) ([]modifications.Record, error) {
		return s.records.ListOrdered(ctx, boardID)
	})
	if err != nil {
		s.logError(opBoardState, "log_load_failed", err, zap.String("board_id", boardID))
		return nil, &LoadError{BoardID: boardID, Err: err}
	}
	return records, nil
}

func (s *Service) viewBoard(ctx context.Context, board boards.Board, read func(*modifications.Grid) error) error {
	records, err := s.loadLog(ctx, board.ID)
	if err != nil {
		return err
	}
	active, err := s.boardPalette(opBoardState, board)
	if err != nil {
		return err
	}
	return s.projections.For(board.ID).View(records, board.Width, board.Height, active, read)
}

// boardPalette resolves the stored palette. An undecodable descriptor fails
// the load instead of replaying the log with the default palette.
func (s *Service) boardPalette(operation string, board boards.Board) (palette.Palette, error) {
	active, err := board.Palette()
	if err != nil {
		s.logError(operation, "palette_decode_failed", err, zap.String("board_id", board.ID))
		return palette.Palette{}, &LoadError{BoardID: board.ID, Err: err}
	}
	return active, nil
}

func (s *Service) publish(eventType string, record modifications.Record) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(record.BoardID, Event{Type: eventType, BoardID: record.BoardID, Modification: record.ToWire()})
}

func (s *Service) builderError(err error) error {
	var boundsErr *modifications.OutOfBoundsError
	if errors.As(err, &boundsErr) {
		return &ValidationError{Reason: ReasonOutOfBounds, Index: -1, X: boundsErr.X, Y: boundsErr.Y}
	}
	if errors.Is(err, modifications.ErrNoPixels) {
		return &ValidationError{Reason: ReasonEmptyBatch, Index: -1}
	}
	s.logError(opPlaceBatch, "encode_failed", err)
	return newServiceError(opPlaceBatch, "encode_failed", err)
}

func (s *Service) reportDecodeFailure(record modifications.Record, err error) {
	s.logError(opBoardState, "record_decode_failed", err,
		zap.String("board_id", record.BoardID),
		zap.String("modification_id", record.ID))
}

// withStorageRetry fills a policy's retry predicate and retry logging.
func (s *Service) withStorageRetry(policy retry.Policy, fallback retry.Policy) retry.Policy {
	if policy.MaxRetries == 0 && policy.InitialDelay == 0 && policy.MaxDelay == 0 && policy.Multiplier == 0 {
		sleep := policy.Sleep
		policy = fallback
		policy.Sleep = sleep
	}
	if policy.Retryable == nil {
		policy.Retryable = storage.IsTransient
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			s.logger.Warn("retrying storage operation",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
	}
	return policy
}

func validateIdentity(rawBoardID, rawUserID string) (boards.BoardID, modifications.UserID, error) {
	boardID, err := boards.NewBoardID(rawBoardID)
	if err != nil {
		return "", "", &ValidationError{Reason: ReasonInvalidBoardID, Index: -1}
	}
	userID, err := modifications.NewUserID(rawUserID)
	if err != nil {
		return "", "", &ValidationError{Reason: ReasonInvalidUserID, Index: -1}
	}
	return boardID, userID, nil
}

// normalizeEdits canonicalizes colors and checks coordinates against the
// board's current dimensions.
func normalizeEdits(board boards.Board, edits []quota.Edit) ([]quota.Edit, error) {
	normalized := make([]quota.Edit, len(edits))
	for index, edit := range edits {
		color, err := palette.NormalizeColor(edit.Color)
		if err != nil {
			return nil, &ValidationError{Reason: ReasonInvalidColor, Index: index, X: edit.X, Y: edit.Y, Color: edit.Color}
		}
		if !board.Contains(edit.X, edit.Y) {
			return nil, &ValidationError{Reason: ReasonOutOfBounds, Index: index, X: edit.X, Y: edit.Y, Color: edit.Color}
		}
		normalized[index] = quota.Edit{X: edit.X, Y: edit.Y, Color: color}
	}
	return normalized, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if s != nil && s.logger != nil {
		logger = s.logger
	}
	logger.Error("placement service error", attrs...)
}
