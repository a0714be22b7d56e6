// Package boards stores board descriptors. Boards are read by the placement
// engine; creation exists for operators seeding a deployment.
package boards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/palette"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/storage"
)

const (
	defaultMaxBoardPixels = 400000
	maxBoardNameLength    = 30
	opBoardsGet           = "boards.get"
	opBoardsCreate        = "boards.create"
)

var errMissingDatabase = errors.New("boards: database handle is required")

// IDProvider issues board identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the board store.
type ServiceConfig struct {
	Database       *gorm.DB
	IDProvider     IDProvider
	MaxBoardPixels int
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Service reads and creates board descriptors.
type Service struct {
	db             *gorm.DB
	idProvider     IDProvider
	maxBoardPixels int
	clock          func() time.Time
	logger         *zap.Logger
}

// NewService constructs the board store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	maxPixels := cfg.MaxBoardPixels
	if maxPixels <= 0 {
		maxPixels = defaultMaxBoardPixels
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:             cfg.Database,
		idProvider:     cfg.IDProvider,
		maxBoardPixels: maxPixels,
		clock:          clock,
		logger:         logger,
	}, nil
}

// Get loads a board. A missing board yields an error matching storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, boardID BoardID) (Board, error) {
	var board Board
	err := s.db.WithContext(ctx).Where("board_id = ?", boardID.String()).Take(&board).Error
	if err != nil {
		return Board{}, storage.Classify(opBoardsGet, err)
	}
	return board, nil
}

// CreateRequest describes a new board.
type CreateRequest struct {
	Name          string
	OwnerID       string
	OwnerUsername string
	Width         int
	Height        int
	IsPublic      bool
	CustomPalette []string
}

// Create validates and stores a new board.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Board, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" || len(name) > maxBoardNameLength {
		return Board{}, fmt.Errorf("%w: %q", ErrInvalidName, request.Name)
	}
	if strings.TrimSpace(request.OwnerID) == "" {
		return Board{}, fmt.Errorf("boards: owner id is required")
	}
	if request.Width <= 0 || request.Height <= 0 {
		return Board{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, request.Width, request.Height)
	}
	if request.Width > s.maxBoardPixels/request.Height {
		return Board{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidDimensions, request.Width, request.Height, s.maxBoardPixels)
	}

	paletteJSON := ""
	if len(request.CustomPalette) > 0 {
		custom, err := palette.New(request.CustomPalette)
		if err != nil {
			return Board{}, err
		}
		encoded, err := json.Marshal(custom.Colors())
		if err != nil {
			return Board{}, err
		}
		paletteJSON = string(encoded)
	}

	if s.idProvider == nil {
		return Board{}, fmt.Errorf("boards: id provider is required")
	}
	boardID, err := s.idProvider.NewID()
	if err != nil {
		return Board{}, err
	}

	board := Board{
		ID:            boardID,
		Name:          name,
		OwnerID:       strings.TrimSpace(request.OwnerID),
		OwnerUsername: strings.TrimSpace(request.OwnerUsername),
		Width:         request.Width,
		Height:        request.Height,
		MaxPixels:     request.Width * request.Height,
		IsPublic:      request.IsPublic,
		PaletteJSON:   paletteJSON,
		CreatedAt:     s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&board).Error; err != nil {
		classified := storage.Classify(opBoardsCreate, err)
		s.logger.Error("board create failed", zap.String("board_name", name), zap.Error(classified))
		return Board{}, classified
	}
	s.logger.Info("board created",
		zap.String("board_id", board.ID),
		zap.String("owner_id", board.OwnerID),
		zap.Int("width", board.Width),
		zap.Int("height", board.Height))
	return board, nil
}
