// Package users resolves session claims to canonical user profiles.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/storage"
)

const (
	maxUsernameLength = 64
	defaultProvider   = "default"
	opResolve         = "users.resolve"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	cache  *profileCache
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
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
		db:     cfg.Database,
		now:    clock,
		cache:  newProfileCache(cfg.CacheTTL, clock),
		logger: logger,
	}, nil
}

// Resolve returns the canonical profile for the provided session claims,
// creating the identity mapping when the provider+subject pair is new.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if profile, ok := s.cache.get(cacheKey); ok {
		return profile, nil
	}

	username := truncate(normalize(claims.Username()), maxUsernameLength)
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Username:    username,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Profile{}, storage.Classify(opResolve, err)
		}
		s.logger.Info("user identity created",
			zap.String("provider", provider),
			zap.String("user_id", identity.UserID))
	case err != nil:
		return Profile{}, storage.Classify(opResolve, err)
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if username != "" && username != identity.Username {
			updates["username"] = username
			identity.Username = username
		}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
		if err != nil {
			s.logger.Warn("user identity refresh failed",
				zap.String("user_id", identity.UserID),
				zap.Error(storage.Classify(opResolve, err)))
		}
	}

	profile := Profile{UserID: identity.UserID, Username: identity.Username}
	s.cache.put(cacheKey, profile)
	return profile, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if prefix, rest, found := strings.Cut(raw, ":"); found {
			if normalize(prefix) != "" && normalize(rest) != "" {
				provider = normalize(prefix)
				subject = normalize(rest)
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
