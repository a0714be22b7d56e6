package quota

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/storage"
)

const (
	defaultKeyPrefix  = "pixelboard:quota:"
	fieldUsername     = "username"
	fieldPixelQuota   = "pixel_quota"
	fieldLastReset    = "last_quota_reset_ms"
	fieldCreatedAt    = "created_at_ms"
	missingAccountErr = "NOT_FOUND"
)

var errMissingRedisClient = errors.New("quota: redis client is required")

// incrementScript refuses to create a hash for an unknown account.
// KEYS[1] = account key, ARGV[1] = delta
var incrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return redis.error_reply("NOT_FOUND")
end
return redis.call("HINCRBY", KEYS[1], "pixel_quota", ARGV[1])
`)

// RedisStore keeps each account in one hash.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore constructs a RedisStore. An empty prefix selects the default.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// Key returns the hash key of an account.
func (s *RedisStore) Key(userID string) string {
	return s.keyPrefix + userID
}

// Get loads an account. A missing account matches storage.ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, userID string) (Account, error) {
	values, err := s.client.HGetAll(ctx, s.Key(userID)).Result()
	if err != nil {
		return Account{}, storage.Classify(opGet, err)
	}
	if len(values) == 0 {
		return Account{}, storage.NewNotFound(opGet, redis.Nil)
	}
	return accountFromHash(userID, values)
}

// Open sets every field that is still missing in one MULTI block, so an
// existing account is left untouched.
func (s *RedisStore) Open(ctx context.Context, account Account) (Account, error) {
	key := s.Key(account.UserID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, value := range accountToHash(account) {
			pipe.HSetNX(ctx, key, field, value)
		}
		return nil
	})
	if err != nil {
		return Account{}, storage.Classify(opOpen, err)
	}
	return s.Get(ctx, account.UserID)
}

// AtomicIncrement applies HINCRBY to an existing account.
func (s *RedisStore) AtomicIncrement(ctx context.Context, userID string, delta int) (int, error) {
	balance, err := incrementScript.Run(ctx, s.client, []string{s.Key(userID)}, delta).Int()
	if err != nil {
		if strings.Contains(err.Error(), missingAccountErr) {
			return 0, storage.NewNotFound(opIncrement, err)
		}
		return 0, storage.Classify(opIncrement, err)
	}
	return balance, nil
}

// SaveReset stores a replenished balance together with its reset time.
func (s *RedisStore) SaveReset(ctx context.Context, userID string, pixelQuota int, resetAt time.Time) error {
	key := s.Key(userID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return storage.Classify(opSaveReset, err)
	}
	if exists == 0 {
		return storage.NewNotFound(opSaveReset, redis.Nil)
	}
	err = s.client.HSet(ctx, key,
		fieldPixelQuota, pixelQuota,
		fieldLastReset, resetAt.UnixMilli(),
	).Err()
	return storage.Classify(opSaveReset, err)
}

func accountToHash(account Account) map[string]any {
	return map[string]any{
		fieldUsername:   account.Username,
		fieldPixelQuota: account.PixelQuota,
		fieldLastReset:  account.LastQuotaReset.UnixMilli(),
		fieldCreatedAt:  account.CreatedAt.UnixMilli(),
	}
}

func accountFromHash(userID string, values map[string]string) (Account, error) {
	account := Account{UserID: userID, Username: values[fieldUsername]}
	quota, err := strconv.Atoi(values[fieldPixelQuota])
	if err != nil {
		return Account{}, storage.Classify(opGet, err)
	}
	account.PixelQuota = quota
	if raw, ok := values[fieldLastReset]; ok {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Account{}, storage.Classify(opGet, err)
		}
		account.LastQuotaReset = time.UnixMilli(millis).UTC()
	}
	if raw, ok := values[fieldCreatedAt]; ok {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Account{}, storage.Classify(opGet, err)
		}
		account.CreatedAt = time.UnixMilli(millis).UTC()
	}
	return account, nil
}
