package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	cachedomain "github.com/lexfabric/veredix/internal/analysiscache/domain"
	"github.com/lexfabric/veredix/internal/clock"
	"github.com/lexfabric/veredix/internal/config"
	obsmetrics "github.com/lexfabric/veredix/internal/observability/metrics"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix = "analysis:cache:"
	lockKeyPrefix  = "analysis:lock:"
)

// Release deletes the lock only when the caller still holds it, so a slow
// worker cannot drop a lock that already expired and was re-acquired.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type Params struct {
	fx.In

	Redis   *redis.Client
	Log     *zap.Logger
	Clock   clock.Clock
	Cfg     *config.AnalysisConfigHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	redis   *redis.Client
	log     *zap.Logger
	clock   clock.Clock
	cfg     *config.AnalysisConfigHolder
	metrics *obsmetrics.Metrics
	release *redis.Script
}

func NewService(p Params) cachedomain.Service {
	return &Service{
		redis:   p.Redis,
		log:     p.Log.Named("analysiscache.service"),
		clock:   p.Clock,
		cfg:     p.Cfg,
		metrics: p.Metrics,
		release: redis.NewScript(lockReleaseScript),
	}
}

func (s *Service) CheckCache(ctx context.Context, req cachedomain.CheckRequest) (cachedomain.CheckResult, error) {
	if len(req.DocumentHashes) == 0 {
		return cachedomain.CheckResult{}, cachedomain.ErrNoDocuments
	}
	if req.ModelVersion == "" || req.PromptSignature == "" {
		return cachedomain.CheckResult{}, cachedomain.ErrInvalidVersion
	}

	key := cachedomain.CacheFingerprint(req.DocumentHashes, req.ModelVersion, req.PromptSignature)
	result := cachedomain.CheckResult{Key: key}

	raw, err := s.redis.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.metrics.RecordCacheLookup("miss")
			return result, nil
		}
		s.log.Error("cache read failed", zap.Error(err), zap.String("key", key))
		return result, err
	}

	var entry cachedomain.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt envelope behaves like a miss; the next save overwrites it.
		s.log.Warn("cache entry undecodable, treating as miss", zap.Error(err), zap.String("key", key))
		s.metrics.RecordCacheLookup("miss")
		return result, nil
	}

	if req.LastMovementAt != nil {
		if entry.LastMovementAt == nil || entry.LastMovementAt.Before(*req.LastMovementAt) {
			s.metrics.RecordCacheLookup("stale")
			return result, nil
		}
	}

	result.Hit = true
	result.Data = entry.Payload
	result.Age = s.clock.Now().Sub(entry.StoredAt)
	s.metrics.RecordCacheLookup("hit")
	return result, nil
}

func (s *Service) SaveCache(ctx context.Context, req cachedomain.SaveRequest) error {
	if len(req.DocumentHashes) == 0 {
		return cachedomain.ErrNoDocuments
	}
	if req.ModelVersion == "" || req.PromptSignature == "" {
		return cachedomain.ErrInvalidVersion
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return cachedomain.ErrInvalidPayload
	}
	cfg := s.cfg.Get()
	if cfg.MaxPayloadSizeBytes > 0 && len(req.Payload) > cfg.MaxPayloadSizeBytes {
		return cachedomain.ErrPayloadTooLarge
	}

	key := cachedomain.CacheFingerprint(req.DocumentHashes, req.ModelVersion, req.PromptSignature)
	entry := cachedomain.Entry{
		Key:            key,
		WorkspaceID:    req.WorkspaceID,
		Payload:        req.Payload,
		LastMovementAt: req.LastMovementAt,
		StoredAt:       s.clock.Now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, cacheKeyPrefix+key, raw, cfg.CacheTTL).Err(); err != nil {
		s.log.Error("cache write failed", zap.Error(err), zap.String("key", key))
		return err
	}
	return nil
}

func (s *Service) AcquireLock(ctx context.Context, documentHashes []string) (cachedomain.LockResult, error) {
	if len(documentHashes) == 0 {
		return cachedomain.LockResult{}, cachedomain.ErrNoDocuments
	}

	key := cachedomain.LockFingerprint(documentHashes)
	ttl := s.cfg.Get().LockTTL
	token := uuid.NewString()

	ok, err := s.redis.SetNX(ctx, lockKeyPrefix+key, token, ttl).Result()
	if err != nil {
		s.log.Error("lock acquisition failed", zap.Error(err), zap.String("lock_key", key))
		return cachedomain.LockResult{LockKey: key}, err
	}
	if ok {
		s.metrics.RecordLockAttempt("acquired")
		return cachedomain.LockResult{Acquired: true, LockKey: key, Token: token, TTL: ttl}, nil
	}

	remaining, err := s.redis.PTTL(ctx, lockKeyPrefix+key).Result()
	if err != nil || remaining < 0 {
		remaining = 0
	}
	s.metrics.RecordLockAttempt("contended")
	return cachedomain.LockResult{LockKey: key, TTL: remaining}, nil
}

func (s *Service) ReleaseLock(ctx context.Context, lockKey, token string) error {
	if lockKey == "" || token == "" {
		return nil
	}
	err := s.release.Run(ctx, s.redis, []string{lockKeyPrefix + lockKey}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.log.Error("lock release failed", zap.Error(err), zap.String("lock_key", lockKey))
		return err
	}
	return nil
}
