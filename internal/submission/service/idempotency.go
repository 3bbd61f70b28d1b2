package service

import (
	"context"
	"strings"
	"time"

	"judgeflow/internal/common/cache"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix  = "submission:idempotency:"
	processingMarker      = "processing"
	defaultIdempotencyTTL = 10 * time.Minute
)

// IdempotencyGuard maps a client Idempotency-Key to the submission it created.
// A nil guard disables the feature.
type IdempotencyGuard struct {
	cache   cache.Cache
	ttl     time.Duration
	timeout time.Duration
}

func NewIdempotencyGuard(c cache.Cache, ttl, timeout time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &IdempotencyGuard{cache: c, ttl: ttl, timeout: timeout}
}

func idempotencyKey(userID, key string) string {
	return idempotencyKeyPrefix + userID + ":" + key
}

// Acquire reserves key for userID. It returns the earlier submission id when the key
// was already used, and fails open when the cache cannot answer.
func (g *IdempotencyGuard) Acquire(ctx context.Context, userID, key string) (bool, string, error) {
	key = strings.TrimSpace(key)
	if g == nil || key == "" || !cache.IsReady(g.cache) {
		return false, "", nil
	}
	cacheKey := idempotencyKey(userID, key)
	ctxCache := withTimeout(ctx, g.timeout)
	defer ctxCache.cancel()

	ok, err := g.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, g.ttl)
	if err != nil {
		logger.Warn(ctx, "reserve idempotency key failed", zap.Error(err))
		return false, "", nil
	}
	if ok {
		return true, "", nil
	}
	existing, err := g.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		logger.Warn(ctx, "read idempotency key failed", zap.Error(err))
		return false, "", nil
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	return false, "", appErr.New(appErr.TooManyRequests).WithMessage("request with this idempotency key is processing")
}

// Finalize points key at the created submission.
func (g *IdempotencyGuard) Finalize(ctx context.Context, userID, key, submissionID string, acquired bool) {
	if g == nil || !acquired {
		return
	}
	ctxCache := withTimeout(ctx, g.timeout)
	defer ctxCache.cancel()
	if err := g.cache.Set(ctxCache.ctx, idempotencyKey(userID, strings.TrimSpace(key)), submissionID, g.ttl); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

// Release frees key after a failed admission so the client may retry.
func (g *IdempotencyGuard) Release(ctx context.Context, userID, key string, acquired bool) {
	if g == nil || !acquired {
		return
	}
	ctxCache := withTimeout(ctx, g.timeout)
	defer ctxCache.cancel()
	if err := g.cache.Del(ctxCache.ctx, idempotencyKey(userID, strings.TrimSpace(key))); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}
