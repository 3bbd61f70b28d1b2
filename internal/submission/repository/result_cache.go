package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/submission/model"
)

const (
	resultKeyPrefix = "submission:result:"
	statusKeyPrefix = "submission:status:"

	DefaultResultTTL = time.Hour
	DefaultStatusTTL = 5 * time.Minute
	defaultEmptyTTL  = time.Minute
)

// ErrNotCacheable is returned when a transient submission is offered to the result cache.
var ErrNotCacheable = errors.New("only terminal submissions can be cached")

// ResultCache keeps terminal results and short-lived status entries in Redis.
// It is an optimization only: every miss is satisfiable from the store.
type ResultCache struct {
	cache     cache.Cache
	ttl       time.Duration
	emptyTTL  time.Duration
	statusTTL time.Duration
}

func NewResultCache(c cache.Cache, ttl, statusTTL time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	if statusTTL <= 0 {
		statusTTL = DefaultStatusTTL
	}
	return &ResultCache{cache: c, ttl: ttl, emptyTTL: defaultEmptyTTL, statusTTL: statusTTL}
}

func resultKey(id string) string { return resultKeyPrefix + id }
func statusKey(id string) string { return statusKeyPrefix + id }

// Get returns a cached terminal result, or nil when absent.
func (c *ResultCache) Get(ctx context.Context, id string) (*model.Submission, error) {
	raw, err := c.cache.Get(ctx, resultKey(id))
	if err != nil {
		return nil, err
	}
	return unmarshalSubmission(raw)
}

// Put caches a terminal submission. A zero ttl uses the configured one with jitter.
func (c *ResultCache) Put(ctx context.Context, sub *model.Submission, ttl time.Duration) error {
	if sub == nil || !sub.Status.IsTerminal() {
		return ErrNotCacheable
	}
	payload, err := marshalSubmission(sub)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cache.JitterTTL(c.ttl)
	}
	return c.cache.Set(ctx, resultKey(sub.ID), payload, ttl)
}

// ReadThrough serves id from the cache, loading and caching terminal results from load.
// A nil submission with a nil error means the row does not exist.
func (c *ResultCache) ReadThrough(ctx context.Context, id string, load func(context.Context) (*model.Submission, error)) (*model.Submission, error) {
	return cache.GetWithCached[*model.Submission](
		ctx,
		c.cache,
		resultKey(id),
		cache.JitterTTL(c.ttl),
		c.emptyTTL,
		func(sub *model.Submission) bool { return sub == nil },
		func(sub *model.Submission) bool { return sub.Status.IsTerminal() && !c.rejudging(ctx, id) },
		marshalSubmission,
		unmarshalSubmission,
		load,
	)
}

// rejudging reports whether the status entry says id is pending again. A terminal
// row loaded at that point predates the reset and must not be cached.
func (c *ResultCache) rejudging(ctx context.Context, id string) bool {
	view, err := c.GetStatus(ctx, id)
	return err == nil && view != nil && !view.Status.IsTerminal()
}

// InvalidateResult drops the cached result and keeps the status entry.
func (c *ResultCache) InvalidateResult(ctx context.Context, id string) error {
	return c.cache.Del(ctx, resultKey(id))
}

func (c *ResultCache) SetStatus(ctx context.Context, view model.StatusView, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.statusTTL
	}
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, statusKey(view.SubmissionID), string(data), ttl)
}

// GetStatus returns the cached status view, or nil when absent.
func (c *ResultCache) GetStatus(ctx context.Context, id string) (*model.StatusView, error) {
	if !cache.IsReady(c.cache) {
		return nil, nil
	}
	raw, err := c.cache.Get(ctx, statusKey(id))
	if err != nil || raw == "" {
		return nil, err
	}
	var view model.StatusView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Invalidate drops both entries for id.
func (c *ResultCache) Invalidate(ctx context.Context, id string) error {
	return c.cache.Del(ctx, resultKey(id), statusKey(id))
}

func marshalSubmission(sub *model.Submission) (string, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalSubmission(raw string) (*model.Submission, error) {
	if raw == "" || raw == cache.NullCacheValue {
		return nil, nil
	}
	var sub model.Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
