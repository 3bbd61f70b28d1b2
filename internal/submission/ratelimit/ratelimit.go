// Package ratelimit enforces per-user fixed-window submission quotas on the shared cache.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"judgeflow/internal/common/cache"
)

// Scope selects which quota a request counts against.
type Scope string

const (
	ScopeSubmit Scope = "submit"
	ScopeRun    Scope = "run"
)

// Rule is one scope's ceiling per window.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Config holds per-scope rules.
type Config struct {
	Submit  Rule          `yaml:"submit"`
	Run     Rule          `yaml:"run"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig allows 10 judged submissions and 30 runs per minute.
func DefaultConfig() Config {
	return Config{
		Submit:  Rule{Limit: 10, Window: time.Minute},
		Run:     Rule{Limit: 30, Window: time.Minute},
		Timeout: 200 * time.Millisecond,
	}
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Limiter counts requests with a single INCR per call.
type Limiter struct {
	cache cache.Cache
	rules map[Scope]Rule
	// timeout bounds each round trip so a slow cache degrades to allow.
	timeout time.Duration
}

func New(c cache.Cache, cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Submit.Limit <= 0 {
		cfg.Submit.Limit = def.Submit.Limit
	}
	if cfg.Submit.Window <= 0 {
		cfg.Submit.Window = def.Submit.Window
	}
	if cfg.Run.Limit <= 0 {
		cfg.Run.Limit = def.Run.Limit
	}
	if cfg.Run.Window <= 0 {
		cfg.Run.Window = def.Run.Window
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Limiter{
		cache:   c,
		rules:   map[Scope]Rule{ScopeSubmit: cfg.Submit, ScopeRun: cfg.Run},
		timeout: cfg.Timeout,
	}
}

func Key(scope Scope, userID string) string {
	return fmt.Sprintf("ratelimit:user:%s:%s", scope, userID)
}

// Check counts one request for userID in scope. It fails open: when the cache is
// unreachable the decision allows and the cache error is returned for logging.
func (l *Limiter) Check(ctx context.Context, userID string, scope Scope) (Decision, error) {
	rule, ok := l.rules[scope]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit scope %q", scope)
	}
	open := Decision{Allowed: true, Remaining: rule.Limit, ResetIn: rule.Window}
	if l.cache == nil || !cache.IsReady(l.cache) {
		return open, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := Key(scope, userID)
	count, err := l.cache.Incr(ctx, key)
	if err != nil {
		return open, fmt.Errorf("rate limit incr: %w", err)
	}

	ttl, err := l.cache.TTL(ctx, key)
	if err != nil {
		ttl = rule.Window
	}
	// A counter without a TTL would never reset; repair it as well as setting it on creation.
	if count == 1 || ttl < 0 {
		if err := l.cache.Expire(ctx, key, rule.Window); err != nil {
			return open, fmt.Errorf("rate limit expire: %w", err)
		}
		ttl = rule.Window
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= rule.Limit,
		Remaining: remaining,
		ResetIn:   ttl,
	}, nil
}

// ResetInSeconds rounds reset-in up to whole seconds, never below 1 for a denied request.
func (d Decision) ResetInSeconds() int {
	secs := int((d.ResetIn + time.Second - 1) / time.Second)
	if secs < 1 && !d.Allowed {
		secs = 1
	}
	return secs
}
